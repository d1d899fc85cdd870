package tasks

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagesorter/internal/assembler"
	"github.com/local/pagesorter/internal/config"
	"github.com/local/pagesorter/internal/dispatcher"
	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/jobs"
	"github.com/local/pagesorter/internal/ledger"
	"github.com/local/pagesorter/internal/queue"
	"github.com/local/pagesorter/internal/workflow"
)

var policy = Policy{
	ConvertTimeout:  10 * time.Minute,
	ConvertPerPage:  3 * time.Second,
	ArchiveTimeout:  60 * time.Minute,
	GenerateTimeout: 30 * time.Minute,
	MaxRetries:      3,
	Backoff:         []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
	ResultTTL:       10 * time.Minute,
	FailureTTL:      24 * time.Hour,
}

// threePages renders a three page document regardless of the file.
type threePages struct{}

func (threePages) PageCount(string) (int, error) { return 3, nil }

func (threePages) Render(ctx context.Context, path string, dpi, from, to int, fn imagerender.PageFunc) error {
	for i := from; i < to; i++ {
		if err := fn(i, image.NewGray(image.Rect(0, 0, 20, 30))); err != nil {
			return err
		}
	}
	return nil
}

func newService(t *testing.T) (*workflow.Service, *jobs.Job) {
	t.Helper()
	root := t.TempDir()
	m := jobs.NewManager(filepath.Join(root, "jobs"), filepath.Join(root, "out"), imagerender.FormatPNG)
	src := filepath.Join(root, "in.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4"), 0o644))
	job, err := m.Create(src, "in.pdf", "")
	require.NoError(t, err)
	svc := workflow.New(workflow.Options{
		Jobs:      m,
		Converter: &imagerender.Converter{Rasterizer: threePages{}, Format: imagerender.FormatPNG, ThumbnailMax: 10},
	})
	return svc, job
}

func TestID(t *testing.T) {
	assert.Equal(t, "tp:job_1:convert", ID("job_1", PurposeConvert))
	assert.Equal(t, "tp:job_1:pdf", ID("job_1", PurposePDF))

	job, purpose, ok := ParseID("tp:job_20240101_120000_ab12cd34:zip")
	require.True(t, ok)
	assert.Equal(t, "job_20240101_120000_ab12cd34", job)
	assert.Equal(t, "zip", purpose)
	for _, bad := range []string{"job_1:convert", "tp:convert", "tp::x", "tp:job_1:"} {
		_, _, ok := ParseID(bad)
		assert.False(t, ok, bad)
	}
}

func TestPolicy(t *testing.T) {
	p := PolicyFromConfig(config.TasksConfig{
		ConvertTimeout: 10 * time.Minute, ConvertPerPage: 3 * time.Second,
		GenerateTimeout: 30 * time.Minute, ArchiveTimeout: time.Hour,
		MaxRetries: 3, RetryIntervals: policy.Backoff,
		ResultTTL: 10 * time.Minute, FailureTTL: 24 * time.Hour,
	})
	assert.Equal(t, 15*time.Minute, p.Convert(100).Timeout)
	assert.Equal(t, time.Hour, p.Archive().Timeout)
	opts := p.Generate()
	assert.Equal(t, 30*time.Minute, opts.Timeout)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, policy.Backoff, opts.Backoff)
	assert.Equal(t, 24*time.Hour, opts.FailureTTL)
}

func TestNewConvert(t *testing.T) {
	job := &jobs.Job{
		Metadata: jobs.Metadata{JobID: "job_1", PageCount: 20},
		Paths:    jobs.Paths{Original: "/data/job_1/original.pdf"},
	}
	task, err := NewConvert(job, 150, policy)
	require.NoError(t, err)
	assert.Equal(t, "tp:job_1:convert", task.ID)
	assert.Equal(t, TypeConvertPDF, task.Type)
	assert.Equal(t, 11*time.Minute, task.Timeout)
	var p ConvertPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, ConvertPayload{JobID: "job_1", PDFPath: "/data/job_1/original.pdf", DPI: 150}, p)

	job.Paths.Original = "/data/job_1/original.zip"
	task, err = NewConvert(job, 0, policy)
	require.NoError(t, err)
	assert.Equal(t, "tp:job_1:zip", task.ID)
	assert.Equal(t, TypeConvertZip, task.Type)
}

func TestGeneratePayloadCarriesSnapshot(t *testing.T) {
	l := ledger.FromEntries(ledger.Entry{Key: "img_002", Page: 1}, ledger.Entry{Key: "img_001", Page: 0})
	task, err := NewGenerate("job_1", l, "/out/job_1.pdf", policy)
	require.NoError(t, err)
	assert.Equal(t, "tp:job_1:pdf", task.ID)
	var p GeneratePayload
	require.NoError(t, task.Decode(&p))
	require.NotNil(t, p.Selections)
	assert.True(t, l.Equal(p.Selections))
}

func TestConvertAndGenerateHandlers(t *testing.T) {
	svc, job := newService(t)
	h := &handlers{svc: svc}

	var pcts []int
	progress := func(pct int, msg string) { pcts = append(pcts, pct) }

	task, err := NewConvert(job, 100, policy)
	require.NoError(t, err)
	res, err := h.convert(context.Background(), task, progress)
	require.NoError(t, err)
	assert.Equal(t, 3, res["image_count"])
	assert.Equal(t, 100, res["dpi"])
	assert.Equal(t, []int{0, 33, 66, 100}, pcts)

	l := ledger.FromEntries(
		ledger.Entry{Key: "img_001", Page: 1},
		ledger.Entry{Key: "img_002", Page: 1},
		ledger.Entry{Key: "img_003", Page: 2},
	)
	gen, err := NewGenerate(job.JobID, l, job.Paths.Output, policy)
	require.NoError(t, err)
	out, err := h.generate(context.Background(), gen, progress)
	require.NoError(t, err)
	assert.Equal(t, 2, out["pages"])
	assert.FileExists(t, job.Paths.Output)
}

func TestGenerateNothingToOutputIsPermanent(t *testing.T) {
	svc, job := newService(t)
	h := &handlers{svc: svc}
	gen, err := NewGenerate(job.JobID, ledger.New(), job.Paths.Output, policy)
	require.NoError(t, err)
	_, err = h.generate(context.Background(), gen, func(int, string) {})
	var perm *dispatcher.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, err, assembler.ErrNothingToOutput)
}

func TestInvalidPayloadIsPermanent(t *testing.T) {
	svc, _ := newService(t)
	h := &handlers{svc: svc}
	_, err := h.convert(context.Background(), queue.Task{ID: "x", Type: TypeConvertPDF, Payload: []byte(`[]`)}, func(int, string) {})
	var perm *dispatcher.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestClassify(t *testing.T) {
	var perm *dispatcher.PermanentError
	assert.ErrorAs(t, classify(jobs.ErrNotFound), &perm)
	assert.ErrorAs(t, classify(&assembler.CapacityError{}), &perm)
	plain := errors.New("disk hiccup")
	assert.Same(t, plain, classify(plain))
}
