package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/jobs"
	"github.com/local/pagesorter/internal/ledger"
	"github.com/local/pagesorter/internal/queue"
	"github.com/local/pagesorter/internal/store"
	"github.com/local/pagesorter/internal/tasks"
	"github.com/local/pagesorter/internal/workflow"
)

type greyPages struct{}

func (greyPages) PageCount(path string) (int, error) { return api.PageCountFile(path) }

func (r greyPages) Render(ctx context.Context, path string, dpi, from, to int, fn imagerender.PageFunc) error {
	n, err := r.PageCount(path)
	if err != nil {
		return err
	}
	for i := from; i < to && i < n; i++ {
		if err := fn(i, image.NewGray(image.Rect(0, 0, 40, 60))); err != nil {
			return err
		}
	}
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	tasks map[string]queue.Task
	err   error
}

func (q *memQueue) Enqueue(_ context.Context, t queue.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return false, q.err
	}
	if _, ok := q.tasks[t.ID]; ok {
		return false, nil
	}
	q.tasks[t.ID] = t
	return true, nil
}

type memStatus struct {
	mu sync.Mutex
	m  map[string]store.Status
}

func (s *memStatus) Set(_ context.Context, st store.Status, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[st.TaskID] = st
	return nil
}

func (s *memStatus) Get(_ context.Context, id string) (store.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	return st, ok, nil
}

type fixture struct {
	srv    *httptest.Server
	svc    *workflow.Service
	queue  *memQueue
	status *memStatus
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	svc := workflow.New(workflow.Options{
		Jobs:      jobs.NewManager(filepath.Join(root, "jobs"), filepath.Join(root, "outputs"), imagerender.FormatPNG),
		Converter: &imagerender.Converter{Rasterizer: greyPages{}, Format: imagerender.FormatPNG, ThumbnailMax: 20},
	})
	f := &fixture{
		svc:    svc,
		queue:  &memQueue{tasks: map[string]queue.Task{}},
		status: &memStatus{m: map[string]store.Status{}},
		root:   root,
	}
	o := New(Dependencies{
		Service:      svc,
		Queue:        f.queue,
		Status:       f.status,
		Policy:       tasks.Policy{ConvertTimeout: time.Minute, GenerateTimeout: time.Minute, MaxRetries: 3},
		Sources:      &SourceFetcher{},
		InputsRoot:   filepath.Join(root, "inputs"),
		DefaultDPI:   100,
		PollInterval: 10 * time.Millisecond,
	})
	mux := http.NewServeMux()
	o.RegisterRoutes(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func pdfBytes(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.Cell(40, 10, "scan")
	}
	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}

func (f *fixture) upload(t *testing.T, name string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "scan.pdf")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("name", name))
	require.NoError(t, mw.Close())
	resp, err := http.Post(f.srv.URL+"/jobs", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// createConverted uploads a document and runs its conversion in-process.
func (f *fixture) createConverted(t *testing.T, name string, pages int) string {
	t.Helper()
	resp := f.upload(t, name, pdfBytes(t, pages))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Job  jobs.Metadata `json:"job"`
		Task taskResp      `json:"task"`
	}
	decode(t, resp, &out)
	_, err := f.svc.Convert(context.Background(), out.Job.JobID, 100, nil)
	require.NoError(t, err)
	return out.Job.JobID
}

func TestCreateJobEnqueuesConversion(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "Batch A", pdfBytes(t, 3))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		Job  jobs.Metadata `json:"job"`
		Task taskResp      `json:"task"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "Batch A", out.Job.FriendlyName)
	assert.Equal(t, 3, out.Job.PageCount)
	assert.Equal(t, tasks.ID(out.Job.JobID, tasks.PurposeConvert), out.Task.Handle)
	assert.True(t, out.Task.Created)

	task, ok := f.queue.tasks[out.Task.Handle]
	require.True(t, ok)
	assert.Equal(t, tasks.TypeConvertPDF, task.Type)
	var p tasks.ConvertPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, 100, p.DPI)

	st, ok, _ := f.status.Get(context.Background(), out.Task.Handle)
	require.True(t, ok)
	assert.Equal(t, store.StatusQueued, st.Status)

	// Upload temp file is gone.
	entries, _ := os.ReadDir(filepath.Join(f.root, "inputs"))
	assert.Empty(t, entries)

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+out.Job.JobID+"/tasks", "")
	var pending struct {
		Tasks []PendingTask `json:"tasks"`
	}
	decode(t, resp, &pending)
	require.Len(t, pending.Tasks, 1)
	assert.Equal(t, tasks.PurposeConvert, pending.Tasks[0].Purpose)
}

func TestCreateJobErrors(t *testing.T) {
	f := newFixture(t)
	resp := f.upload(t, "", []byte("plain text, not a document"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.upload(t, "dup", pdfBytes(t, 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	resp = f.upload(t, "DUP", pdfBytes(t, 1))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, f.srv.URL+"/jobs", `{"source_url":"file:///etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateJobFromURL(t *testing.T) {
	f := newFixture(t)
	doc := pdfBytes(t, 2)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(doc)
	}))
	defer remote.Close()

	resp := do(t, http.MethodPost, f.srv.URL+"/jobs", `{"source_url":"`+remote.URL+`/files/march.pdf","dpi":150}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Job jobs.Metadata `json:"job"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "march.pdf", out.Job.PDFName)
	assert.Equal(t, 2, out.Job.PageCount)
}

func TestQueueUnavailable(t *testing.T) {
	f := newFixture(t)
	id := f.createConverted(t, "", 1)
	f.queue.err = assert.AnError
	resp := do(t, http.MethodPost, f.srv.URL+"/jobs/"+id+"/convert", `{"dpi":200}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestBatchesAndSelections(t *testing.T) {
	f := newFixture(t)
	id := f.createConverted(t, "", 6)

	resp := do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/batches?size=4", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Batches         []json.RawMessage `json:"batches"`
		FirstIncomplete int               `json:"first_incomplete"`
	}
	decode(t, resp, &list)
	assert.Len(t, list.Batches, 2)
	assert.Equal(t, 1, list.FirstIncomplete)

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/batches/2?size=4", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view workflow.BatchView
	decode(t, resp, &view)
	assert.Equal(t, []int{5, 6}, view.Numbers)

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/batches/3?size=4", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPut, f.srv.URL+"/jobs/"+id+"/selections",
		`{"selections":{"img_001":{"page":1},"img_002":{"page":1},"img_003":{"excluded":true},"img_004":{"page":2}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sel struct {
		Selections   map[string]int        `json:"selections"`
		Distribution workflow.Distribution `json:"distribution"`
	}
	decode(t, resp, &sel)
	assert.Equal(t, map[string]int{"img_001": 1, "img_002": 1, "img_003": 0, "img_004": 2}, sel.Selections)
	assert.Equal(t, 4, sel.Distribution.Classified)

	resp = do(t, http.MethodPut, f.srv.URL+"/jobs/"+id+"/selections", `{"selections":{"photo_1":{"page":1}}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/thumbnails/1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	resp.Body.Close()

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/images/99", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	id := f.createConverted(t, "", 10)

	resp := do(t, http.MethodPost, f.srv.URL+"/jobs/"+id+"/generate", "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	editor := map[string]map[string]int{}
	for i := 1; i <= 10; i++ {
		editor[keyFor(i)] = map[string]int{"page": 1}
	}
	body, _ := json.Marshal(map[string]any{"selections": editor})
	resp = do(t, http.MethodPut, f.srv.URL+"/jobs/"+id+"/selections", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, f.srv.URL+"/jobs/"+id+"/generate", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var capErr struct {
		Pages []ledger.PageCount `json:"pages"`
	}
	decode(t, resp, &capErr)
	assert.Equal(t, []ledger.PageCount{{Page: 1, Count: 10}}, capErr.Pages)

	resp = do(t, http.MethodPut, f.srv.URL+"/jobs/"+id+"/selections", `{"selections":{"img_010":{"page":2}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = do(t, http.MethodPost, f.srv.URL+"/jobs/"+id+"/generate", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var tr taskResp
	decode(t, resp, &tr)
	assert.Equal(t, tasks.ID(id, tasks.PurposePDF), tr.Handle)
	task := f.queue.tasks[tr.Handle]
	var p tasks.GeneratePayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, 10, p.Selections.Len())

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/output", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	_, err := f.svc.Generate(context.Background(), id, p.Selections, nil)
	require.NoError(t, err)
	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/output", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func keyFor(i int) string { return fmt.Sprintf("img_%03d", i) }

func TestTaskStatusForgetsTerminal(t *testing.T) {
	f := newFixture(t)
	id := f.createConverted(t, "", 1)
	handle := tasks.ID(id, tasks.PurposeConvert)

	resp := do(t, http.MethodGet, f.srv.URL+"/tasks/"+handle, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_ = f.status.Set(context.Background(), store.Status{TaskID: handle, Status: store.StatusFinished, Progress: 100}, 0)
	resp = do(t, http.MethodGet, f.srv.URL+"/tasks/"+handle, "")
	var st store.Status
	decode(t, resp, &st)
	assert.Equal(t, store.StatusFinished, st.Status)

	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id+"/tasks", "")
	var pending struct {
		Tasks []PendingTask `json:"tasks"`
	}
	decode(t, resp, &pending)
	assert.Empty(t, pending.Tasks)

	resp = do(t, http.MethodGet, f.srv.URL+"/tasks/tp:job_x:convert", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMonitorTaskStopsWhenTerminal(t *testing.T) {
	f := newFixture(t)
	o := New(Dependencies{Service: f.svc, Queue: f.queue, Status: f.status, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()
	_ = f.status.Set(ctx, store.Status{TaskID: "tp:job_1:pdf", Status: store.StatusRunning, Progress: 10}, 0)

	var updates []taskUpdate
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.status.Set(ctx, store.Status{TaskID: "tp:job_1:pdf", Status: store.StatusFinished, Progress: 100}, 0)
	}()
	done := make(chan struct{})
	go func() {
		o.monitorTask(ctx, "tp:job_1:pdf", func(u taskUpdate) error {
			updates = append(updates, u)
			return nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	require.GreaterOrEqual(t, len(updates), 2)
	assert.Equal(t, 10, updates[0].State.Progress)
	assert.Equal(t, store.StatusFinished, updates[len(updates)-1].State.Status)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t)
	id := f.createConverted(t, "", 1)
	resp := do(t, http.MethodDelete, f.srv.URL+"/jobs/"+id, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	resp = do(t, http.MethodGet, f.srv.URL+"/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCleanupTemps(t *testing.T) {
	dir := t.TempDir()
	p, err := SaveUpload(dir, "Scan.PDF", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, ".pdf", filepath.Ext(p))
	keep := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(keep, nil, 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))
	require.NoError(t, os.Chtimes(keep, old, old))

	assert.Equal(t, 1, CleanupTemps(dir, time.Hour))
	assert.NoFileExists(t, p)
	assert.FileExists(t, keep)
}
