// Package workflow exposes the user-level operations of the page sorter on
// top of the job store, image store, ledger and assembler. The HTTP API, the
// task handlers and the CLI all go through it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesorter/internal/assembler"
	"github.com/local/pagesorter/internal/batch"
	"github.com/local/pagesorter/internal/filetype"
	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/jobs"
	"github.com/local/pagesorter/internal/layout"
	"github.com/local/pagesorter/internal/ledger"
	"github.com/local/pagesorter/internal/limiter"
	"github.com/local/pagesorter/internal/logger"
	"github.com/local/pagesorter/internal/metrics"
)

// ErrBatchOutOfRange is returned for a batch index past the last batch.
var ErrBatchOutOfRange = errors.New("batch out of range")

// Publisher copies a finished document somewhere durable.
type Publisher interface {
	PublishOutput(ctx context.Context, jobID, path string) (string, error)
}

// Options wires a Service.
type Options struct {
	Jobs      *jobs.Manager
	Converter *imagerender.Converter
	Detector  *filetype.Detector
	Publisher Publisher // optional
	// ReviewBatchSize and ListBatchSize default to 4 and 20.
	ReviewBatchSize int
	ListBatchSize   int
	Page            layout.Page
	// Slots caps concurrent rasterizations and assemblies; nil means no cap.
	Slots *limiter.Slots
}

type Service struct {
	jobs      *jobs.Manager
	conv      *imagerender.Converter
	detector  *filetype.Detector
	publisher Publisher
	review    int
	list      int
	page      layout.Page
	slots     *limiter.Slots
}

func New(o Options) *Service {
	if o.Detector == nil {
		o.Detector = filetype.New()
	}
	if o.ReviewBatchSize <= 0 {
		o.ReviewBatchSize = batch.DefaultReviewSize
	}
	if o.ListBatchSize <= 0 {
		o.ListBatchSize = batch.DefaultListSize
	}
	if o.Page.Width == 0 {
		o.Page = layout.A4
	}
	return &Service{
		jobs:      o.Jobs,
		conv:      o.Converter,
		detector:  o.Detector,
		publisher: o.Publisher,
		review:    o.ReviewBatchSize,
		list:      o.ListBatchSize,
		page:      o.Page,
		slots:     o.Slots,
	}
}

func (s *Service) Jobs() *jobs.Manager  { return s.jobs }
func (s *Service) ReviewBatchSize() int { return s.review }
func (s *Service) ListBatchSize() int   { return s.list }

// CreateJob validates the source and registers a job for it. Nothing is
// created when validation fails or the name is taken.
func (s *Service) CreateJob(src, sourceName, name string) (*jobs.Job, error) {
	if sourceName == "" {
		sourceName = filepath.Base(src)
	}
	info, err := s.detector.Detect(src)
	if err != nil {
		return nil, &filetype.ValidationError{File: sourceName, Reason: err.Error()}
	}
	pages := 0
	switch info.Kind {
	case filetype.KindPDF:
		if pages, err = s.detector.ValidatePDF(src); err != nil {
			return nil, err
		}
	case filetype.KindArchive:
		if _, err := s.detector.ValidateArchive(src); err != nil {
			return nil, err
		}
		if !strings.EqualFold(filepath.Ext(sourceName), ".zip") {
			sourceName += ".zip"
		}
	default:
		return nil, &filetype.ValidationError{File: sourceName, Reason: info.Description}
	}
	if info.Kind == filetype.KindPDF && !strings.EqualFold(filepath.Ext(sourceName), ".pdf") {
		sourceName += ".pdf"
	}

	job, err := s.jobs.Create(src, sourceName, name)
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		meta, err := s.jobs.Update(job.JobID, func(m *jobs.Metadata) { m.PageCount = pages })
		if err != nil {
			return nil, err
		}
		job.Metadata = meta
	}
	return job, nil
}

// IsArchive reports whether the job was created from a ZIP.
func IsArchive(job *jobs.Job) bool {
	return strings.EqualFold(filepath.Ext(job.Paths.Original), ".zip")
}

// Slot kinds for Options.Slots.
const (
	SlotRasterize = "rasterize"
	SlotAssemble  = "assemble"
)

func (s *Service) acquire(ctx context.Context, kind string) (func(), error) {
	if s.slots == nil {
		return func() {}, nil
	}
	return s.slots.Acquire(ctx, kind)
}

// Convert rasterizes the job's source into its image store. dpi <= 0 picks
// a resolution from the source size. The DPI used is saved on success.
func (s *Service) Convert(ctx context.Context, jobID string, dpi int, progress imagerender.ProgressFunc) (imagerender.Result, error) {
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return imagerender.Result{}, err
	}
	req := imagerender.ConvertRequest{
		JobID:         jobID,
		SourcePath:    job.Paths.Original,
		DPI:           dpi,
		ImagesDir:     job.Paths.Images,
		ThumbnailsDir: job.Paths.Thumbnails,
	}
	release, err := s.acquire(ctx, SlotRasterize)
	if err != nil {
		return imagerender.Result{}, err
	}
	defer release()
	var res imagerender.Result
	if IsArchive(job) {
		res, err = s.conv.ConvertArchive(ctx, req, progress)
	} else {
		res, err = s.conv.Convert(ctx, req, progress)
	}
	if err != nil {
		return imagerender.Result{}, err
	}
	if _, err := s.jobs.Update(jobID, func(m *jobs.Metadata) {
		d := res.DPI
		m.DPI = &d
		if m.PageCount == 0 {
			m.PageCount = res.Count
		}
	}); err != nil {
		return imagerender.Result{}, fmt.Errorf("record dpi: %w", err)
	}
	return res, nil
}

// ImageCount is the number of images in the job's store.
func (s *Service) ImageCount(jobID string) (int, error) {
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return 0, err
	}
	return imagerender.ImageCount(job.Paths.Images, s.conv.Format), nil
}

// Selections loads the job's ledger.
func (s *Service) Selections(jobID string) (*ledger.Ledger, error) {
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return nil, err
	}
	return ledger.LoadFile(job.Paths.Selections), nil
}

// SaveSelections merges the editor state into the stored ledger and writes
// the result back. The last save wins.
func (s *Service) SaveSelections(jobID string, editor ledger.EditorState) (*ledger.Ledger, error) {
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return nil, err
	}
	merged := ledger.Merge(ledger.LoadFile(job.Paths.Selections), editor)
	if err := ledger.SaveFile(job.Paths.Selections, merged); err != nil {
		return nil, fmt.Errorf("error saving selections: %w", err)
	}
	return merged, nil
}

// Distribution is the current page assignment overview of a job.
type Distribution struct {
	ImageCount    int                `json:"image_count"`
	Classified    int                `json:"classified"`
	Progress      int                `json:"progress"`
	Pages         []ledger.PageCount `json:"pages"`
	OverLimit     []ledger.PageCount `json:"over_limit,omitempty"`
	SuggestedPage int                `json:"suggested_page"`
}

func (s *Service) Distribution(jobID string) (Distribution, error) {
	l, err := s.Selections(jobID)
	if err != nil {
		return Distribution{}, err
	}
	total, err := s.ImageCount(jobID)
	if err != nil {
		return Distribution{}, err
	}
	counts := ledger.PageCounts(l)
	return Distribution{
		ImageCount:    total,
		Classified:    l.Len(),
		Progress:      ledger.Progress(l, total),
		Pages:         counts,
		OverLimit:     ledger.OverLimit(counts, ledger.MaxImagesPerPage),
		SuggestedPage: ledger.SuggestPage(l),
	}, nil
}

// BatchStatus reports progress of one review batch. size <= 0 uses the
// configured review size.
func (s *Service) BatchStatus(jobID string, batchIndex, size int) (batch.Status, error) {
	if size <= 0 {
		size = s.review
	}
	l, err := s.Selections(jobID)
	if err != nil {
		return batch.Status{}, err
	}
	total, err := s.ImageCount(jobID)
	if err != nil {
		return batch.Status{}, err
	}
	return batch.StatusFor(l, total, batchIndex, size), nil
}

// Batches lists the status of every batch and the first one with
// unclassified images.
func (s *Service) Batches(jobID string, size int) ([]batch.Status, int, error) {
	if size <= 0 {
		size = s.review
	}
	l, err := s.Selections(jobID)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.ImageCount(jobID)
	if err != nil {
		return nil, 0, err
	}
	ranges := batch.Batches(total, size)
	out := make([]batch.Status, len(ranges))
	for i := range ranges {
		out[i] = batch.StatusFor(l, total, i, size)
	}
	return out, batch.FirstIncomplete(l, total, size), nil
}

// ImagePath returns the raster or thumbnail file of image i.
func (s *Service) ImagePath(jobID string, i ledger.Index, thumbnail bool) (string, error) {
	if i <= 0 {
		return "", fmt.Errorf("%w: image %d", jobs.ErrNotFound, i)
	}
	p := s.jobs.Paths(jobID)
	if _, err := s.jobs.Load(jobID); err != nil {
		return "", err
	}
	ext := s.conv.Format.Ext()
	if thumbnail {
		return filepath.Join(p.Thumbnails, i.ThumbnailFile(ext)), nil
	}
	return filepath.Join(p.Images, i.RasterFile(ext)), nil
}

// BatchView is one batch with its images and their current assignments.
type BatchView struct {
	batch.View
	Status      batch.Status       `json:"status"`
	Editor      ledger.EditorState `json:"editor"`
	DefaultPage int                `json:"default_page"`
}

// BatchImages returns the images of a batch along with the editor state the
// UI should start from.
func (s *Service) BatchImages(jobID string, batchIndex, size int) (BatchView, error) {
	if size <= 0 {
		size = s.review
	}
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return BatchView{}, err
	}
	l := ledger.LoadFile(job.Paths.Selections)
	total := imagerender.ImageCount(job.Paths.Images, s.conv.Format)
	ranges := batch.Batches(total, size)
	if batchIndex < 0 || batchIndex >= len(ranges) {
		return BatchView{}, fmt.Errorf("%w: %d of %d", ErrBatchOutOfRange, batchIndex+1, len(ranges))
	}
	v := batch.Images(job.Paths.Images, job.Paths.Thumbnails, s.conv.Format.Ext(), ranges[batchIndex])
	editor := ledger.EditorState{}
	for _, img := range v.Images {
		switch a := l.Lookup(img.Index); a.Kind {
		case ledger.Excluded:
			editor[img.Key] = ledger.EditorEntry{HasExclude: true, Excluded: true, HasPage: true}
		case ledger.Assigned:
			editor[img.Key] = ledger.EditorEntry{HasExclude: true, HasPage: true, Page: a.Page}
		}
	}
	return BatchView{
		View:        v,
		Status:      batch.StatusFor(l, total, batchIndex, size),
		Editor:      editor,
		DefaultPage: ledger.SuggestPage(l),
	}, nil
}

// ValidateForOutput checks a ledger can be assembled and returns its groups.
func (s *Service) ValidateForOutput(l *ledger.Ledger) ([]assembler.Group, error) {
	groups := assembler.GroupByPage(l)
	if err := assembler.ValidateCapacity(groups); err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, assembler.ErrNothingToOutput
	}
	return groups, nil
}

// GenerateResult describes a finished document.
type GenerateResult struct {
	assembler.Result
	OutputPath   string `json:"output_path"`
	Location     string `json:"location,omitempty"`
	PublishError string `json:"publish_error,omitempty"`
}

// Generate assembles the job's document from l, or from the stored ledger
// when l is nil. A failed publish is logged and reported, not returned.
func (s *Service) Generate(ctx context.Context, jobID string, l *ledger.Ledger, progress func(done, total int)) (GenerateResult, error) {
	job, err := s.jobs.Load(jobID)
	if err != nil {
		return GenerateResult{}, err
	}
	if l == nil {
		l = ledger.LoadFile(job.Paths.Selections)
	}
	// A document that no longer matches the ledger is never served.
	if err := os.Remove(job.Paths.Output); err != nil && !os.IsNotExist(err) {
		return GenerateResult{}, fmt.Errorf("remove previous output: %w", err)
	}
	if _, err := s.ValidateForOutput(l); err != nil {
		return GenerateResult{}, err
	}
	release, err := s.acquire(ctx, SlotAssemble)
	if err != nil {
		return GenerateResult{}, err
	}
	defer release()
	lg := logger.ForJob(jobID)
	res, err := assembler.Assemble(ctx, assembler.Request{
		ImagesDir:  job.Paths.Images,
		Ext:        s.conv.Format.Ext(),
		OutputPath: job.Paths.Output,
		Ledger:     l,
		Page:       s.page,
		Progress:   progress,
	})
	if err != nil {
		return GenerateResult{}, err
	}
	metrics.AddOutputPages(res.Pages)
	lg.Info().Int("pages", res.Pages).Int("images", res.Images).Str("output", job.Paths.Output).Msg("document assembled")

	out := GenerateResult{Result: res, OutputPath: job.Paths.Output}
	if s.publisher != nil {
		loc, err := s.publisher.PublishOutput(ctx, jobID, job.Paths.Output)
		if err != nil {
			lg.Warn().Err(err).Msg("publishing output failed")
			out.PublishError = err.Error()
		} else {
			out.Location = loc
		}
	}
	return out, nil
}

// OutputPath returns the document path if it exists.
func (s *Service) OutputPath(jobID string) (string, bool, error) {
	info, err := s.jobs.Info(jobID)
	if err != nil {
		return "", false, err
	}
	return s.jobs.Paths(jobID).Output, info.HasOutput, nil
}

// ListJobs summarises every job, newest first.
func (s *Service) ListJobs() ([]jobs.Info, error) {
	list, err := s.jobs.List()
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Info, 0, len(list))
	for _, meta := range list {
		info, err := s.jobs.Info(meta.JobID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", meta.JobID).Msg("skipping job in listing")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Service) DeleteJob(jobID string) error { return s.jobs.Delete(jobID) }

func (s *Service) DeleteAll() (int, error) { return s.jobs.DeleteAll() }
