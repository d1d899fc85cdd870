// Package tasks defines the background tasks of the page sorter: their
// names, payloads, queue options and handlers.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/local/pagesorter/internal/assembler"
	"github.com/local/pagesorter/internal/config"
	"github.com/local/pagesorter/internal/dispatcher"
	"github.com/local/pagesorter/internal/filetype"
	"github.com/local/pagesorter/internal/jobs"
	"github.com/local/pagesorter/internal/ledger"
	"github.com/local/pagesorter/internal/queue"
	"github.com/local/pagesorter/internal/workflow"
)

const (
	TypeConvertPDF = "processPdfToImages"
	TypeConvertZip = "processZipToImages"
	TypeGenerate   = "generateOutputPdf"
)

// Purposes keep conversion and generation tasks of one job apart.
const (
	PurposeConvert = "convert"
	PurposeZip     = "zip"
	PurposePDF     = "pdf"
)

// ID is the idempotency key of a job's task for purpose.
func ID(jobID, purpose string) string { return "tp:" + jobID + ":" + purpose }

// ParseID splits a task id built by ID.
func ParseID(id string) (jobID, purpose string, ok bool) {
	rest, found := strings.CutPrefix(id, "tp:")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

type ConvertPayload struct {
	JobID   string `json:"job_id"`
	PDFPath string `json:"pdf_path"`
	DPI     int    `json:"dpi,omitempty"`
}

type GeneratePayload struct {
	JobID      string         `json:"job_id"`
	Selections *ledger.Ledger `json:"selections"`
	OutputPath string         `json:"output_path"`
}

// Policy turns task settings into queue options.
type Policy struct {
	ConvertTimeout  time.Duration
	ConvertPerPage  time.Duration
	ArchiveTimeout  time.Duration
	GenerateTimeout time.Duration
	MaxRetries      int
	Backoff         []time.Duration
	ResultTTL       time.Duration
	FailureTTL      time.Duration
}

func PolicyFromConfig(c config.TasksConfig) Policy {
	return Policy{
		ConvertTimeout:  c.ConvertTimeout,
		ConvertPerPage:  c.ConvertPerPage,
		ArchiveTimeout:  c.ArchiveTimeout,
		GenerateTimeout: c.GenerateTimeout,
		MaxRetries:      c.MaxRetries,
		Backoff:         c.RetryIntervals,
		ResultTTL:       c.ResultTTL,
		FailureTTL:      c.FailureTTL,
	}
}

func (p Policy) options(timeout time.Duration) queue.Options {
	return queue.Options{
		Timeout:    timeout,
		MaxRetries: p.MaxRetries,
		Backoff:    p.Backoff,
		ResultTTL:  p.ResultTTL,
		FailureTTL: p.FailureTTL,
	}
}

// Convert scales the base timeout by the document's page count.
func (p Policy) Convert(pages int) queue.Options {
	return p.options(p.ConvertTimeout + time.Duration(pages)*p.ConvertPerPage)
}

func (p Policy) Archive() queue.Options  { return p.options(p.ArchiveTimeout) }
func (p Policy) Generate() queue.Options { return p.options(p.GenerateTimeout) }

// NewConvert builds the conversion task for a job.
func NewConvert(job *jobs.Job, dpi int, p Policy) (queue.Task, error) {
	payload := ConvertPayload{JobID: job.JobID, PDFPath: job.Paths.Original, DPI: dpi}
	if workflow.IsArchive(job) {
		return queue.NewTask(ID(job.JobID, PurposeZip), TypeConvertZip, job.JobID, payload, p.Archive())
	}
	return queue.NewTask(ID(job.JobID, PurposeConvert), TypeConvertPDF, job.JobID, payload, p.Convert(job.PageCount))
}

// NewGenerate builds the assembly task for a job from a ledger snapshot.
func NewGenerate(jobID string, l *ledger.Ledger, outputPath string, p Policy) (queue.Task, error) {
	payload := GeneratePayload{JobID: jobID, Selections: l, OutputPath: outputPath}
	return queue.NewTask(ID(jobID, PurposePDF), TypeGenerate, jobID, payload, p.Generate())
}

// Register installs the task handlers on w.
func Register(w *dispatcher.Worker, svc *workflow.Service) {
	h := &handlers{svc: svc}
	w.Handle(TypeConvertPDF, h.convert)
	w.Handle(TypeConvertZip, h.convert)
	w.Handle(TypeGenerate, h.generate)
}

type handlers struct {
	svc *workflow.Service
}

func (h *handlers) convert(ctx context.Context, t queue.Task, progress dispatcher.Progress) (map[string]any, error) {
	var p ConvertPayload
	if err := t.Decode(&p); err != nil {
		return nil, dispatcher.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	progress(0, "Starting conversion")
	archive := t.Type == TypeConvertZip
	res, err := h.svc.Convert(ctx, p.JobID, p.DPI, func(done, total int) {
		if total <= 0 {
			return
		}
		pct := done * 100 / total
		if archive {
			progress(pct, fmt.Sprintf("Converting documents (%d%%)", pct))
			return
		}
		progress(pct, fmt.Sprintf("Converted page %d of %d", done, total))
	})
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{
		"message":     res.Message,
		"image_count": res.Count,
		"dpi":         res.DPI,
	}, nil
}

func (h *handlers) generate(ctx context.Context, t queue.Task, progress dispatcher.Progress) (map[string]any, error) {
	var p GeneratePayload
	if err := t.Decode(&p); err != nil {
		return nil, dispatcher.Permanent(fmt.Errorf("invalid payload: %w", err))
	}
	progress(0, "Building PDF")
	res, err := h.svc.Generate(ctx, p.JobID, p.Selections, func(done, total int) {
		progress(done*100/total, fmt.Sprintf("Built page %d of %d", done, total))
	})
	if err != nil {
		return nil, classify(err)
	}
	out := map[string]any{
		"message":     res.Message,
		"pages":       res.Pages,
		"images":      res.Images,
		"output_path": res.OutputPath,
	}
	if len(res.Missing) > 0 {
		out["missing"] = res.Missing
	}
	if res.Location != "" {
		out["location"] = res.Location
	}
	if res.PublishError != "" {
		out["publish_error"] = res.PublishError
	}
	return out, nil
}

// classify marks errors no retry can fix as permanent.
func classify(err error) error {
	var capErr *assembler.CapacityError
	switch {
	case filetype.IsValidation(err),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, assembler.ErrNothingToOutput),
		errors.As(err, &capErr):
		return dispatcher.Permanent(err)
	}
	return err
}
