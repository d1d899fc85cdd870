// Package jobs owns the on-disk job directory: the source copy, metadata,
// the selections ledger and the image store folders.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/ledger"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrDuplicateName = errors.New("a job with this name already exists")
)

const (
	metadataFile   = "metadata.json"
	selectionsFile = "selections.json"
	imagesDir      = "images"
	thumbnailsDir  = "thumbnails"
)

var idPattern = regexp.MustCompile(`^job_\d{8}_\d{6}(_[0-9a-f]{8})?$`)

// Metadata is persisted as metadata.json.
type Metadata struct {
	JobID        string    `json:"job_id"`
	FriendlyName string    `json:"friendly_name"`
	CreatedAt    time.Time `json:"created_at"`
	PDFName      string    `json:"pdf_name"`
	DPI          *int      `json:"dpi"`
	PageCount    int       `json:"page_count,omitempty"`
	Source       string    `json:"source_file,omitempty"`
}

// DisplayName is the friendly name, or the source name when none was given.
func (m Metadata) DisplayName() string {
	if m.FriendlyName != "" {
		return m.FriendlyName
	}
	return m.PDFName
}

// Paths are the files of one job.
type Paths struct {
	Dir        string
	Original   string
	Metadata   string
	Selections string
	Images     string
	Thumbnails string
	Output     string
}

// Job is a loaded job.
type Job struct {
	Metadata
	Paths Paths
}

// Manager creates, reads and removes jobs under JobsRoot. Outputs live in
// OutputsRoot as <job_id>.pdf.
type Manager struct {
	JobsRoot    string
	OutputsRoot string
	Format      imagerender.Format

	now func() time.Time
}

func NewManager(jobsRoot, outputsRoot string, format imagerender.Format) *Manager {
	return &Manager{JobsRoot: jobsRoot, OutputsRoot: outputsRoot, Format: format, now: time.Now}
}

// ValidID reports whether id has the shape of a job id.
func ValidID(id string) bool { return idPattern.MatchString(id) }

func newID(t time.Time) string {
	return "job_" + t.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Paths returns the layout for id. Original is filled in from metadata by Load.
func (m *Manager) Paths(id string) Paths {
	dir := filepath.Join(m.JobsRoot, id)
	return Paths{
		Dir:        dir,
		Metadata:   filepath.Join(dir, metadataFile),
		Selections: filepath.Join(dir, selectionsFile),
		Images:     filepath.Join(dir, imagesDir),
		Thumbnails: filepath.Join(dir, thumbnailsDir),
		Output:     filepath.Join(m.OutputsRoot, id+".pdf"),
	}
}

// NameTaken reports whether an existing job already uses name. Comparison
// ignores surrounding space and case.
func (m *Manager) NameTaken(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, nil
	}
	list, err := m.List()
	if err != nil {
		return false, err
	}
	for _, meta := range list {
		if strings.EqualFold(strings.TrimSpace(meta.FriendlyName), name) {
			return true, nil
		}
	}
	return false, nil
}

// Create registers a new job from the file at src. sourceName is the name
// shown to users; name is the optional friendly name. Nothing is written if
// the name is taken.
func (m *Manager) Create(src, sourceName, name string) (*Job, error) {
	name = strings.TrimSpace(name)
	taken, err := m.NameTaken(name)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if sourceName == "" {
		sourceName = filepath.Base(src)
	}

	now := m.clock()
	id := newID(now)
	p := m.Paths(id)
	for _, dir := range []string{p.Images, p.Thumbnails} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job dir: %w", err)
		}
	}
	job, err := m.populate(id, p, src, sourceName, name, now)
	if err != nil {
		if rmErr := os.RemoveAll(p.Dir); rmErr != nil {
			log.Warn().Err(rmErr).Str("job_id", id).Msg("cleanup after failed create")
		}
		return nil, err
	}
	log.Info().Str("job_id", id).Str("name", name).Str("source", sourceName).Msg("job created")
	return job, nil
}

func (m *Manager) populate(id string, p Paths, src, sourceName, name string, now time.Time) (*Job, error) {
	ext := strings.ToLower(filepath.Ext(sourceName))
	if ext == "" {
		ext = ".pdf"
	}
	original := "original" + ext
	p.Original = filepath.Join(p.Dir, original)
	if err := copyFile(src, p.Original); err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}
	if err := ledger.SaveFile(p.Selections, ledger.New()); err != nil {
		return nil, err
	}
	meta := Metadata{
		JobID:        id,
		FriendlyName: name,
		CreatedAt:    now,
		PDFName:      sourceName,
		Source:       original,
	}
	if err := writeJSON(p.Metadata, meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	return &Job{Metadata: meta, Paths: p}, nil
}

// Load reads a job's metadata.
func (m *Manager) Load(id string) (*Job, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := m.Paths(id)
	data, err := os.ReadFile(p.Metadata)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", id, err)
	}
	if meta.JobID == "" {
		meta.JobID = id
	}
	if meta.Source == "" {
		meta.Source = findOriginal(p.Dir)
	}
	if meta.Source != "" {
		p.Original = filepath.Join(p.Dir, meta.Source)
	}
	return &Job{Metadata: meta, Paths: p}, nil
}

func findOriginal(dir string) string {
	matches, _ := filepath.Glob(filepath.Join(dir, "original.*"))
	if len(matches) == 0 {
		return ""
	}
	return filepath.Base(matches[0])
}

// Update applies fn to the stored metadata and saves it.
func (m *Manager) Update(id string, fn func(*Metadata)) (Metadata, error) {
	job, err := m.Load(id)
	if err != nil {
		return Metadata{}, err
	}
	meta := job.Metadata
	fn(&meta)
	meta.JobID = id
	if err := writeJSON(job.Paths.Metadata, meta); err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}
	return meta, nil
}

// SetDPI records the resolution the images were rendered at.
func (m *Manager) SetDPI(id string, dpi int) error {
	_, err := m.Update(id, func(meta *Metadata) { meta.DPI = &dpi })
	return err
}

// List returns all jobs, newest first. Unreadable jobs are skipped.
func (m *Manager) List() ([]Metadata, error) {
	entries, err := os.ReadDir(m.JobsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() || !ValidID(e.Name()) {
			continue
		}
		job, err := m.Load(e.Name())
		if err != nil {
			log.Warn().Err(err).Str("job_id", e.Name()).Msg("skipping unreadable job")
			continue
		}
		out = append(out, job.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID > out[j].JobID })
	return out, nil
}

// Delete removes the job directory and its output.
func (m *Manager) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := m.Paths(id)
	if _, err := os.Stat(p.Dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if err := os.RemoveAll(p.Dir); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if err := os.Remove(p.Output); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete output %s: %w", id, err)
	}
	log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// DeleteAll removes every job and returns how many were deleted.
func (m *Manager) DeleteAll() (int, error) {
	list, err := m.List()
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, meta := range list {
		if err := m.Delete(meta.JobID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Info is a job summary for listings.
type Info struct {
	Metadata
	ImageCount      int     `json:"image_count"`
	SelectionsCount int     `json:"selections_count"`
	Progress        float64 `json:"progress"`
	HasOutput       bool    `json:"has_output"`
	Created         string  `json:"created"`
}

// Info summarises a job from what is on disk.
func (m *Manager) Info(id string) (Info, error) {
	job, err := m.Load(id)
	if err != nil {
		return Info{}, err
	}
	l := ledger.LoadFile(job.Paths.Selections)
	info := Info{
		Metadata:        job.Metadata,
		ImageCount:      imagerender.ImageCount(job.Paths.Images, m.Format),
		SelectionsCount: l.Len(),
		Created:         job.CreatedAt.Format("2006-01-02 15:04"),
	}
	if info.ImageCount > 0 {
		pct := float64(info.SelectionsCount) / float64(info.ImageCount) * 100
		info.Progress = math.RoundToEven(pct*10) / 10
	}
	if _, err := os.Stat(job.Paths.Output); err == nil {
		info.HasOutput = true
	}
	return info, nil
}

func (m *Manager) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
