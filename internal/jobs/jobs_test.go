package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/ledger"
)

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m := NewManager(filepath.Join(root, "jobs"), filepath.Join(root, "outputs"), imagerender.FormatPNG)
	src := filepath.Join(root, "scan.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.4 fake"), 0o644))
	return m, src
}

func TestCreateLaysOutDirectory(t *testing.T) {
	m, src := newManager(t)
	m.now = func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }

	job, err := m.Create(src, "Scan 1.PDF", "  Invoices  ")
	require.NoError(t, err)

	assert.Regexp(t, `^job_20240305_140709_[0-9a-f]{8}$`, job.JobID)
	assert.True(t, ValidID(job.JobID))
	assert.Equal(t, "Invoices", job.FriendlyName)
	assert.Equal(t, "Scan 1.PDF", job.PDFName)
	assert.Nil(t, job.DPI)
	assert.Equal(t, filepath.Join(job.Paths.Dir, "original.pdf"), job.Paths.Original)
	assert.FileExists(t, job.Paths.Original)
	assert.DirExists(t, job.Paths.Images)
	assert.DirExists(t, job.Paths.Thumbnails)

	sel, err := os.ReadFile(job.Paths.Selections)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(sel))

	loaded, err := m.Load(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.Metadata.JobID, loaded.JobID)
	assert.Equal(t, job.Paths, loaded.Paths)
}

func TestCreateRejectsDuplicateNameWithoutSideEffects(t *testing.T) {
	m, src := newManager(t)
	_, err := m.Create(src, "a.pdf", "Batch")
	require.NoError(t, err)

	before, err := os.ReadDir(m.JobsRoot)
	require.NoError(t, err)

	_, err = m.Create(src, "b.pdf", " batch ")
	assert.ErrorIs(t, err, ErrDuplicateName)

	after, err := os.ReadDir(m.JobsRoot)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	// Unnamed jobs never collide.
	_, err = m.Create(src, "c.pdf", "")
	require.NoError(t, err)
	_, err = m.Create(src, "d.pdf", "")
	require.NoError(t, err)
}

func TestCreateCleansUpOnFailure(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Create(filepath.Join(t.TempDir(), "missing.pdf"), "x.pdf", "")
	require.Error(t, err)
	entries, _ := os.ReadDir(m.JobsRoot)
	assert.Empty(t, entries)
}

func TestListNewestFirst(t *testing.T) {
	m, src := newManager(t)
	times := []time.Time{
		time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
	}
	for _, ts := range times {
		ts := ts
		m.now = func() time.Time { return ts }
		_, err := m.Create(src, "a.pdf", "")
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(m.JobsRoot, "not-a-job"), 0o755))

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 3, list[0].CreatedAt.Day())
	assert.Equal(t, 2, list[1].CreatedAt.Day())
	assert.Equal(t, 1, list[2].CreatedAt.Day())
}

func TestLoadUnknown(t *testing.T) {
	m, _ := newManager(t)
	for _, id := range []string{"job_20240101_000000", "../etc", ""} {
		_, err := m.Load(id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestSetDPI(t *testing.T) {
	m, src := newManager(t)
	job, err := m.Create(src, "a.pdf", "")
	require.NoError(t, err)
	require.NoError(t, m.SetDPI(job.JobID, 175))

	loaded, err := m.Load(job.JobID)
	require.NoError(t, err)
	require.NotNil(t, loaded.DPI)
	assert.Equal(t, 175, *loaded.DPI)
}

func TestInfo(t *testing.T) {
	m, src := newManager(t)
	job, err := m.Create(src, "a.pdf", "")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(job.Paths.Images, ledger.Index(i).RasterFile("png")), []byte("x"), 0o644))
	}
	require.NoError(t, ledger.SaveFile(job.Paths.Selections, ledger.FromEntries(ledger.Entry{Key: "img_001", Page: 1})))

	info, err := m.Info(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ImageCount)
	assert.Equal(t, 1, info.SelectionsCount)
	assert.Equal(t, 33.3, info.Progress)
	assert.False(t, info.HasOutput)

	require.NoError(t, os.MkdirAll(m.OutputsRoot, 0o755))
	require.NoError(t, os.WriteFile(job.Paths.Output, []byte("%PDF"), 0o644))
	info, err = m.Info(job.JobID)
	require.NoError(t, err)
	assert.True(t, info.HasOutput)
}

func TestDelete(t *testing.T) {
	m, src := newManager(t)
	job, err := m.Create(src, "a.pdf", "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(m.OutputsRoot, 0o755))
	require.NoError(t, os.WriteFile(job.Paths.Output, []byte("%PDF"), 0o644))

	require.NoError(t, m.Delete(job.JobID))
	assert.NoDirExists(t, job.Paths.Dir)
	assert.NoFileExists(t, job.Paths.Output)
	assert.ErrorIs(t, m.Delete(job.JobID), ErrNotFound)
}

func TestDeleteAll(t *testing.T) {
	m, src := newManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Create(src, "a.pdf", "")
		require.NoError(t, err)
	}
	n, err := m.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
