// Package imagerender rasterizes source PDFs into the job's image store:
// one full-resolution image and one thumbnail per page.
package imagerender

import (
	"archive/zip"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/pagesorter/internal/filetype"
	"github.com/local/pagesorter/internal/ledger"
	"github.com/local/pagesorter/internal/metrics"
)

// ProgressFunc is told how many of total units are done.
type ProgressFunc func(done, total int)

// Converter writes rendered pages into an image store.
type Converter struct {
	Rasterizer   Rasterizer
	Format       Format
	JPEGQuality  int
	ThumbnailMax int
}

// NewConverter returns a Converter on the default rasterizer.
func NewConverter(format Format, jpegQuality, thumbMax int) *Converter {
	return &Converter{Rasterizer: DefaultRasterizer, Format: format, JPEGQuality: jpegQuality, ThumbnailMax: thumbMax}
}

// ConvertRequest locates the source and the store.
type ConvertRequest struct {
	JobID         string
	SourcePath    string
	DPI           int // <= 0 selects adaptively
	ImagesDir     string
	ThumbnailsDir string
	// FirstIndex is the index given to the first page; 0 means 1.
	FirstIndex int
}

// Result describes a finished conversion.
type Result struct {
	Count   int    `json:"image_count"`
	DPI     int    `json:"dpi"`
	Message string `json:"message"`
}

// Convert renders every page of a PDF sequentially. Each page's raster and
// thumbnail are on disk before the next page is rendered. A failure stops
// the run; pages already written are kept.
func (c *Converter) Convert(ctx context.Context, req ConvertRequest, progress ProgressFunc) (Result, error) {
	dpi := req.DPI
	if dpi <= 0 {
		dpi = SelectDPI(req.SourcePath)
	}
	first := req.FirstIndex
	if first <= 0 {
		first = 1
	}
	for _, dir := range []string{req.ImagesDir, req.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	total, err := c.rasterizer().PageCount(req.SourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("error converting PDF: %w", err)
	}
	if total <= 0 {
		return Result{}, fmt.Errorf("error converting PDF: document has no pages")
	}

	lg := log.With().Str("job_id", req.JobID).Int("dpi", dpi).Int("pages", total).Logger()
	lg.Info().Msg("rasterizing source")

	ext := c.Format.Ext()
	written := 0
	err = c.rasterizer().Render(ctx, req.SourcePath, dpi, 0, total, func(page int, img image.Image) error {
		idx := ledger.Index(first + page)
		if err := writeImage(filepath.Join(req.ImagesDir, idx.RasterFile(ext)), img, c.Format, c.JPEGQuality); err != nil {
			return fmt.Errorf("write image %d: %w", idx, err)
		}
		thumb := Thumbnail(img, c.ThumbnailMax)
		if err := writeImage(filepath.Join(req.ThumbnailsDir, idx.ThumbnailFile(ext)), thumb, c.Format, c.JPEGQuality); err != nil {
			return fmt.Errorf("write thumbnail %d: %w", idx, err)
		}
		written++
		metrics.IncRasterized()
		if progress != nil {
			progress(written, total)
		}
		return nil
	})
	if err != nil {
		lg.Error().Err(err).Int("written", written).Msg("rasterization failed")
		return Result{}, fmt.Errorf("error converting PDF after %d of %d pages: %w", written, total, err)
	}
	if written != total {
		return Result{}, fmt.Errorf("error converting PDF: rendered %d of %d pages", written, total)
	}
	lg.Info().Msg("rasterization finished")
	return Result{Count: written, DPI: dpi, Message: fmt.Sprintf("Converted %d pages at %d DPI", written, dpi)}, nil
}

// ConvertArchive rasterizes each PDF inside a ZIP, in archive order, into one
// continuous image sequence. DPI is chosen from the archive size unless set.
func (c *Converter) ConvertArchive(ctx context.Context, req ConvertRequest, progress ProgressFunc) (Result, error) {
	zr, err := zip.OpenReader(req.SourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("error opening archive: %w", err)
	}
	defer zr.Close()
	entries := filetype.PDFEntries(&zr.Reader)
	if len(entries) == 0 {
		return Result{}, fmt.Errorf("error opening archive: no PDF documents inside")
	}
	dpi := req.DPI
	if dpi <= 0 {
		dpi = SelectDPI(req.SourcePath)
	}

	tmpDir, err := os.MkdirTemp("", "pagesorter-zip-*")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(tmpDir)

	const scale = 1000
	next := req.FirstIndex
	if next <= 0 {
		next = 1
	}
	count := 0
	for i, f := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		path, err := extract(f, tmpDir, i)
		if err != nil {
			return Result{}, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		sub := req
		sub.SourcePath = path
		sub.DPI = dpi
		sub.FirstIndex = next
		res, err := c.Convert(ctx, sub, func(done, total int) {
			if progress != nil {
				progress(i*scale+done*scale/total, len(entries)*scale)
			}
		})
		os.Remove(path)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", f.Name, err)
		}
		count += res.Count
		next += res.Count
	}
	return Result{Count: count, DPI: dpi, Message: fmt.Sprintf("Converted %d pages from %d documents at %d DPI", count, len(entries), dpi)}, nil
}

func extract(f *zip.File, dir string, n int) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	name := fmt.Sprintf("%03d_%s", n, strings.ReplaceAll(filepath.Base(f.Name), string(filepath.Separator), "_"))
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return "", err
	}
	return out.Name(), out.Close()
}

func (c *Converter) rasterizer() Rasterizer {
	if c.Rasterizer == nil {
		return DefaultRasterizer
	}
	return c.Rasterizer
}

// ImageCount counts fully written rasters in dir.
func ImageCount(dir string, format Format) int {
	matches, err := filepath.Glob(filepath.Join(dir, "img_*."+format.Ext()))
	if err != nil {
		return 0
	}
	return len(matches)
}
