package imagerender

import (
	"context"
	"errors"
	"fmt"
	"image"

	fitz "github.com/gen2brain/go-fitz"
)

// PageFunc receives one rendered page. page is 0-based. The image must not be
// retained after the call returns.
type PageFunc func(page int, img image.Image) error

// Rasterizer turns PDF pages into images.
type Rasterizer interface {
	// PageCount reports the number of pages without rendering any.
	PageCount(path string) (int, error)
	// Render renders pages [from, to) at dpi, one at a time, in order.
	Render(ctx context.Context, path string, dpi, from, to int, fn PageFunc) error
}

// DefaultRasterizer is backed by MuPDF through go-fitz.
var DefaultRasterizer Rasterizer = fitzRasterizer{}

// fitzRasterizer implements Rasterizer using github.com/gen2brain/go-fitz.
type fitzRasterizer struct{}

func (fitzRasterizer) PageCount(path string) (int, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

func (fitzRasterizer) Render(ctx context.Context, path string, dpi, from, to int, fn PageFunc) error {
	if dpi <= 0 {
		return errors.New("dpi must be positive")
	}
	doc, err := fitz.New(path)
	if err != nil {
		return fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if n := doc.NumPage(); to > n {
		to = n
	}
	for i := from; i < to; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := doc.ImageDPI(i, float64(dpi))
		if err != nil {
			return fmt.Errorf("failed to render page %d: %w", i+1, err)
		}
		if err := fn(i, img); err != nil {
			return err
		}
	}
	return nil
}
