package imagerender

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
)

// Format is the encoding used for stored rasters and thumbnails.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// Ext is the file extension written for f.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// Adaptive DPI thresholds by source size.
const (
	fallbackDPI = 150
	mb          = 1 << 20
)

// SelectDPI picks a render resolution from the source file size so large
// documents stay within a per-page memory budget.
func SelectDPI(path string) int {
	st, err := os.Stat(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Int("dpi", fallbackDPI).Msg("cannot size source; using fallback dpi")
		return fallbackDPI
	}
	return DPIForSize(st.Size())
}

// DPIForSize maps a byte size onto the DPI ladder.
func DPIForSize(size int64) int {
	switch {
	case size < 20*mb:
		return 200
	case size < 50*mb:
		return 175
	case size < 100*mb:
		return 150
	default:
		return 120
	}
}

// Thumbnail scales img so its longer side is at most maxSide, keeping the
// aspect ratio. Smaller images are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	scale := float64(maxSide) / math.Max(float64(w), float64(h))
	tw := int(math.Max(1, math.Round(float64(w)*scale)))
	th := int(math.Max(1, math.Round(float64(h)*scale)))
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// writeImage encodes img to path through a temp file so a visible file is
// always complete.
func writeImage(path string, img image.Image, format Format, quality int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	switch format {
	case FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		err = jpeg.Encode(tmp, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(tmp, img)
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", format, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
