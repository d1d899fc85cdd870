// Package assembler draws the classified images of a job into a new PDF,
// one output page per assigned page number.
package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesorter/internal/layout"
	"github.com/local/pagesorter/internal/ledger"
)

// ErrNothingToOutput is returned when no image is assigned to any page.
var ErrNothingToOutput = errors.New("no images selected for output")

// Group is the ordered set of images sharing one output page.
type Group struct {
	Page int      `json:"page"`
	Keys []string `json:"keys"`
}

// GroupByPage collects assigned images per page. Pages ascend; images within
// a page ascend by source index. Excluded images are dropped.
func GroupByPage(l *ledger.Ledger) []Group {
	byPage := map[int][]string{}
	for _, e := range l.Entries() {
		if e.Page > 0 {
			byPage[e.Page] = append(byPage[e.Page], e.Key)
		}
	}
	out := make([]Group, 0, len(byPage))
	for p, keys := range byPage {
		ledger.SortKeys(keys)
		out = append(out, Group{Page: p, Keys: keys})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

// CapacityError lists every page holding more images than a page can take.
type CapacityError struct {
	Pages []ledger.PageCount
}

func (e *CapacityError) Error() string {
	parts := make([]string, len(e.Pages))
	for i, pc := range e.Pages {
		parts[i] = fmt.Sprintf("page %d has %d images", pc.Page, pc.Count)
	}
	return fmt.Sprintf("too many images per page (max %d): %s", layout.MaxImages, strings.Join(parts, ", "))
}

// ValidateCapacity returns a *CapacityError naming all overfull pages.
func ValidateCapacity(groups []Group) error {
	var over []ledger.PageCount
	for _, g := range groups {
		if len(g.Keys) > layout.MaxImages {
			over = append(over, ledger.PageCount{Page: g.Page, Count: len(g.Keys)})
		}
	}
	if len(over) > 0 {
		return &CapacityError{Pages: over}
	}
	return nil
}

// Request describes one assembly run.
type Request struct {
	ImagesDir  string
	Ext        string
	OutputPath string
	Ledger     *ledger.Ledger
	// Page defaults to layout.A4.
	Page layout.Page
	// Progress, if set, is called after each finished output page.
	Progress func(done, total int)
}

// Result summarises a finished document.
type Result struct {
	Pages   int      `json:"pages"`
	Images  int      `json:"images"`
	Missing []string `json:"missing,omitempty"`
	Message string   `json:"message"`
}

// Assemble renders every group into OutputPath. Any previous file is removed
// first, so a failed or empty run leaves no stale document behind.
func Assemble(ctx context.Context, req Request) (Result, error) {
	if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("remove previous output: %w", err)
	}
	groups := GroupByPage(req.Ledger)
	if err := ValidateCapacity(groups); err != nil {
		return Result{}, err
	}
	if len(groups) == 0 {
		return Result{}, ErrNothingToOutput
	}
	page := req.Page
	if page.Width == 0 || page.Height == 0 {
		page = layout.A4
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: page.Width, Ht: page.Height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCreator("pagesorter", true)

	res := Result{}
	for gi, g := range groups {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		pdf.AddPage()
		n, missing, err := drawGroup(pdf, req.ImagesDir, req.Ext, g, page)
		if err != nil {
			return Result{}, fmt.Errorf("output page %d: %w", g.Page, err)
		}
		res.Images += n
		res.Missing = append(res.Missing, missing...)
		if req.Progress != nil {
			req.Progress(gi+1, len(groups))
		}
	}
	res.Pages = len(groups)

	if err := writeFile(pdf, req.OutputPath); err != nil {
		return Result{}, err
	}
	res.Message = fmt.Sprintf("PDF created with %d pages", res.Pages)
	if len(res.Missing) > 0 {
		log.Warn().Strs("missing", res.Missing).Str("output", req.OutputPath).Msg("some images were missing and left blank")
	}
	return res, nil
}

type loaded struct {
	key  string
	data []byte
	kind string
	size layout.Size
}

func drawGroup(pdf *gofpdf.Fpdf, dir, ext string, g Group, page layout.Page) (int, []string, error) {
	var imgs []loaded
	var missing []string
	for _, key := range g.Keys {
		path := filepath.Join(dir, key+"."+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, key)
				continue
			}
			return 0, nil, fmt.Errorf("read %s: %w", key, err)
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return 0, nil, fmt.Errorf("decode %s: %w", key, err)
		}
		imgs = append(imgs, loaded{
			key:  key,
			data: data,
			kind: strings.ToUpper(format),
			size: layout.Size{W: float64(cfg.Width), H: float64(cfg.Height)},
		})
	}
	if len(imgs) == 0 {
		return 0, missing, nil
	}

	// The grid is chosen for the whole group so surviving images keep their
	// slots even when some files are gone.
	grid, err := layout.For(len(g.Keys))
	if err != nil {
		return 0, nil, err
	}
	sizes := make([]layout.Size, len(g.Keys))
	for i := range sizes {
		sizes[i] = layout.Size{W: 1, H: 1}
	}
	byKey := map[string]loaded{}
	for _, im := range imgs {
		byKey[im.key] = im
	}
	for i, key := range g.Keys {
		if im, ok := byKey[key]; ok {
			sizes[i] = im.size
		}
	}
	placements, err := layout.Place(sizes, grid, page)
	if err != nil {
		return 0, nil, err
	}

	for i, key := range g.Keys {
		im, ok := byKey[key]
		if !ok {
			continue
		}
		opts := gofpdf.ImageOptions{ImageType: im.kind}
		pdf.RegisterImageOptionsReader(key, opts, bytes.NewReader(im.data))
		draw(pdf, key, opts, placements[i], page.Height)
		if err := pdf.Error(); err != nil {
			return 0, nil, fmt.Errorf("draw %s: %w", key, err)
		}
	}
	return len(imgs), missing, nil
}

// draw converts a bottom-left placement into gofpdf's top-left space.
func draw(pdf *gofpdf.Fpdf, name string, opts gofpdf.ImageOptions, p layout.Placement, pageH float64) {
	r := p.Rect
	top := pageH - r.Y - r.H
	if !p.Rotated {
		pdf.ImageOptions(name, r.X, top, r.W, r.H, false, opts, 0, "")
		return
	}
	// Draw upright at the source proportions around the box centre, then
	// turn a quarter clockwise into the box.
	cx, cy := r.X+r.W/2, top+r.H/2
	pdf.TransformBegin()
	pdf.TransformRotate(-90, cx, cy)
	pdf.ImageOptions(name, cx-r.H/2, cy-r.W/2, r.H, r.W, false, opts, 0, "")
	pdf.TransformEnd()
}

func writeFile(pdf *gofpdf.Fpdf, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".assemble-*.pdf")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := pdf.Output(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}
