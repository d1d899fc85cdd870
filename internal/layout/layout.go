// Package layout places the images of one output page on a fixed grid.
//
// Coordinates are PDF points with the origin at the bottom-left corner of the
// page. Row 0 is the top row.
package layout

import (
	"errors"
	"fmt"
)

// MaxImages is the most images a single page can hold.
const MaxImages = 9

// MM is one millimetre in points.
const MM = 72.0 / 25.4

var (
	// A4 is the output page used unless configured otherwise.
	A4 = Page{Width: 210 * MM, Height: 297 * MM, Margin: 10 * MM, CellInset: 1 * MM}

	ErrNoImages = errors.New("layout: no images to place")
)

// Grid is a rows x cols template.
type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (g Grid) Cells() int { return g.Rows * g.Cols }

// For picks the grid for n images:
//
//	1 -> 1x1, 2 -> 2x1, 3-4 -> 2x2, 5-6 -> 3x2, 7-9 -> 3x3
func For(n int) (Grid, error) {
	switch {
	case n == 1:
		return Grid{1, 1}, nil
	case n == 2:
		return Grid{2, 1}, nil
	case n == 3 || n == 4:
		return Grid{2, 2}, nil
	case n == 5 || n == 6:
		return Grid{3, 2}, nil
	case n >= 7 && n <= MaxImages:
		return Grid{3, 3}, nil
	}
	return Grid{}, fmt.Errorf("layout: %d images per page is outside 1..%d", n, MaxImages)
}

// Page describes the sheet being filled.
type Page struct {
	Width     float64
	Height    float64
	Margin    float64 // on every side of the printable area
	CellInset float64 // gap kept inside every cell edge
}

// Size is an image's pixel size; only the aspect ratio matters.
type Size struct {
	W float64
	H float64
}

// Rect is an axis-aligned box in page coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the midpoint of r.
func (r Rect) Center() (float64, float64) { return r.X + r.W/2, r.Y + r.H/2 }

// Cell addresses a grid slot.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Placement is where one image lands. Rect is the box the image occupies on
// the page; when Rotated is set the image is turned a quarter turn so its
// drawn width and height are swapped relative to the source.
type Placement struct {
	Index   int  `json:"index"`
	Cell    Cell `json:"cell"`
	Bounds  Rect `json:"bounds"`
	Rect    Rect `json:"rect"`
	Rotated bool `json:"rotated"`
}

// Place computes a placement for every image, in order, filling the grid
// row by row from the top-left. Cells past len(images) stay empty. With
// exactly two images both are rotated.
func Place(images []Size, grid Grid, page Page) ([]Placement, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if grid.Rows <= 0 || grid.Cols <= 0 {
		return nil, fmt.Errorf("layout: invalid grid %dx%d", grid.Rows, grid.Cols)
	}
	if len(images) > grid.Cells() {
		return nil, fmt.Errorf("layout: %d images do not fit a %dx%d grid", len(images), grid.Rows, grid.Cols)
	}
	cellW := (page.Width - 2*page.Margin) / float64(grid.Cols)
	cellH := (page.Height - 2*page.Margin) / float64(grid.Rows)
	availW := cellW - 2*page.CellInset
	availH := cellH - 2*page.CellInset
	if availW <= 0 || availH <= 0 {
		return nil, fmt.Errorf("layout: page %.1fx%.1f leaves no room for a %dx%d grid", page.Width, page.Height, grid.Rows, grid.Cols)
	}
	rotate := len(images) == 2

	out := make([]Placement, 0, len(images))
	for i, img := range images {
		if img.W <= 0 || img.H <= 0 {
			return nil, fmt.Errorf("layout: image %d has empty size %vx%v", i, img.W, img.H)
		}
		w, h := img.W, img.H
		if rotate {
			w, h = h, w
		}
		row, col := i/grid.Cols, i%grid.Cols
		bounds := Rect{
			X: page.Margin + float64(col)*cellW,
			Y: page.Height - page.Margin - float64(row+1)*cellH,
			W: cellW,
			H: cellH,
		}
		dw, dh := fit(w, h, availW, availH)
		out = append(out, Placement{
			Index:  i,
			Cell:   Cell{Row: row, Col: col},
			Bounds: bounds,
			Rect: Rect{
				X: bounds.X + (cellW-dw)/2,
				Y: bounds.Y + (cellH-dh)/2,
				W: dw,
				H: dh,
			},
			Rotated: rotate,
		})
	}
	return out, nil
}

// fit scales w x h to the largest size inside maxW x maxH keeping the ratio.
func fit(w, h, maxW, maxH float64) (float64, float64) {
	if w/h > maxW/maxH {
		return maxW, maxW * h / w
	}
	return maxH * w / h, maxH
}
