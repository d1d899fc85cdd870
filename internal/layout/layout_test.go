package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	want := map[int]Grid{
		1: {1, 1}, 2: {2, 1}, 3: {2, 2}, 4: {2, 2}, 5: {3, 2},
		6: {3, 2}, 7: {3, 3}, 8: {3, 3}, 9: {3, 3},
	}
	for n, g := range want {
		got, err := For(n)
		require.NoError(t, err, n)
		assert.Equal(t, g, got, n)
		assert.GreaterOrEqual(t, got.Cells(), n)
	}
	for _, n := range []int{-1, 0, 10, 12} {
		_, err := For(n)
		assert.Error(t, err, n)
	}
}

var square = Page{Width: 220, Height: 220, Margin: 10, CellInset: 0}

func TestPlaceSingleImageFitsWidth(t *testing.T) {
	got, err := Place([]Size{{W: 400, H: 200}}, Grid{1, 1}, square)
	require.NoError(t, err)
	require.Len(t, got, 1)
	p := got[0]
	assert.False(t, p.Rotated)
	assert.Equal(t, Rect{X: 10, Y: 10, W: 200, H: 200}, p.Bounds)
	assert.InDelta(t, 200, p.Rect.W, 1e-9)
	assert.InDelta(t, 100, p.Rect.H, 1e-9)
	assert.InDelta(t, 10, p.Rect.X, 1e-9)
	assert.InDelta(t, 60, p.Rect.Y, 1e-9)
}

func TestPlaceTallImageFitsHeight(t *testing.T) {
	got, err := Place([]Size{{W: 100, H: 400}}, Grid{1, 1}, square)
	require.NoError(t, err)
	p := got[0]
	assert.InDelta(t, 50, p.Rect.W, 1e-9)
	assert.InDelta(t, 200, p.Rect.H, 1e-9)
	assert.InDelta(t, 85, p.Rect.X, 1e-9)
}

func TestPlaceTwoImagesRotatesBoth(t *testing.T) {
	// A landscape page turned a quarter becomes portrait.
	got, err := Place([]Size{{W: 300, H: 100}, {W: 300, H: 100}}, Grid{2, 1}, square)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, p := range got {
		assert.True(t, p.Rotated)
		assert.Greater(t, p.Rect.H, p.Rect.W, "rotated box should be tall")
	}
	// Row 0 is on top.
	assert.Equal(t, Cell{0, 0}, got[0].Cell)
	assert.Equal(t, Cell{1, 0}, got[1].Cell)
	assert.InDelta(t, 110, got[0].Bounds.Y, 1e-9)
	assert.InDelta(t, 10, got[1].Bounds.Y, 1e-9)
	assert.InDelta(t, 100, got[0].Rect.H, 1e-9)
	assert.InDelta(t, 100.0/3, got[0].Rect.W, 1e-9)
}

func TestPlaceLeavesTrailingCellsEmpty(t *testing.T) {
	images := make([]Size, 5)
	for i := range images {
		images[i] = Size{W: 210, H: 297}
	}
	g, err := For(5)
	require.NoError(t, err)
	got, err := Place(images, g, A4)
	require.NoError(t, err)
	require.Len(t, got, 5)

	wantCells := []Cell{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}}
	for i, p := range got {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, wantCells[i], p.Cell)
		assert.False(t, p.Rotated)
	}
}

func TestPlaceStaysInsideCellInset(t *testing.T) {
	sizes := []Size{{W: 1000, H: 10}, {W: 10, H: 1000}, {W: 500, H: 500}, {W: 1654, H: 2339}}
	for n := 1; n <= MaxImages; n++ {
		images := make([]Size, n)
		for i := range images {
			images[i] = sizes[i%len(sizes)]
		}
		g, err := For(n)
		require.NoError(t, err)
		got, err := Place(images, g, A4)
		require.NoError(t, err)
		for _, p := range got {
			b, r := p.Bounds, p.Rect
			const eps = 1e-6
			assert.GreaterOrEqual(t, r.X, b.X+A4.CellInset-eps)
			assert.GreaterOrEqual(t, r.Y, b.Y+A4.CellInset-eps)
			assert.LessOrEqual(t, r.X+r.W, b.X+b.W-A4.CellInset+eps)
			assert.LessOrEqual(t, r.Y+r.H, b.Y+b.H-A4.CellInset+eps)

			bx, by := b.Center()
			rx, ry := r.Center()
			assert.InDelta(t, bx, rx, eps)
			assert.InDelta(t, by, ry, eps)
		}
	}
}

func TestPlaceErrors(t *testing.T) {
	_, err := Place(nil, Grid{1, 1}, A4)
	assert.ErrorIs(t, err, ErrNoImages)

	_, err = Place(make([]Size, 3), Grid{1, 1}, A4)
	assert.Error(t, err)

	_, err = Place([]Size{{W: 0, H: 10}}, Grid{1, 1}, A4)
	assert.Error(t, err)

	_, err = Place([]Size{{W: 1, H: 1}}, Grid{1, 1}, Page{Width: 10, Height: 10, Margin: 5})
	assert.Error(t, err)
}

func TestA4(t *testing.T) {
	assert.InDelta(t, 595.2756, A4.Width, 1e-3)
	assert.InDelta(t, 841.8898, A4.Height, 1e-3)
	assert.InDelta(t, 28.3465, A4.Margin, 1e-3)
}
