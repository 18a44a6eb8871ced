package geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Corner normalisation
// ---------------------------------------------------------------------------

func TestNormalizeCorners(t *testing.T) {
	t.Parallel()

	tl := Point{X: 0.2, Y: 0.8}
	tr := Point{X: 0.7, Y: 0.85}
	bl := Point{X: 0.25, Y: 0.1}
	br := Point{X: 0.75, Y: 0.15}

	t.Run("labels are order independent", func(t *testing.T) {
		t.Parallel()
		orders := [][4]Point{
			{tl, tr, bl, br},
			{br, bl, tr, tl},
			{tr, bl, br, tl},
			{bl, tl, br, tr},
		}
		for _, corners := range orders {
			gTL, gTR, gBL, gBR := NormalizeCorners(corners)
			assert.Equal(t, tl, gTL)
			assert.Equal(t, tr, gTR)
			assert.Equal(t, bl, gBL)
			assert.Equal(t, br, gBR)
		}
	})

	t.Run("invariant holds for random quads", func(t *testing.T) {
		t.Parallel()
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 200; i++ {
			var corners [4]Point
			for j := range corners {
				corners[j] = Point{X: rng.Float64(), Y: rng.Float64()}
			}
			gTL, gTR, gBL, gBR := NormalizeCorners(corners)
			assert.GreaterOrEqual(t, gTL.Y, gBL.Y)
			assert.GreaterOrEqual(t, gTR.Y, gBR.Y)
			assert.LessOrEqual(t, gTL.X, gTR.X)
			assert.LessOrEqual(t, gBL.X, gBR.X)
		}
	})
}

func TestNewQuad(t *testing.T) {
	t.Parallel()

	q := NewQuad([4]Point{
		{X: 0.75, Y: 0.15}, // br
		{X: 0.2, Y: 0.8},   // tl
		{X: 0.25, Y: 0.1},  // bl
		{X: 0.7, Y: 0.85},  // tr
	}, 0.9)

	assert.Equal(t, Point{X: 0.2, Y: 0.8}, q.TopLeft)
	assert.Equal(t, Point{X: 0.7, Y: 0.85}, q.TopRight)
	assert.Equal(t, Point{X: 0.25, Y: 0.1}, q.BottomLeft)
	assert.Equal(t, Point{X: 0.75, Y: 0.15}, q.BottomRight)
	assert.InDelta(t, 0.9, q.Confidence, 1e-9)

	want := Rect{MinX: 0.2, MinY: 0.1, MaxX: 0.75, MaxY: 0.85}
	if diff := cmp.Diff(want, q.BBox); diff != "" {
		t.Errorf("bbox mismatch (-want +got):\n%s", diff)
	}
}

// ---------------------------------------------------------------------------
// Derived geometry
// ---------------------------------------------------------------------------

// receiptQuad returns an axis-aligned unit-square quad scaled to w×h and
// centred at c.
func receiptQuad(c Point, w, h float64) Quad {
	return NewQuad([4]Point{
		{X: c.X - w/2, Y: c.Y + h/2},
		{X: c.X + w/2, Y: c.Y + h/2},
		{X: c.X - w/2, Y: c.Y - h/2},
		{X: c.X + w/2, Y: c.Y - h/2},
	}, 1)
}

func TestDerivedGeometry(t *testing.T) {
	t.Parallel()

	q := receiptQuad(Point{X: 0.5, Y: 0.5}, 0.2, 0.6)

	assert.InDelta(t, 0.6, q.LongSide(), 1e-9)
	assert.InDelta(t, 0.2/0.6, q.AspectRatio(), 1e-9)
	assert.InDelta(t, 0.12, q.Area(), 1e-9)

	center := q.Center()
	assert.InDelta(t, 0.5, center.X, 1e-9)
	assert.InDelta(t, 0.5, center.Y, 1e-9)
}

func TestDisplacement(t *testing.T) {
	t.Parallel()

	a := receiptQuad(Point{X: 0.5, Y: 0.5}, 0.2, 0.6)
	b := receiptQuad(Point{X: 0.53, Y: 0.54}, 0.2, 0.6)

	// Every corner moved by the same translation, so the mean equals the
	// per-corner distance.
	want := math.Sqrt(0.03*0.03 + 0.04*0.04)
	assert.InDelta(t, want, a.Displacement(b), 1e-9)
	assert.InDelta(t, 0, a.Displacement(a), 1e-12)
}

func TestLerp(t *testing.T) {
	t.Parallel()

	a := Point{X: 0, Y: 0}
	b := Point{X: 1, Y: 2}

	assert.Equal(t, a, Lerp(a, b, 0))
	assert.Equal(t, b, Lerp(a, b, 1))
	mid := Lerp(a, b, 0.5)
	assert.InDelta(t, 0.5, mid.X, 1e-9)
	assert.InDelta(t, 1.0, mid.Y, 1e-9)
}

func TestRecomputeBBox(t *testing.T) {
	t.Parallel()

	q := receiptQuad(Point{X: 0.5, Y: 0.5}, 0.2, 0.6)
	q.TopRight.X = 0.9
	q.RecomputeBBox()

	require.InDelta(t, 0.9, q.BBox.MaxX, 1e-9)
}
