// Package geometry owns the coordinate primitives of the capture core.
//
// Responsibilities: points and quadrilaterals in the normalised unit
// square, spatial corner labelling, bounding boxes, and the distance
// helpers used by tracking and smoothing.
// Key types: Point, Rect, Quad.
//
// Coordinate convention: origin bottom-left, X grows right, Y grows up.
// Every Quad stored by the pipeline has spatially labelled corners (the
// two corners with the larger Y are the top pair); smoothing interpolates
// corner-to-corner and mislabelled corners silently produce a bow-tie.
package geometry

import (
	"math"
	"sort"
)

// Point is a 2D coordinate in the normalised unit square.
type Point struct {
	X float64
	Y float64
}

// Dist returns the Euclidean distance between two points.
func (p Point) Dist(o Point) float64 {
	dx := p.X - o.X
	dy := p.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Lerp linearly interpolates from a towards b by t.
func Lerp(a, b Point, t float64) Point {
	return Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}

// Rect is an axis-aligned bounding box.
type Rect struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Width returns the horizontal extent of the rect.
func (r Rect) Width() float64 { return r.MaxX - r.MinX }

// Height returns the vertical extent of the rect.
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Quad is a four-corner polygon approximating a document outline.
// Corners are labelled by spatial position, not detector-reported order;
// use NewQuad to construct one with the labelling invariant enforced.
type Quad struct {
	TopLeft     Point
	TopRight    Point
	BottomLeft  Point
	BottomRight Point

	BBox       Rect
	Confidence float64 // detector confidence [0, 1]
	Score      float64 // composite receipt-likeness score
}

// NewQuad builds a Quad from four corners in arbitrary order and a
// detector confidence. Corners are normalised: the two with the larger Y
// become the top pair ordered left/right by X, same for the bottom pair.
// The bounding box is computed from the labelled corners.
func NewQuad(corners [4]Point, confidence float64) Quad {
	tl, tr, bl, br := NormalizeCorners(corners)
	q := Quad{
		TopLeft:     tl,
		TopRight:    tr,
		BottomLeft:  bl,
		BottomRight: br,
		Confidence:  confidence,
	}
	q.BBox = q.computeBBox()
	return q
}

// NormalizeCorners labels four corners by spatial position. The two
// corners with the larger Y coordinate are the top pair, ordered by X;
// the remaining two are the bottom pair, ordered by X.
func NormalizeCorners(corners [4]Point) (tl, tr, bl, br Point) {
	pts := corners[:]
	sort.Slice(pts, func(i, j int) bool { return pts[i].Y > pts[j].Y })

	top := [2]Point{pts[0], pts[1]}
	bottom := [2]Point{pts[2], pts[3]}
	if top[0].X > top[1].X {
		top[0], top[1] = top[1], top[0]
	}
	if bottom[0].X > bottom[1].X {
		bottom[0], bottom[1] = bottom[1], bottom[0]
	}
	return top[0], top[1], bottom[0], bottom[1]
}

// Corners returns the four corners in top-left, top-right, bottom-left,
// bottom-right order.
func (q Quad) Corners() [4]Point {
	return [4]Point{q.TopLeft, q.TopRight, q.BottomLeft, q.BottomRight}
}

func (q Quad) computeBBox() Rect {
	r := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range q.Corners() {
		r.MinX = math.Min(r.MinX, p.X)
		r.MinY = math.Min(r.MinY, p.Y)
		r.MaxX = math.Max(r.MaxX, p.X)
		r.MaxY = math.Max(r.MaxY, p.Y)
	}
	return r
}

// RecomputeBBox refreshes the bounding box from the current corners.
// Call after any corner mutation (e.g. a smoothing step).
func (q *Quad) RecomputeBBox() {
	q.BBox = q.computeBBox()
}

// Displacement returns the mean corner-to-corner distance between two
// quads with matching corner labels. Used for same-document resolution
// and motion estimation.
func (q Quad) Displacement(o Quad) float64 {
	a := q.Corners()
	b := o.Corners()
	var sum float64
	for i := range a {
		sum += a[i].Dist(b[i])
	}
	return sum / 4
}

// sideLengths returns the mean lengths of the horizontal and vertical
// side pairs.
func (q Quad) sideLengths() (horiz, vert float64) {
	horiz = (q.TopLeft.Dist(q.TopRight) + q.BottomLeft.Dist(q.BottomRight)) / 2
	vert = (q.TopLeft.Dist(q.BottomLeft) + q.TopRight.Dist(q.BottomRight)) / 2
	return horiz, vert
}

// LongSide returns the length of the quad's longer side pair.
func (q Quad) LongSide() float64 {
	h, v := q.sideLengths()
	return math.Max(h, v)
}

// AspectRatio returns short side / long side, in (0, 1] for any
// non-degenerate quad. A long receipt is ~0.33; a square is 1.0.
func (q Quad) AspectRatio() float64 {
	h, v := q.sideLengths()
	long := math.Max(h, v)
	if long == 0 {
		return 0
	}
	return math.Min(h, v) / long
}

// Area returns the polygon area via the shoelace formula, walking the
// corners in TL → TR → BR → BL order.
func (q Quad) Area() float64 {
	pts := []Point{q.TopLeft, q.TopRight, q.BottomRight, q.BottomLeft}
	var sum float64
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(sum) / 2
}

// Center returns the centroid of the four corners.
func (q Quad) Center() Point {
	return Point{
		X: (q.TopLeft.X + q.TopRight.X + q.BottomLeft.X + q.BottomRight.X) / 4,
		Y: (q.TopLeft.Y + q.TopRight.Y + q.BottomLeft.Y + q.BottomRight.Y) / 4,
	}
}
