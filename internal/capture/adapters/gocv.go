// Package adapters binds the capture pipeline's detector, preprocessor
// and recognizer ports to OpenCV (gocv) and Tesseract (gosseract).
//
// Responsibilities: quadrilateral detection via the classic contour
// pipeline, contrast boosting for the detection retry path, and
// two-speed text recognition. All heavy work happens here so the rest
// of the module stays free of cgo.
package adapters

import (
	"context"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/paperglass/receipt.capture/internal/capture/candidates"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
)

// GoCVDetector finds document-like quadrilaterals: grayscale, Gaussian
// blur, Canny edges, external contours, polygonal approximation down to
// four corners. Pixel coordinates are mapped into the unit square with
// Y growing upward.
type GoCVDetector struct {
	BlurKernel      int     // odd Gaussian kernel size
	CannyLow        float32 // lower Canny hysteresis threshold
	CannyHigh       float32 // upper Canny hysteresis threshold
	ApproxEpsilon   float64 // polygon approximation, fraction of perimeter
	MinAreaFraction float64 // discard contours smaller than this frame fraction
}

// NewGoCVDetector returns a detector with thresholds that work for
// receipts on typical indoor backgrounds.
func NewGoCVDetector() *GoCVDetector {
	return &GoCVDetector{
		BlurKernel:      5,
		CannyLow:        50,
		CannyHigh:       150,
		ApproxEpsilon:   0.02,
		MinAreaFraction: 0.01,
	}
}

func (d *GoCVDetector) Detect(ctx context.Context, img image.Image, roi *geometry.Rect) ([]candidates.RawQuad, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil {
		return nil, nil
	}

	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: d.BlurKernel, Y: d.BlurKernel}, 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, d.CannyLow, d.CannyHigh)

	contours := gocv.FindContours(edges, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	w := float64(mat.Cols())
	h := float64(mat.Rows())
	frameArea := w * h

	var quads []candidates.RawQuad
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < d.MinAreaFraction*frameArea {
			continue
		}

		peri := gocv.ArcLength(contour, true)
		approx := gocv.ApproxPolyDP(contour, d.ApproxEpsilon*peri, true)
		if approx.Size() != 4 {
			approx.Close()
			continue
		}

		var corners [4]geometry.Point
		for j := 0; j < 4; j++ {
			p := approx.At(j)
			corners[j] = geometry.Point{X: float64(p.X) / w, Y: 1 - float64(p.Y)/h}
		}
		approx.Close()

		if roi != nil && !rectContains(*roi, geometry.NewQuad(corners, 0).Center()) {
			continue
		}

		// Confidence rises with frame coverage; edge noise rarely closes
		// into a large four-sided contour.
		conf := math.Min(1, 0.45+2.5*area/frameArea)
		quads = append(quads, candidates.RawQuad{Corners: corners, Confidence: conf})
	}
	return quads, nil
}

func rectContains(r geometry.Rect, p geometry.Point) bool {
	return p.X >= r.MinX && p.X <= r.MaxX && p.Y >= r.MinY && p.Y <= r.MaxY
}

// GoCVPreprocessor produces the contrast-boosted, slightly darkened,
// sharpened frame variant used by the detection retry path.
type GoCVPreprocessor struct {
	Alpha         float32 // contrast gain
	Beta          float32 // brightness shift
	SharpenAmount float64 // unsharp mask weight
}

func NewGoCVPreprocessor() *GoCVPreprocessor {
	return &GoCVPreprocessor{Alpha: 1.4, Beta: -20, SharpenAmount: 0.5}
}

func (p *GoCVPreprocessor) BoostContrast(img image.Image) (image.Image, error) {
	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	boosted := gocv.NewMat()
	defer boosted.Close()
	mat.ConvertToWithParams(&boosted, gocv.MatTypeCV8UC4, p.Alpha, p.Beta)

	// Unsharp mask: subtract a blurred copy to emphasize paper edges.
	soft := gocv.NewMat()
	defer soft.Close()
	gocv.GaussianBlur(boosted, &soft, image.Point{X: 9, Y: 9}, 0, 0, gocv.BorderDefault)

	sharp := gocv.NewMat()
	defer sharp.Close()
	gocv.AddWeighted(boosted, 1+p.SharpenAmount, soft, -p.SharpenAmount, 0, &sharp)

	out, err := sharp.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert boosted frame: %w", err)
	}
	return out, nil
}
