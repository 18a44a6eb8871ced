// Package frames owns the camera-facing edge of the capture core.
//
// Responsibilities: the Frame type delivered by the camera source,
// sparse luma/contrast sampling, and the analysis throttle that bounds
// the detection cadence.
// Key types: Frame, LumaStats, Throttler.
package frames

import (
	"image"
	"image/color"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Frame is a timestamped image buffer delivered by the camera source.
type Frame struct {
	Timestamp time.Time
	Image     image.Image
}

// LumaStats is a sparse brightness/contrast estimate of a frame.
// Brightness is the mean luma and Contrast the luma standard deviation,
// both normalised to [0, 1].
type LumaStats struct {
	Brightness float64
	Contrast   float64
	Samples    int
}

// DefaultLumaStride is the sampling stride used by the pipeline. At
// 1080p this yields roughly 2k samples per frame, cheap enough to run
// inline on the frame-delivery path.
const DefaultLumaStride = 24

// SampleLumaStats samples the image on a sparse grid and returns the
// normalised mean luma and luma standard deviation. A nil image or a
// degenerate bounds yields zero stats.
func SampleLumaStats(img image.Image, stride int) LumaStats {
	if img == nil || stride <= 0 {
		return LumaStats{}
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return LumaStats{}
	}

	samples := make([]float64, 0, (b.Dx()/stride+1)*(b.Dy()/stride+1))
	for y := b.Min.Y; y < b.Max.Y; y += stride {
		for x := b.Min.X; x < b.Max.X; x += stride {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			samples = append(samples, float64(g.Y)/255)
		}
	}
	if len(samples) == 0 {
		return LumaStats{}
	}

	stats := LumaStats{
		Brightness: stat.Mean(samples, nil),
		Samples:    len(samples),
	}
	if len(samples) > 1 {
		stats.Contrast = stat.StdDev(samples, nil)
	}
	return stats
}
