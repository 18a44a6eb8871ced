// Package candidates owns rectangle candidate construction and scoring.
//
// Responsibilities: wrapping the external rectangle detector, geometric
// rejection filtering, the composite receipt-likeness score, and the
// contrast-boost retry path for low-contrast frames.
// Key types: RawQuad, Candidate, Builder.
//
// Detector failures are demoted to empty-result frames here; the tracker
// above sees a uniform "no candidate" signal either way.
package candidates

import (
	"context"
	"image"
	"math"
	"sort"
	"sync/atomic"

	"github.com/paperglass/receipt.capture/internal/capture/frames"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
	"github.com/paperglass/receipt.capture/internal/config"
	"github.com/paperglass/receipt.capture/internal/monitoring"
)

// RawQuad is a detector result before normalisation: four corners in
// detector-reported order plus a confidence in [0, 1].
type RawQuad struct {
	Corners    [4]geometry.Point
	Confidence float64
}

// Detector is the external rectangle-detection capability. A nil roi
// means the whole frame. Implementations may block; the pipeline calls
// Detect off the frame-delivery path.
type Detector interface {
	Detect(ctx context.Context, img image.Image, roi *geometry.Rect) ([]RawQuad, error)
}

// Preprocessor produces a contrast-boosted, slightly darkened, sharpened
// variant of a frame for the detection retry path.
type Preprocessor interface {
	BoostContrast(img image.Image) (image.Image, error)
}

// Candidate is a scored quad considered for tracking, with the derived
// geometry used by filtering and tracking decisions.
type Candidate struct {
	Quad     geometry.Quad
	LongSide float64
	Aspect   float64
	Area     float64

	// Boosted marks candidates found on the contrast-boosted retry pass.
	Boosted bool
}

// BuilderConfig holds the candidate filter and scoring parameters.
type BuilderConfig struct {
	MaxAspect            float64 // short/long above this is too square for a receipt
	MinAreaFraction      float64 // of frame area
	MinLongSideFraction  float64 // of frame dimension
	ConfidenceFloor      float64
	BoostedConfidence    float64 // relaxed floor on the retry pass
	TargetAspect         float64 // the "long rectangle" ratio being rewarded
	NoDetectionStreak    int     // empty frames before the retry pass kicks in
	BrightBrightness     float64 // brightness above which glare handling applies
	LowContrastThreshold float64 // contrast below which the frame counts as washed out
}

// BuilderConfigFromTuning builds a BuilderConfig from a loaded TuningConfig.
func BuilderConfigFromTuning(cfg *config.TuningConfig) BuilderConfig {
	return BuilderConfig{
		MaxAspect:            cfg.GetMaxCandidateAspect(),
		MinAreaFraction:      cfg.GetMinAreaFraction(),
		MinLongSideFraction:  cfg.GetMinLongSideFraction(),
		ConfidenceFloor:      cfg.GetConfidenceFloor(),
		BoostedConfidence:    cfg.GetBoostedConfidenceFloor(),
		TargetAspect:         cfg.GetTargetAspect(),
		NoDetectionStreak:    cfg.GetNoDetectionStreak(),
		BrightBrightness:     cfg.GetBrightBrightness(),
		LowContrastThreshold: cfg.GetLowContrastThreshold(),
	}
}

// Builder wraps a Detector and turns raw detections into filtered,
// scored candidates. Build has a single caller (the detection worker),
// but Reset may arrive from another goroutine on a session restart, so
// the streak counter is atomic.
type Builder struct {
	cfg      BuilderConfig
	detector Detector
	pre      Preprocessor

	emptyStreak atomic.Int32
}

// NewBuilder creates a Builder. pre may be nil, which disables the
// contrast-boost retry path.
func NewBuilder(cfg BuilderConfig, detector Detector, pre Preprocessor) *Builder {
	return &Builder{cfg: cfg, detector: detector, pre: pre}
}

// Reset clears the empty-frame streak for a new session.
func (b *Builder) Reset() {
	b.emptyStreak.Store(0)
}

// Build runs detection for one frame and returns surviving candidates
// sorted by score, best first. Detector errors yield an empty result.
// When the empty-frame streak exceeds the configured threshold, or the
// frame is bright but washed out, detection is re-run on a
// contrast-boosted frame with relaxed thresholds before giving up.
func (b *Builder) Build(ctx context.Context, img image.Image, roi *geometry.Rect, stats frames.LumaStats) []Candidate {
	raw, err := b.detector.Detect(ctx, img, roi)
	if err != nil {
		monitoring.Logf("[candidates] detector error, treating as empty frame: %v", err)
		raw = nil
	}

	cands := b.filterAndScore(raw, b.cfg.ConfidenceFloor, false)

	if len(cands) == 0 {
		streak := int(b.emptyStreak.Add(1))
		washedOut := stats.Brightness > b.cfg.BrightBrightness && stats.Contrast < b.cfg.LowContrastThreshold
		if b.pre != nil && (streak >= b.cfg.NoDetectionStreak || washedOut) {
			cands = b.retryBoosted(ctx, img, roi)
		}
	}
	if len(cands) > 0 {
		b.emptyStreak.Store(0)
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].Quad.Score > cands[j].Quad.Score })
	return cands
}

func (b *Builder) retryBoosted(ctx context.Context, img image.Image, roi *geometry.Rect) []Candidate {
	boosted, err := b.pre.BoostContrast(img)
	if err != nil {
		monitoring.Logf("[candidates] contrast boost failed: %v", err)
		return nil
	}
	raw, err := b.detector.Detect(ctx, boosted, roi)
	if err != nil {
		monitoring.Logf("[candidates] boosted detector error: %v", err)
		return nil
	}
	return b.filterAndScore(raw, b.cfg.BoostedConfidence, true)
}

// filterAndScore applies the rejection filters and computes the
// composite score for the survivors.
func (b *Builder) filterAndScore(raw []RawQuad, confidenceFloor float64, boosted bool) []Candidate {
	out := make([]Candidate, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < confidenceFloor {
			continue
		}
		q := geometry.NewQuad(r.Corners, r.Confidence)
		aspect := q.AspectRatio()
		area := q.Area()
		longSide := q.LongSide()

		// Frame-relative thresholds: coordinates are normalised, so the
		// frame has unit area and unit dimension.
		if aspect > b.cfg.MaxAspect {
			continue // too square for a receipt
		}
		if area < b.cfg.MinAreaFraction {
			continue
		}
		if longSide < b.cfg.MinLongSideFraction {
			continue
		}

		q.Score = b.score(q, aspect, area, longSide)
		out = append(out, Candidate{
			Quad:     q,
			LongSide: longSide,
			Aspect:   aspect,
			Area:     area,
			Boosted:  boosted,
		})
	}
	return out
}

// score computes the composite receipt-likeness score. Every factor is
// multiplied so no single weak dimension can dominate; each factor is
// floored at a small positive value to keep the product comparable.
func (b *Builder) score(q geometry.Quad, aspect, area, longSide float64) float64 {
	const factorFloor = 0.05

	// Superlinear area reward: a larger receipt in frame is worth more
	// than its raw area fraction.
	areaTerm := math.Pow(area, 1.3)

	aspectTerm := clampFactor(1-math.Abs(aspect-b.cfg.TargetAspect)*1.5, factorFloor)

	center := q.Center()
	dx := center.X - 0.5
	dy := center.Y - 0.5
	centerTerm := clampFactor(1-math.Sqrt(dx*dx+dy*dy)/0.7, factorFloor)

	fillTerm := clampFactor(longSide, factorFloor)

	return areaTerm * q.Confidence * aspectTerm * centerTerm * fillTerm
}

func clampFactor(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	if v > 1 {
		return 1
	}
	return v
}
