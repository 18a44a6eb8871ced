package tracking

import (
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
)

// fullSnapDisplacement is the corner displacement at which the adaptive
// alpha reaches its maximum (a genuine repositioning, not jitter).
const fullSnapDisplacement = 0.10

// adaptiveAlpha selects the EMA alpha for this frame. Larger raw
// displacement snaps faster; once the stability score is high the alpha
// is capped low to resist micro-drift toward slightly-offset detections.
// Stability drops quickly on genuine movement, removing the cap.
func (t *Tracker) adaptiveAlpha(displacement float64) float64 {
	cfg := t.Config

	f := displacement / fullSnapDisplacement
	if f > 1 {
		f = 1
	}
	alpha := cfg.AlphaMin + (cfg.AlphaMax-cfg.AlphaMin)*f

	if t.state.Stability >= cfg.StableAlphaStability && alpha > cfg.AlphaStableCap {
		alpha = cfg.AlphaStableCap
	}
	return alpha
}

// smooth advances the smoothed quad towards the tracked raw quad by the
// adaptive alpha, corner by corner. Corners carry matching spatial
// labels (the NewQuad invariant), so corner-to-corner interpolation
// cannot produce a bow-tie. The bounding box is recomputed afterwards.
func (t *Tracker) smooth(displacement float64) {
	s := &t.state
	alpha := t.adaptiveAlpha(displacement)

	sm := s.Smoothed
	raw := s.Raw
	sm.TopLeft = geometry.Lerp(sm.TopLeft, raw.TopLeft, alpha)
	sm.TopRight = geometry.Lerp(sm.TopRight, raw.TopRight, alpha)
	sm.BottomLeft = geometry.Lerp(sm.BottomLeft, raw.BottomLeft, alpha)
	sm.BottomRight = geometry.Lerp(sm.BottomRight, raw.BottomRight, alpha)
	sm.Confidence = raw.Confidence
	sm.Score = raw.Score
	sm.RecomputeBBox()
}
