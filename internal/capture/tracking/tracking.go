package tracking

import (
	"time"

	"github.com/paperglass/receipt.capture/internal/capture/candidates"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
	"github.com/paperglass/receipt.capture/internal/config"
	"github.com/paperglass/receipt.capture/internal/monitoring"
)

// Phase represents the lifecycle state of a capture session.
type Phase string

const (
	PhaseSearching Phase = "searching" // No tracked document
	PhaseTracking  Phase = "tracking"  // Following a document, not yet stable
	PhaseLocked    Phase = "locked"    // Stable and content-gated; quad frozen
	PhaseCapturing Phase = "capturing" // Terminal per session; capture signalled
)

// TrackerConfig holds configuration parameters for the quad tracker.
type TrackerConfig struct {
	SameQuadDisplacement float64       // Mean corner displacement below which a candidate refines the tracked quad
	SwitchScoreMargin    float64       // Fractional score margin required to switch documents
	AmbiguityMargin      float64       // Top-two score gap (fraction of top) below which the frame is ambiguous
	StagnationTimeout    time.Duration // No stability improvement for this long → modest-margin switching allowed
	StuckTimeout         time.Duration // No improvement beyond best+margin for this long → forced reset
	StuckStabilityMargin int           // Improvement margin for the stuck detector

	// Smoothing
	AlphaMin             float64 // EMA alpha for small jitter
	AlphaMax             float64 // EMA alpha for large genuine motion
	AlphaStableCap       float64 // Alpha ceiling once stability is high
	StableAlphaStability int     // Stability at which the cap applies

	// Stability score
	LowMotionDisplacement float64 // Displacement below which a frame counts as motion-stable
	StabilityGain         int     // Increment for low-motion unambiguous frames
	StabilityGainAmbig    int     // Increment for low-motion ambiguous frames
	StabilityDecay        int     // Decrement for everything else
	DropoutDecay          int     // Decrement per frame inside the dropout grace window
	StabilityMax          int     // Upper clamp

	// Lock conditions
	LockStability     int           // Stability floor for Tracking → Locked
	OverrideStability int           // Stability at which content pass overrides ambiguity
	ReadyLongSide     float64       // Long side fraction for geometry readiness
	ReadyAspect       float64       // Aspect ceiling for geometry readiness
	LockDelay         time.Duration // Hold-steady delay before Locked → Capturing
	GraceWindow       time.Duration // Dropout tolerance before hard reset
}

// DefaultTrackerConfig returns tracker configuration loaded from the
// canonical tuning defaults file (config/tuning.defaults.json). Panics
// if the file cannot be found — intended for tests and binaries that
// have already validated config availability.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.MustLoadDefaultConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		SameQuadDisplacement: cfg.GetSameQuadDisplacement(),
		SwitchScoreMargin:    cfg.GetSwitchScoreMargin(),
		AmbiguityMargin:      cfg.GetAmbiguityMargin(),
		StagnationTimeout:    cfg.GetStagnationTimeout(),
		StuckTimeout:         cfg.GetStuckTimeout(),
		StuckStabilityMargin: cfg.GetStuckStabilityMargin(),

		AlphaMin:             cfg.GetSmoothingAlphaMin(),
		AlphaMax:             cfg.GetSmoothingAlphaMax(),
		AlphaStableCap:       cfg.GetSmoothingAlphaStableCap(),
		StableAlphaStability: cfg.GetStableAlphaStability(),

		LowMotionDisplacement: cfg.GetLowMotionDisplacement(),
		StabilityGain:         cfg.GetStabilityGain(),
		StabilityGainAmbig:    cfg.GetStabilityGainAmbiguous(),
		StabilityDecay:        cfg.GetStabilityDecay(),
		DropoutDecay:          cfg.GetDropoutDecay(),
		StabilityMax:          cfg.GetStabilityMax(),

		LockStability:     cfg.GetLockStability(),
		OverrideStability: cfg.GetOverrideStability(),
		ReadyLongSide:     cfg.GetReadyLongSide(),
		ReadyAspect:       cfg.GetReadyAspect(),
		LockDelay:         cfg.GetLockDelay(),
		GraceWindow:       cfg.GetGraceWindow(),
	}
}

// TrackingState is the per-session mutable state owned by the tracker.
type TrackingState struct {
	Raw      *geometry.Quad // currently tracked raw quad, normalised
	Smoothed *geometry.Quad // EMA-smoothed quad published while Tracking

	Stability int
	Phase     Phase

	LastGoodDetection time.Time // last accepted candidate
	TrackingStart     time.Time // when the current quad was adopted

	LockedAt   time.Time
	LockedQuad *geometry.Quad // frozen at lock time

	// Tracked candidate geometry for switching decisions.
	trackedScore  float64
	trackedAspect float64
	trackedArea   float64

	// Stuck detection: stuckRef is the best stability credited so far;
	// stuckRefAt restarts whenever stability improves beyond
	// stuckRef + StuckStabilityMargin.
	stuckRef   int
	stuckRefAt time.Time
}

// Result is the per-frame outcome of an Observe call.
type Result struct {
	Phase     Phase
	Quad      *geometry.Quad // published quad: smoothed, or frozen once locked; nil while searching
	Stability int
	Ambiguous bool

	JustLocked   bool // Tracking → Locked this frame
	JustCaptured bool // Locked → Capturing this frame
	HardReset    bool // dropout beyond grace or stuck lock reset this frame
}

// Tracker resolves per-frame candidates into a single tracked document
// and drives the phase state machine.
type Tracker struct {
	Config TrackerConfig

	state TrackingState
}

// NewTracker creates a tracker in the Searching phase.
func NewTracker(cfg TrackerConfig) *Tracker {
	return &Tracker{
		Config: cfg,
		state:  TrackingState{Phase: PhaseSearching},
	}
}

// State returns a snapshot of the tracking state. Quads are copied so
// callers never alias tracker-owned memory.
func (t *Tracker) State() TrackingState {
	s := t.state
	s.Raw = copyQuad(t.state.Raw)
	s.Smoothed = copyQuad(t.state.Smoothed)
	s.LockedQuad = copyQuad(t.state.LockedQuad)
	return s
}

// Reset returns the tracker to its initial Searching state. Used on
// session restart and after a capture completes.
func (t *Tracker) Reset() {
	t.state = TrackingState{Phase: PhaseSearching}
}

// Ambiguous reports whether the top two candidates are too close in
// score to confidently prefer one. Candidates must be sorted best-first.
func Ambiguous(cands []candidates.Candidate, margin float64) bool {
	if len(cands) < 2 {
		return false
	}
	top := cands[0].Quad.Score
	if top <= 0 {
		return false
	}
	return (top-cands[1].Quad.Score) < margin*top
}

// Observe processes one frame of candidates (sorted best-first, possibly
// empty) and advances the state machine. contentPassed is the current
// content-gate verdict; now is the frame timestamp.
func (t *Tracker) Observe(cands []candidates.Candidate, contentPassed bool, now time.Time) Result {
	s := &t.state

	// Capturing is terminal: all further work is a no-op until the
	// session is reset by the surrounding application.
	if s.Phase == PhaseCapturing {
		return Result{Phase: PhaseCapturing, Quad: copyQuad(s.LockedQuad), Stability: s.Stability}
	}

	// Locked: the published quad is frozen; only the lock delay matters.
	if s.Phase == PhaseLocked {
		if now.Sub(s.LockedAt) >= t.Config.LockDelay {
			s.Phase = PhaseCapturing
			monitoring.Logf("[tracking] lock delay elapsed, capturing")
			return Result{Phase: PhaseCapturing, Quad: copyQuad(s.LockedQuad), Stability: s.Stability, JustCaptured: true}
		}
		return Result{Phase: PhaseLocked, Quad: copyQuad(s.LockedQuad), Stability: s.Stability}
	}

	ambiguous := Ambiguous(cands, t.Config.AmbiguityMargin)

	if len(cands) == 0 {
		return t.observeDropout(now, ambiguous)
	}

	best := cands[0]
	accepted, displacement, switched := t.resolve(best, ambiguous, now)
	if !accepted {
		// Competing candidate rejected; the tracked quad is retained to
		// resist oscillation but this frame buys no stability.
		t.adjustStability(-t.Config.StabilityDecay)
		if reset := t.checkStuck(now); reset {
			return Result{Phase: PhaseSearching, Stability: 0, Ambiguous: ambiguous, HardReset: true}
		}
		return Result{Phase: s.Phase, Quad: copyQuad(s.Smoothed), Stability: s.Stability, Ambiguous: ambiguous}
	}

	if switched || s.Smoothed == nil {
		// Fresh adoption: smoothing restarts from the raw quad.
		sm := *s.Raw
		s.Smoothed = &sm
	} else {
		t.smooth(displacement)
	}

	// Stability score adjustment.
	lowMotion := displacement < t.Config.LowMotionDisplacement
	switch {
	case lowMotion && !ambiguous:
		t.adjustStability(t.Config.StabilityGain)
	case lowMotion && ambiguous:
		t.adjustStability(t.Config.StabilityGainAmbig)
	default:
		t.adjustStability(-t.Config.StabilityDecay)
	}

	if reset := t.checkStuck(now); reset {
		return Result{Phase: PhaseSearching, Stability: 0, Ambiguous: ambiguous, HardReset: true}
	}

	// Tracking → Locked.
	if s.Phase == PhaseTracking && t.lockReady(ambiguous, contentPassed) {
		s.Phase = PhaseLocked
		s.LockedAt = now
		frozen := *s.Smoothed
		s.LockedQuad = &frozen
		monitoring.Logf("[tracking] locked at stability %d (ambiguous=%v)", s.Stability, ambiguous)
		return Result{Phase: PhaseLocked, Quad: copyQuad(s.LockedQuad), Stability: s.Stability, Ambiguous: ambiguous, JustLocked: true}
	}

	return Result{Phase: s.Phase, Quad: copyQuad(s.Smoothed), Stability: s.Stability, Ambiguous: ambiguous}
}

// observeDropout handles a frame with no usable candidate.
func (t *Tracker) observeDropout(now time.Time, ambiguous bool) Result {
	s := &t.state
	if s.Raw == nil {
		return Result{Phase: PhaseSearching, Ambiguous: ambiguous}
	}
	if now.Sub(s.LastGoodDetection) <= t.Config.GraceWindow {
		// Inside the grace window: decay slowly, keep the last known quad.
		t.adjustStability(-t.Config.DropoutDecay)
		return Result{Phase: s.Phase, Quad: copyQuad(s.Smoothed), Stability: s.Stability, Ambiguous: ambiguous}
	}
	monitoring.Logf("[tracking] dropout exceeded grace window, resetting")
	t.Reset()
	return Result{Phase: PhaseSearching, HardReset: true}
}

// resolve decides whether best represents the same document as the
// currently tracked quad, a switch to a better one, or neither.
// Returns whether the candidate was accepted, its displacement from the
// tracked quad, and whether acceptance was a document switch.
func (t *Tracker) resolve(best candidates.Candidate, ambiguous bool, now time.Time) (accepted bool, displacement float64, switched bool) {
	s := &t.state

	if s.Raw == nil {
		t.adopt(best, now)
		s.Phase = PhaseTracking
		return true, 0, true
	}

	displacement = best.Quad.Displacement(*s.Raw)
	if displacement < t.Config.SameQuadDisplacement {
		// Same document, refined position.
		s.Raw = quadPtr(best.Quad)
		s.trackedScore = best.Quad.Score
		s.trackedAspect = best.Aspect
		s.trackedArea = best.Area
		s.LastGoodDetection = now
		return true, displacement, false
	}

	// A distinct rectangle: switch only with a decisive advantage.
	clearlyBetter := best.Quad.Score > s.trackedScore*(1+t.Config.SwitchScoreMargin)
	distinctlyLarger := best.Area >= s.trackedArea*1.25 && best.Aspect <= s.trackedAspect*1.05
	stagnant := now.Sub(s.stuckRefAt) > t.Config.StagnationTimeout &&
		best.Quad.Score >= s.trackedScore*1.05

	if (clearlyBetter && !ambiguous) || distinctlyLarger || stagnant {
		monitoring.Logf("[tracking] switching documents (score %.4f -> %.4f, displacement %.3f)",
			s.trackedScore, best.Quad.Score, displacement)
		t.adopt(best, now)
		return true, displacement, true
	}

	return false, displacement, false
}

// adopt replaces the tracked document with the given candidate and
// restarts per-document timers and stability.
func (t *Tracker) adopt(c candidates.Candidate, now time.Time) {
	s := &t.state
	s.Raw = quadPtr(c.Quad)
	s.Smoothed = nil
	s.Stability = 0
	s.trackedScore = c.Quad.Score
	s.trackedAspect = c.Aspect
	s.trackedArea = c.Area
	s.LastGoodDetection = now
	s.TrackingStart = now
	s.stuckRef = 0
	s.stuckRefAt = now
}

// adjustStability applies a bounded delta to the stability score.
func (t *Tracker) adjustStability(delta int) {
	s := &t.state
	s.Stability += delta
	if s.Stability < 0 {
		s.Stability = 0
	}
	if s.Stability > t.Config.StabilityMax {
		s.Stability = t.Config.StabilityMax
	}
}

// checkStuck resets tracking when the same quad has persisted beyond the
// stuck timeout without the stability score improving beyond its best
// recorded value plus the configured margin. Prevents permanent lock-in
// on a marginal, non-improving detection.
func (t *Tracker) checkStuck(now time.Time) bool {
	s := &t.state
	if s.Raw == nil || s.Phase != PhaseTracking {
		return false
	}
	if s.Stability > s.stuckRef+t.Config.StuckStabilityMargin {
		s.stuckRef = s.Stability
		s.stuckRefAt = now
		return false
	}
	if now.Sub(s.stuckRefAt) > t.Config.StuckTimeout {
		monitoring.Logf("[tracking] stuck at stability %d for %v, forcing reset", s.Stability, now.Sub(s.stuckRefAt))
		t.Reset()
		return true
	}
	return false
}

// lockReady evaluates the Tracking → Locked conditions on the smoothed quad.
func (t *Tracker) lockReady(ambiguous, contentPassed bool) bool {
	s := &t.state
	if s.Smoothed == nil || s.Stability < t.Config.LockStability || !contentPassed {
		return false
	}
	if s.Smoothed.LongSide() < t.Config.ReadyLongSide || s.Smoothed.AspectRatio() > t.Config.ReadyAspect {
		return false
	}
	if ambiguous {
		// High-stability override: content evidence plus a near-maximal
		// stability run may lock despite a close second candidate.
		return s.Stability >= t.Config.OverrideStability
	}
	return true
}

func copyQuad(q *geometry.Quad) *geometry.Quad {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

func quadPtr(q geometry.Quad) *geometry.Quad {
	return &q
}
