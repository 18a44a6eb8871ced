package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperglass/receipt.capture/internal/capture/candidates"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
)

const frameStep = 83 * time.Millisecond // ~12 fps

// cand builds a scored candidate for an axis-aligned rect centred at
// (cx, cy) with width w and height h.
func cand(cx, cy, w, h, score float64) candidates.Candidate {
	q := geometry.NewQuad([4]geometry.Point{
		{X: cx - w/2, Y: cy + h/2},
		{X: cx + w/2, Y: cy + h/2},
		{X: cx - w/2, Y: cy - h/2},
		{X: cx + w/2, Y: cy - h/2},
	}, 0.9)
	q.Score = score
	return candidates.Candidate{
		Quad:     q,
		LongSide: q.LongSide(),
		Aspect:   q.AspectRatio(),
		Area:     q.Area(),
	}
}

// steadyReceipt is geometry-ready: long side 0.75 ≥ 0.45, aspect 0.4 ≤ 0.78.
func steadyReceipt(score float64) candidates.Candidate {
	return cand(0.5, 0.5, 0.3, 0.75, score)
}

// ---------------------------------------------------------------------------
// Ambiguity
// ---------------------------------------------------------------------------

func TestAmbiguous(t *testing.T) {
	t.Parallel()

	margin := DefaultTrackerConfig().AmbiguityMargin

	t.Run("close scores are ambiguous", func(t *testing.T) {
		t.Parallel()
		cands := []candidates.Candidate{steadyReceipt(1.0), steadyReceipt(0.86)}
		assert.True(t, Ambiguous(cands, margin))
	})

	t.Run("20 percent gap is not ambiguous", func(t *testing.T) {
		t.Parallel()
		cands := []candidates.Candidate{steadyReceipt(1.0), steadyReceipt(0.80)}
		assert.False(t, Ambiguous(cands, margin))
	})

	t.Run("single candidate is not ambiguous", func(t *testing.T) {
		t.Parallel()
		assert.False(t, Ambiguous([]candidates.Candidate{steadyReceipt(1.0)}, margin))
	})
}

// ---------------------------------------------------------------------------
// Stability score bounds
// ---------------------------------------------------------------------------

func TestStabilityBounds(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// 100 steady frames: stability must clamp at the maximum.
	for i := 0; i < 100; i++ {
		res := tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		require.GreaterOrEqual(t, res.Stability, 0)
		require.LessOrEqual(t, res.Stability, tr.Config.StabilityMax)
		now = now.Add(frameStep)
	}
}

// ---------------------------------------------------------------------------
// Lock scenario (spec steady-scene property)
// ---------------------------------------------------------------------------

func TestSteadySceneLocksAndCaptures(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	var locked bool
	var lockedQuad geometry.Quad
	for i := 0; i < 60; i++ {
		res := tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, true, now)
		if res.JustLocked {
			locked = true
			lockedQuad = *res.Quad
			break
		}
		now = now.Add(frameStep)
	}
	require.True(t, locked, "steady content-gated scene must lock within 60 frames")

	// While locked the published quad must not change, even when the
	// detection moves.
	now = now.Add(frameStep)
	res := tr.Observe([]candidates.Candidate{cand(0.55, 0.55, 0.3, 0.75, 1.0)}, true, now)
	require.NotNil(t, res.Quad)
	assert.Equal(t, lockedQuad, *res.Quad)

	// After the lock delay the session captures exactly once.
	now = now.Add(tr.Config.LockDelay)
	res = tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, true, now)
	require.True(t, res.JustCaptured)
	assert.Equal(t, PhaseCapturing, res.Phase)
	assert.Equal(t, lockedQuad, *res.Quad)

	// Capturing is terminal: further frames are no-ops.
	now = now.Add(frameStep)
	res = tr.Observe([]candidates.Candidate{steadyReceipt(2.0)}, true, now)
	assert.Equal(t, PhaseCapturing, res.Phase)
	assert.False(t, res.JustCaptured)
	assert.Equal(t, lockedQuad, *res.Quad)
}

func TestLockRequiresContentGate(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// Geometry-ready and steady but the gate never passes: no lock until
	// the stuck detector eventually resets the session.
	for i := 0; i < 20; i++ {
		res := tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		assert.NotEqual(t, PhaseLocked, res.Phase)
		now = now.Add(frameStep)
	}
}

func TestLockRequiresGeometryReadiness(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// Steady and gated, but too small in frame (long side 0.36 < 0.45).
	small := cand(0.5, 0.5, 0.14, 0.36, 1.0)
	for i := 0; i < 20; i++ {
		res := tr.Observe([]candidates.Candidate{small}, true, now)
		assert.NotEqual(t, PhaseLocked, res.Phase)
		now = now.Add(frameStep)
	}
}

// ---------------------------------------------------------------------------
// Ambiguous scenes
// ---------------------------------------------------------------------------

func TestAmbiguousSceneNeverLocks(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// Two similarly-scored rectangles, gate closed: stability may grow
	// (+3/frame) but the lock is blocked for as long as the stuck
	// detector allows the quad to live.
	pair := []candidates.Candidate{steadyReceipt(1.0), cand(0.3, 0.5, 0.3, 0.75, 0.9)}
	for i := 0; i < 40; i++ {
		res := tr.Observe(pair, false, now)
		require.NotEqual(t, PhaseLocked, res.Phase)
		require.True(t, res.Ambiguous || res.Phase == PhaseSearching)
		now = now.Add(frameStep)
	}
}

func TestAmbiguousSceneLocksViaOverride(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// Same scene but the content gate passes: once stability climbs past
	// the override threshold the lock goes through despite ambiguity.
	pair := []candidates.Candidate{steadyReceipt(1.0), cand(0.3, 0.5, 0.3, 0.75, 0.9)}
	var locked bool
	var lockStability int
	for i := 0; i < 40; i++ {
		res := tr.Observe(pair, true, now)
		if res.JustLocked {
			locked = true
			lockStability = res.Stability
			break
		}
		now = now.Add(frameStep)
	}
	require.True(t, locked)
	assert.GreaterOrEqual(t, lockStability, tr.Config.OverrideStability)
}

// ---------------------------------------------------------------------------
// Dropout grace window
// ---------------------------------------------------------------------------

func TestDropoutWithinGraceRetainsQuad(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		now = now.Add(frameStep)
	}
	before := tr.State()
	require.Equal(t, PhaseTracking, before.Phase)

	// ~0.5s of empty frames, all inside the 0.85s grace window.
	var res Result
	for i := 0; i < 6; i++ {
		res = tr.Observe(nil, false, now)
		now = now.Add(frameStep)
	}
	assert.Equal(t, PhaseTracking, res.Phase)
	assert.NotNil(t, res.Quad)
	assert.False(t, res.HardReset)
	assert.Less(t, res.Stability, before.Stability, "stability decays during dropout")
}

func TestDropoutBeyondGraceResets(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		now = now.Add(frameStep)
	}

	// 1.2s past the last good detection: hard reset.
	res := tr.Observe(nil, false, now.Add(1200*time.Millisecond))
	assert.True(t, res.HardReset)
	assert.Equal(t, PhaseSearching, res.Phase)
	assert.Nil(t, res.Quad)
	assert.Equal(t, 0, res.Stability)

	state := tr.State()
	assert.Nil(t, state.Raw)
	assert.Nil(t, state.Smoothed)
}

// ---------------------------------------------------------------------------
// Switching hysteresis
// ---------------------------------------------------------------------------

func TestResistsSwitchingOnModestMargin(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
	tracked := *tr.State().Raw

	// A displaced competitor only 10% better: keep the tracked quad.
	now = now.Add(frameStep)
	challenger := cand(0.3, 0.3, 0.3, 0.75, 1.10)
	res := tr.Observe([]candidates.Candidate{challenger}, false, now)
	assert.Equal(t, tracked, *tr.State().Raw)
	assert.Equal(t, PhaseTracking, res.Phase)
}

func TestSwitchesOnDecisiveMargin(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	for i := 0; i < 3; i++ {
		tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		now = now.Add(frameStep)
	}
	require.Greater(t, tr.State().Stability, 0)

	// 20% better, unambiguous: switch, and stability restarts.
	challenger := cand(0.3, 0.3, 0.3, 0.75, 1.20)
	tr.Observe([]candidates.Candidate{challenger}, false, now)

	state := tr.State()
	assert.InDelta(t, 0.3, state.Raw.Center().X, 1e-9)
	assert.LessOrEqual(t, state.Stability, tr.Config.StabilityGain)
}

func TestSwitchesOnDistinctlyLargerArea(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	tr.Observe([]candidates.Candidate{cand(0.5, 0.5, 0.2, 0.5, 1.0)}, false, now)

	// Similar score, but 69% more area with no worse aspect.
	now = now.Add(frameStep)
	bigger := cand(0.3, 0.5, 0.26, 0.65, 1.02)
	tr.Observe([]candidates.Candidate{bigger}, false, now)

	assert.InDelta(t, 0.3, tr.State().Raw.Center().X, 1e-9)
}

// ---------------------------------------------------------------------------
// Stuck detection
// ---------------------------------------------------------------------------

func TestStuckTrackingResets(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	// A steady rectangle that never passes the gate pegs stability at
	// the cap; once it stops improving for StuckTimeout the tracker
	// forces a reset so a fresh detection can take over.
	var reset bool
	for i := 0; i < 120; i++ {
		res := tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		if res.HardReset {
			reset = true
			break
		}
		now = now.Add(frameStep)
	}
	require.True(t, reset, "non-improving track must be declared stuck")
	assert.Equal(t, PhaseSearching, tr.State().Phase)
}

// ---------------------------------------------------------------------------
// Smoothing
// ---------------------------------------------------------------------------

func TestSmoothingSuppressesJitter(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	now := time.Unix(0, 0)

	base := steadyReceipt(1.0)
	tr.Observe([]candidates.Candidate{base}, false, now)
	prev := tr.State().Smoothed.TopLeft

	// A 0.01 jitter: the smoothed quad moves only a fraction of it.
	now = now.Add(frameStep)
	jittered := cand(0.51, 0.5, 0.3, 0.75, 1.0)
	tr.Observe([]candidates.Candidate{jittered}, false, now)
	got := tr.State().Smoothed.TopLeft

	moved := got.X - prev.X
	require.Greater(t, moved, 0.0)
	assert.Less(t, moved, 0.01*0.5, "alpha for small jitter stays well below 0.5")
}

func TestSmoothingAlphaCappedAtHighStability(t *testing.T) {
	t.Parallel()

	cfg := DefaultTrackerConfig()
	tr := NewTracker(cfg)
	now := time.Unix(0, 0)

	// Build stability past the cap threshold.
	for i := 0; i < 5; i++ {
		tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, now)
		now = now.Add(frameStep)
	}
	require.GreaterOrEqual(t, tr.State().Stability, cfg.StableAlphaStability)
	prev := tr.State().Smoothed.TopLeft

	// A 0.05 drift (same-document range): alpha is capped at
	// AlphaStableCap, so movement is at most cap × displacement.
	drift := cand(0.55, 0.5, 0.3, 0.75, 1.0)
	tr.Observe([]candidates.Candidate{drift}, false, now)
	got := tr.State().Smoothed.TopLeft

	moved := got.X - prev.X
	assert.InDelta(t, cfg.AlphaStableCap*0.05, moved, 1e-9)
}

// ---------------------------------------------------------------------------
// State snapshots
// ---------------------------------------------------------------------------

func TestStateReturnsCopies(t *testing.T) {
	t.Parallel()

	tr := NewTracker(DefaultTrackerConfig())
	tr.Observe([]candidates.Candidate{steadyReceipt(1.0)}, false, time.Unix(0, 0))

	snap := tr.State()
	snap.Raw.TopLeft.X = -99

	assert.NotEqual(t, -99.0, tr.State().Raw.TopLeft.X)
}
