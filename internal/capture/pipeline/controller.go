package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paperglass/receipt.capture/internal/capture/candidates"
	"github.com/paperglass/receipt.capture/internal/capture/contentgate"
	"github.com/paperglass/receipt.capture/internal/capture/frames"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
	"github.com/paperglass/receipt.capture/internal/capture/illumination"
	"github.com/paperglass/receipt.capture/internal/capture/storage/sqlite"
	"github.com/paperglass/receipt.capture/internal/capture/tracking"
	"github.com/paperglass/receipt.capture/internal/config"
	"github.com/paperglass/receipt.capture/internal/timeutil"
)

// User-facing guidance strings. The debouncer keeps them from
// flickering frame to frame.
const (
	statusSearching  = "Looking for a receipt"
	statusHold       = "Hold steady"
	statusMultiple   = "More than one document in view"
	statusMoveCloser = "Move closer"
	statusCapturing  = "Capturing..."
)

// ocrTimeout bounds a single recognizer invocation.
const ocrTimeout = 2 * time.Second

// Snapshot is the immutable published view of the pipeline. Consumers
// poll it and compare Version to detect change.
type Snapshot struct {
	Version   uint64
	SessionID string

	Phase      tracking.Phase
	Quad       *geometry.Quad // nil while searching
	Stability  int
	StatusText string

	// CaptureNow is set on exactly one snapshot version per session,
	// the one published when auto-capture fires.
	CaptureNow bool

	TorchOn bool
}

// Deps are the pluggable edges of the pipeline. Recognizer, Hardware
// and Store may be nil: a nil Recognizer disables the content gate, a
// nil Hardware disables illumination control, a nil Store disables
// event persistence. A nil Clock means wall time.
type Deps struct {
	Detector     candidates.Detector
	Preprocessor candidates.Preprocessor
	Recognizer   contentgate.Recognizer
	Hardware     illumination.Hardware
	Clock        timeutil.Clock
	Store        *sqlite.Store
}

type ocrJob struct {
	region    image.Image
	stability int
	ts        time.Time
}

// Controller owns the tracking state machine and serializes all
// mutation: heavy per-frame work runs on a single detection goroutine
// admitted by the throttler, and the OCR worker only touches the gate.
type Controller struct {
	cfg   *config.TuningConfig
	clock timeutil.Clock

	builder  *candidates.Builder
	tracker  *tracking.Tracker
	gate     *contentgate.Gate // nil when no recognizer is wired
	illum    *illumination.Controller
	throttle *frames.Throttler
	store    *sqlite.Store

	ocrCh chan ocrJob
	done  chan struct{}

	mu        sync.Mutex
	sessionID string
	stopped   bool

	// generation identifies the current session; detection results
	// admitted under an older generation are discarded on completion.
	generation uint64

	captureFired  bool
	captureTimer  timeutil.Timer
	captureCancel chan struct{}

	displayedStatus string
	pendingStatus   string
	pendingSince    time.Time

	version  uint64
	snapshot Snapshot
}

// NewController assembles a pipeline from tuning config and deps, opens
// a first session, and starts the OCR worker.
func NewController(cfg *config.TuningConfig, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	c := &Controller{
		cfg:      cfg,
		clock:    clock,
		builder:  candidates.NewBuilder(candidates.BuilderConfigFromTuning(cfg), deps.Detector, deps.Preprocessor),
		tracker:  tracking.NewTracker(tracking.TrackerConfigFromTuning(cfg)),
		throttle: frames.NewThrottler(cfg.GetMaxFrameRate()),
		store:    deps.Store,
		ocrCh:    make(chan ocrJob, 1),
		done:     make(chan struct{}),
	}
	if deps.Recognizer != nil {
		c.gate = contentgate.NewGate(contentgate.GateConfigFromTuning(cfg), deps.Recognizer)
	}
	if deps.Hardware != nil {
		c.illum = illumination.NewController(illumination.ControllerConfigFromTuning(cfg), deps.Hardware)
	}

	c.mu.Lock()
	c.startSessionLocked(clock.Now())
	c.mu.Unlock()

	go c.ocrLoop()
	return c, nil
}

// HandleFrame is the camera delivery entry point. It samples luma
// inline (cheap), feeds illumination, and either admits the frame to
// the detection worker or drops it. Never blocks.
func (c *Controller) HandleFrame(ctx context.Context, frame frames.Frame) {
	stopped, capturing, gen := c.admissionState()
	if stopped {
		return
	}

	stats := frames.SampleLumaStats(frame.Image, frames.DefaultLumaStride)
	if c.illum != nil {
		c.illum.Sample(stats, frame.Timestamp)
	}
	if capturing {
		// Terminal phase: detection and tracking are no-ops until the
		// session restarts, so skip the heavy work entirely.
		return
	}

	if !c.throttle.Admit(frame.Timestamp) {
		tracef("frame %v dropped (cadence or busy)", frame.Timestamp)
		return
	}
	go func() {
		defer c.throttle.Done()
		c.process(ctx, frame, stats, gen)
	}()
}

// admissionState reads the flags that gate frame admission.
func (c *Controller) admissionState() (stopped, capturing bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped, c.tracker.State().Phase == tracking.PhaseCapturing, c.generation
}

// ProcessFrame runs the full detection path synchronously with
// precomputed luma statistics. Replay tooling uses it to step recorded
// frames deterministically; live delivery goes through HandleFrame.
func (c *Controller) ProcessFrame(ctx context.Context, frame frames.Frame, stats frames.LumaStats) {
	stopped, capturing, gen := c.admissionState()
	if stopped {
		return
	}
	if c.illum != nil {
		c.illum.Sample(stats, frame.Timestamp)
	}
	if capturing {
		return
	}
	if !c.throttle.Admit(frame.Timestamp) {
		return
	}
	defer c.throttle.Done()
	c.process(ctx, frame, stats, gen)
}

// process runs detection and advances the state machine for one
// admitted frame. The throttler guarantees a single caller at a time;
// gen is the session generation the frame was admitted under.
func (c *Controller) process(ctx context.Context, frame frames.Frame, stats frames.LumaStats, gen uint64) {
	cands := c.builder.Build(ctx, frame.Image, nil, stats)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if gen != c.generation {
		// The session restarted while this analysis was running; its
		// result belongs to the old session and is discarded.
		tracef("frame %v discarded (stale generation %d)", frame.Timestamp, gen)
		return
	}

	verdict := c.gateVerdictLocked()
	res := c.tracker.Observe(cands, verdict, frame.Timestamp)
	tracef("frame %v: %d candidates, phase=%s stability=%d ambiguous=%v",
		frame.Timestamp, len(cands), res.Phase, res.Stability, res.Ambiguous)

	if res.HardReset {
		diagf("tracking reset, back to searching")
		if c.gate != nil {
			c.gate.Reset()
		}
		c.builder.Reset()
		c.recordEventLocked("reset", nil, frame.Timestamp)
	}

	if res.JustLocked {
		diagf("locked at stability %d, capture in %v", res.Stability, c.cfg.GetLockDelay())
		c.recordEventLocked("locked", lockPayload(res), frame.Timestamp)
		c.armCaptureTimerLocked()
	}

	if res.JustCaptured {
		c.fireCaptureLocked(res.Quad, res.Stability, frame.Timestamp)
		return
	}

	// Hand the frame to OCR while a document is being tracked. The
	// gate throttles its own tiers; we only drop when the worker is
	// already busy.
	if c.gate != nil && res.Quad != nil &&
		(res.Phase == tracking.PhaseTracking || res.Phase == tracking.PhaseLocked) {
		select {
		case c.ocrCh <- ocrJob{region: frame.Image, stability: res.Stability, ts: frame.Timestamp}:
		default:
		}
	}

	force := res.Phase == tracking.PhaseLocked || res.Phase == tracking.PhaseCapturing
	c.updateStatusLocked(c.statusCandidate(res), frame.Timestamp, force)
	c.publishLocked(res.Phase, res.Quad, res.Stability, false)
}

// gateVerdictLocked evaluates the content gate policy against current
// stability. With no gate wired, content never blocks a lock.
func (c *Controller) gateVerdictLocked() bool {
	if c.gate == nil {
		return true
	}
	return c.gate.Verdict(c.tracker.State().Stability)
}

func (c *Controller) statusCandidate(res tracking.Result) string {
	switch {
	case res.Phase == tracking.PhaseLocked || res.Phase == tracking.PhaseCapturing:
		return statusCapturing
	case res.Phase == tracking.PhaseSearching:
		return statusSearching
	case res.Ambiguous:
		return statusMultiple
	case res.Quad != nil && res.Quad.LongSide() < c.cfg.GetReadyLongSide():
		return statusMoveCloser
	default:
		return statusHold
	}
}

// updateStatusLocked debounces guidance text: a candidate must persist
// for the debounce window before replacing the displayed one. Capture
// messaging bypasses the debounce.
func (c *Controller) updateStatusLocked(candidate string, now time.Time, force bool) {
	if force || c.displayedStatus == "" {
		c.displayedStatus = candidate
		c.pendingStatus = ""
		return
	}
	if candidate == c.displayedStatus {
		c.pendingStatus = ""
		return
	}
	if candidate != c.pendingStatus {
		c.pendingStatus = candidate
		c.pendingSince = now
		return
	}
	if now.Sub(c.pendingSince) >= c.cfg.GetStatusDebounce() {
		c.displayedStatus = candidate
		c.pendingStatus = ""
	}
}

// armCaptureTimerLocked schedules auto-capture so it fires even if
// frame delivery pauses after the lock. The goroutine exits when the
// timer fires, the capture completes through the frame path, the
// session resets, or the controller stops.
func (c *Controller) armCaptureTimerLocked() {
	c.cancelCaptureTimerLocked()
	timer := c.clock.NewTimer(c.cfg.GetLockDelay())
	cancel := make(chan struct{})
	c.captureTimer = timer
	c.captureCancel = cancel
	go func() {
		select {
		case <-timer.C():
		case <-cancel:
			return
		case <-c.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.stopped || c.captureFired {
			return
		}
		state := c.tracker.State()
		c.fireCaptureLocked(state.LockedQuad, state.Stability, c.clock.Now())
	}()
}

// cancelCaptureTimerLocked stops a pending capture timer and releases
// its goroutine. Callers hold mu.
func (c *Controller) cancelCaptureTimerLocked() {
	if c.captureTimer != nil {
		c.captureTimer.Stop()
		c.captureTimer = nil
	}
	if c.captureCancel != nil {
		close(c.captureCancel)
		c.captureCancel = nil
	}
}

// fireCaptureLocked marks the one-shot capture trigger and publishes
// the capturing snapshot.
func (c *Controller) fireCaptureLocked(quad *geometry.Quad, stability int, now time.Time) {
	if c.captureFired {
		return
	}
	c.captureFired = true
	c.cancelCaptureTimerLocked()
	diagf("auto-capture fired (session %s)", c.sessionID)
	c.recordEventLocked("captured", nil, now)
	c.updateStatusLocked(statusCapturing, now, true)
	c.publishLocked(tracking.PhaseCapturing, quad, stability, true)
}

func (c *Controller) publishLocked(phase tracking.Phase, quad *geometry.Quad, stability int, captureNow bool) {
	c.version++
	torch := false
	if c.illum != nil {
		torch = c.illum.TorchOn()
	}
	c.snapshot = Snapshot{
		Version:    c.version,
		SessionID:  c.sessionID,
		Phase:      phase,
		Quad:       quad,
		Stability:  stability,
		StatusText: c.displayedStatus,
		CaptureNow: captureNow,
		TorchOn:    torch,
	}
}

// Snapshot returns the latest published view. The quad is copied so
// callers never alias pipeline-owned memory.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshot
	if s.Quad != nil {
		q := *s.Quad
		s.Quad = &q
	}
	return s
}

// DroppedFrames reports how many frames the throttler has discarded.
func (c *Controller) DroppedFrames() uint64 {
	return c.throttle.Dropped()
}

// SessionID returns the current session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) ocrLoop() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.ocrCh:
			if c.gate == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), ocrTimeout)
			c.gate.MaybeEvaluate(ctx, job.region, job.stability, job.ts)
			cancel()
		}
	}
}

// Reset opens a fresh session: tracking, gate, throttle and
// illumination all return to their initial state under a new session
// id. A stopped controller stays stopped.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		opsf("reset ignored: controller is stopped")
		return
	}

	c.cancelCaptureTimerLocked()
	c.tracker.Reset()
	if c.gate != nil {
		c.gate.Reset()
	}
	c.builder.Reset()
	c.throttle.Reset()
	if c.illum != nil {
		c.illum.Reset()
	}
	c.startSessionLocked(c.clock.Now())
}

// startSessionLocked initializes per-session state and publishes the
// initial searching snapshot.
func (c *Controller) startSessionLocked(now time.Time) {
	c.generation++
	c.sessionID = uuid.NewString()
	c.captureFired = false
	c.displayedStatus = statusSearching
	c.pendingStatus = ""
	diagf("session %s started", c.sessionID)
	if c.store != nil {
		if err := c.store.RecordSessionStart(c.sessionID, now); err != nil {
			opsf("session start not persisted: %v", err)
		}
	}
	c.publishLocked(tracking.PhaseSearching, nil, 0, false)
}

// Stop makes the controller inert: no further frames are processed, the
// capture timer is cancelled, the OCR worker exits and the torch is
// forced off. Idempotent and terminal.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.cancelCaptureTimerLocked()
	close(c.done)
	c.mu.Unlock()

	if c.illum != nil {
		c.illum.Stop()
	}
	diagf("pipeline stopped")
}

func (c *Controller) recordEventLocked(kind string, payload any, at time.Time) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordEvent(c.sessionID, kind, payload, at); err != nil {
		opsf("%s event not persisted: %v", kind, err)
	}
}

func lockPayload(res tracking.Result) map[string]any {
	p := map[string]any{"stability": res.Stability}
	if res.Quad != nil {
		p["long_side"] = res.Quad.LongSide()
		p["aspect"] = res.Quad.AspectRatio()
		p["area"] = res.Quad.Area()
	}
	return p
}
