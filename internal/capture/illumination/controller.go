// Package illumination owns the torch and exposure control loops.
//
// Responsibilities: sparse brightness/contrast sampling cadence, the
// latching torch policy, hysteretic torch control when latching is
// disabled, exposure-bias nudging for bright low-contrast (glossy)
// scenes, and rate-limited hardware writes.
// Key types: Controller, Hardware.
//
// Hardware failures are logged and ignored; they must never stall the
// tracking pipeline.
package illumination

import (
	"sync"
	"time"

	"github.com/paperglass/receipt.capture/internal/capture/frames"
	"github.com/paperglass/receipt.capture/internal/config"
	"github.com/paperglass/receipt.capture/internal/monitoring"
)

// Hardware abstracts the camera's illumination controls.
type Hardware interface {
	SetTorch(on bool) error
	SetExposureBias(stops float64) error
}

// ControllerConfig holds the illumination loop parameters.
type ControllerConfig struct {
	SampleInterval       time.Duration // evaluation cadence
	WriteInterval        time.Duration // minimum spacing between hardware writes
	ExposureEvalInterval time.Duration // exposure bias re-evaluation cadence

	TorchOnBrightness  float64 // below this the torch turns on
	TorchOffBrightness float64 // above this a non-latched torch turns off

	// LatchTorch keeps the torch on for the rest of the session once
	// low light has been seen, preventing flicker. When false the
	// hysteretic on/off thresholds govern instead.
	LatchTorch bool

	BrightBrightness     float64 // brightness above which glare handling applies
	LowContrastThreshold float64 // contrast below which the scene is washed out
	ExposureBiasStops    float64 // bias applied on bright low-contrast scenes
}

// ControllerConfigFromTuning builds a ControllerConfig from a loaded
// TuningConfig.
func ControllerConfigFromTuning(cfg *config.TuningConfig) ControllerConfig {
	return ControllerConfig{
		SampleInterval:       cfg.GetLumaSampleInterval(),
		WriteInterval:        cfg.GetHardwareWriteInterval(),
		ExposureEvalInterval: cfg.GetExposureEvalInterval(),
		TorchOnBrightness:    cfg.GetTorchOnBrightness(),
		TorchOffBrightness:   cfg.GetTorchOffBrightness(),
		LatchTorch:           true,
		BrightBrightness:     cfg.GetBrightBrightness(),
		LowContrastThreshold: cfg.GetLowContrastThreshold(),
		ExposureBiasStops:    cfg.GetExposureBiasStops(),
	}
}

// Controller drives torch and exposure bias from frame luma statistics.
// It runs on the frame-delivery path (sampling is cheap) and is safe for
// concurrent use with Snapshot readers.
type Controller struct {
	cfg ControllerConfig
	hw  Hardware

	mu               sync.Mutex
	stopped          bool
	torchOn          bool
	latched          bool
	bias             float64
	lastEval         time.Time
	lastWrite        time.Time
	lastExposureEval time.Time
}

// NewController creates an illumination controller in the neutral state.
func NewController(cfg ControllerConfig, hw Hardware) *Controller {
	return &Controller{cfg: cfg, hw: hw}
}

// Sample feeds one frame's luma statistics into the control loops. Calls
// arriving faster than the sample interval are ignored.
func (c *Controller) Sample(stats frames.LumaStats, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if !c.lastEval.IsZero() && now.Sub(c.lastEval) < c.cfg.SampleInterval {
		return
	}
	c.lastEval = now

	c.evalTorch(stats, now)
	c.evalExposure(stats, now)
}

func (c *Controller) evalTorch(stats frames.LumaStats, now time.Time) {
	want := c.torchOn
	if stats.Brightness < c.cfg.TorchOnBrightness {
		want = true
	} else if c.torchOn && !c.latched && stats.Brightness > c.cfg.TorchOffBrightness {
		want = false
	}

	if want == c.torchOn {
		return
	}
	if !c.writeAllowed(now) {
		return // deferred until the limiter opens; state stays unchanged
	}
	if err := c.hw.SetTorch(want); err != nil {
		monitoring.Logf("[illumination] torch write failed: %v", err)
		return
	}
	c.torchOn = want
	c.lastWrite = now
	if want && c.cfg.LatchTorch {
		// Latched: the torch stays on for the rest of the session
		// regardless of later brightness fluctuations.
		c.latched = true
	}
	monitoring.Logf("[illumination] torch %v (brightness %.2f)", want, stats.Brightness)
}

func (c *Controller) evalExposure(stats frames.LumaStats, now time.Time) {
	if !c.lastExposureEval.IsZero() && now.Sub(c.lastExposureEval) < c.cfg.ExposureEvalInterval {
		return
	}
	c.lastExposureEval = now

	// Bright, glossy, washed-out surfaces: pull exposure down. Anything
	// else returns to neutral.
	want := 0.0
	if stats.Brightness > c.cfg.BrightBrightness && stats.Contrast < c.cfg.LowContrastThreshold {
		want = c.cfg.ExposureBiasStops
	}

	if want == c.bias || !c.writeAllowed(now) {
		return
	}
	if err := c.hw.SetExposureBias(want); err != nil {
		monitoring.Logf("[illumination] exposure write failed: %v", err)
		return
	}
	c.bias = want
	c.lastWrite = now
	monitoring.Logf("[illumination] exposure bias %.2f (brightness %.2f, contrast %.3f)", want, stats.Brightness, stats.Contrast)
}

// writeAllowed implements the hardware write rate limiter. Callers hold mu.
func (c *Controller) writeAllowed(now time.Time) bool {
	return c.lastWrite.IsZero() || now.Sub(c.lastWrite) >= c.cfg.WriteInterval
}

// TorchOn reports the commanded torch state.
func (c *Controller) TorchOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.torchOn
}

// Latched reports whether the torch latch has engaged this session.
func (c *Controller) Latched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latched
}

// Bias returns the commanded exposure bias in stops.
func (c *Controller) Bias() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bias
}

// Stop forces the torch off and makes the controller inert. Idempotent;
// safe to call regardless of phase.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.torchOn {
		if err := c.hw.SetTorch(false); err != nil {
			monitoring.Logf("[illumination] torch off on stop failed: %v", err)
		}
		c.torchOn = false
	}
}

// Reset returns the controller and the hardware to the neutral state for
// a new session. Latched torch state and exposure bias are per-session
// and must not leak across restarts.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.torchOn {
		if err := c.hw.SetTorch(false); err != nil {
			monitoring.Logf("[illumination] torch reset failed: %v", err)
		}
	}
	if c.bias != 0 {
		if err := c.hw.SetExposureBias(0); err != nil {
			monitoring.Logf("[illumination] exposure reset failed: %v", err)
		}
	}
	c.stopped = false
	c.torchOn = false
	c.latched = false
	c.bias = 0
	c.lastEval = time.Time{}
	c.lastWrite = time.Time{}
	c.lastExposureEval = time.Time{}
}
