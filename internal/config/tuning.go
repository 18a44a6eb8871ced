// Package config loads and validates the tuning parameters that shape
// throttling, candidate filtering, tracking, content gating and
// illumination behaviour. Values live in a JSON file; every field is
// optional and falls back to a compiled-in default.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning parameters.
// All fields are pointers so a partial JSON file only overrides what it
// names; the Get* accessors supply compiled-in fallbacks for the rest.
type TuningConfig struct {
	// Frame throttle params
	MaxFrameRate *float64 `json:"max_frame_rate,omitempty"`

	// Candidate builder params
	MaxCandidateAspect   *float64 `json:"max_candidate_aspect,omitempty"`
	MinAreaFraction      *float64 `json:"min_area_fraction,omitempty"`
	MinLongSideFraction  *float64 `json:"min_long_side_fraction,omitempty"`
	ConfidenceFloor      *float64 `json:"confidence_floor,omitempty"`
	BoostedConfidence    *float64 `json:"boosted_confidence_floor,omitempty"`
	TargetAspect         *float64 `json:"target_aspect,omitempty"`
	NoDetectionStreak    *int     `json:"no_detection_streak,omitempty"`
	LowContrastThreshold *float64 `json:"low_contrast_threshold,omitempty"`

	// Quad tracker params
	SameQuadDisplacement *float64 `json:"same_quad_displacement,omitempty"`
	SwitchScoreMargin    *float64 `json:"switch_score_margin,omitempty"`
	AmbiguityMargin      *float64 `json:"ambiguity_margin,omitempty"`
	StagnationTimeout    *string  `json:"stagnation_timeout,omitempty"` // duration string like "2s"
	StuckTimeout         *string  `json:"stuck_timeout,omitempty"`      // duration string like "3.5s"
	StuckStabilityMargin *int     `json:"stuck_stability_margin,omitempty"`

	// Smoothing params
	SmoothingAlphaMin       *float64 `json:"smoothing_alpha_min,omitempty"`
	SmoothingAlphaMax       *float64 `json:"smoothing_alpha_max,omitempty"`
	SmoothingAlphaStableCap *float64 `json:"smoothing_alpha_stable_cap,omitempty"`
	StableAlphaStability    *int     `json:"stable_alpha_stability,omitempty"`

	// Stability / phase params
	LowMotionDisplacement *float64 `json:"low_motion_displacement,omitempty"`
	StabilityGain         *int     `json:"stability_gain,omitempty"`
	StabilityGainAmbig    *int     `json:"stability_gain_ambiguous,omitempty"`
	StabilityDecay        *int     `json:"stability_decay,omitempty"`
	DropoutDecay          *int     `json:"dropout_decay,omitempty"`
	StabilityMax          *int     `json:"stability_max,omitempty"`
	LockStability         *int     `json:"lock_stability,omitempty"`
	OverrideStability     *int     `json:"override_stability,omitempty"`
	ReadyLongSide         *float64 `json:"ready_long_side,omitempty"`
	ReadyAspect           *float64 `json:"ready_aspect,omitempty"`
	LockDelay             *string  `json:"lock_delay,omitempty"`   // duration string like "450ms"
	GraceWindow           *string  `json:"grace_window,omitempty"` // duration string like "850ms"

	// Content gate params
	FastHintStability    *int     `json:"fast_hint_stability,omitempty"`
	FastHintInterval     *string  `json:"fast_hint_interval,omitempty"`
	FullConfirmStability *int     `json:"full_confirm_stability,omitempty"`
	FullConfirmInterval  *string  `json:"full_confirm_interval,omitempty"`
	RequireAmount        *bool    `json:"require_amount,omitempty"`
	Keywords             []string `json:"keywords,omitempty"`

	// Illumination params
	LumaSampleInterval    *string  `json:"luma_sample_interval,omitempty"`
	HardwareWriteInterval *string  `json:"hardware_write_interval,omitempty"`
	TorchOnBrightness     *float64 `json:"torch_on_brightness,omitempty"`
	TorchOffBrightness    *float64 `json:"torch_off_brightness,omitempty"`
	ExposureEvalInterval  *string  `json:"exposure_eval_interval,omitempty"`
	ExposureBiasStops     *float64 `json:"exposure_bias_stops,omitempty"`
	BrightBrightness      *float64 `json:"bright_brightness,omitempty"`

	// Pipeline params
	StatusDebounce *string `json:"status_debounce,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the JSON retain their compiled-in defaults, so partial configs are
// safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath. It searches the current directory and common parent
// directories. Panics if the file cannot be loaded — intended for test
// setup and binaries that have already validated config availability.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/capture/<pkg>/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	checkUnit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	for name, v := range map[string]*float64{
		"max_candidate_aspect":       c.MaxCandidateAspect,
		"min_area_fraction":          c.MinAreaFraction,
		"min_long_side_fraction":     c.MinLongSideFraction,
		"confidence_floor":           c.ConfidenceFloor,
		"boosted_confidence_floor":   c.BoostedConfidence,
		"target_aspect":              c.TargetAspect,
		"smoothing_alpha_min":        c.SmoothingAlphaMin,
		"smoothing_alpha_max":        c.SmoothingAlphaMax,
		"smoothing_alpha_stable_cap": c.SmoothingAlphaStableCap,
		"torch_on_brightness":        c.TorchOnBrightness,
		"torch_off_brightness":       c.TorchOffBrightness,
		"ready_long_side":            c.ReadyLongSide,
		"ready_aspect":               c.ReadyAspect,
	} {
		if err := checkUnit(name, v); err != nil {
			return err
		}
	}

	if c.MaxFrameRate != nil && (*c.MaxFrameRate <= 0 || *c.MaxFrameRate > 120) {
		return fmt.Errorf("max_frame_rate must be in (0, 120], got %f", *c.MaxFrameRate)
	}
	if c.StabilityMax != nil && *c.StabilityMax <= 0 {
		return fmt.Errorf("stability_max must be positive, got %d", *c.StabilityMax)
	}
	if c.LockStability != nil && c.StabilityMax != nil && *c.LockStability > *c.StabilityMax {
		return fmt.Errorf("lock_stability %d exceeds stability_max %d", *c.LockStability, *c.StabilityMax)
	}

	// Lock delay has a sanctioned range: long enough to let the user hold
	// steady, short enough to feel responsive.
	if c.LockDelay != nil && *c.LockDelay != "" {
		d, err := time.ParseDuration(*c.LockDelay)
		if err != nil {
			return fmt.Errorf("invalid lock_delay %q: %w", *c.LockDelay, err)
		}
		if d < 200*time.Millisecond || d > time.Second {
			return fmt.Errorf("lock_delay must be between 200ms and 1s, got %v", d)
		}
	}

	for name, v := range map[string]*string{
		"stagnation_timeout":      c.StagnationTimeout,
		"stuck_timeout":           c.StuckTimeout,
		"grace_window":            c.GraceWindow,
		"fast_hint_interval":      c.FastHintInterval,
		"full_confirm_interval":   c.FullConfirmInterval,
		"luma_sample_interval":    c.LumaSampleInterval,
		"hardware_write_interval": c.HardwareWriteInterval,
		"exposure_eval_interval":  c.ExposureEvalInterval,
		"status_debounce":         c.StatusDebounce,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, *v, err)
			}
		}
	}

	return nil
}

func getFloat(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

func getInt(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}

func getBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v != nil && *v != "" {
		if d, err := time.ParseDuration(*v); err == nil {
			return d
		}
	}
	return def
}

// Frame throttle accessors.

func (c *TuningConfig) GetMaxFrameRate() float64 { return getFloat(c.MaxFrameRate, 12) }

// Candidate builder accessors.

func (c *TuningConfig) GetMaxCandidateAspect() float64  { return getFloat(c.MaxCandidateAspect, 0.88) }
func (c *TuningConfig) GetMinAreaFraction() float64     { return getFloat(c.MinAreaFraction, 0.035) }
func (c *TuningConfig) GetMinLongSideFraction() float64 { return getFloat(c.MinLongSideFraction, 0.30) }
func (c *TuningConfig) GetConfidenceFloor() float64     { return getFloat(c.ConfidenceFloor, 0.45) }
func (c *TuningConfig) GetBoostedConfidenceFloor() float64 {
	return getFloat(c.BoostedConfidence, 0.35)
}
func (c *TuningConfig) GetTargetAspect() float64  { return getFloat(c.TargetAspect, 0.33) }
func (c *TuningConfig) GetNoDetectionStreak() int { return getInt(c.NoDetectionStreak, 3) }
func (c *TuningConfig) GetLowContrastThreshold() float64 {
	return getFloat(c.LowContrastThreshold, 0.06)
}

// Quad tracker accessors.

func (c *TuningConfig) GetSameQuadDisplacement() float64 { return getFloat(c.SameQuadDisplacement, 0.06) }
func (c *TuningConfig) GetSwitchScoreMargin() float64    { return getFloat(c.SwitchScoreMargin, 0.15) }
func (c *TuningConfig) GetAmbiguityMargin() float64      { return getFloat(c.AmbiguityMargin, 0.15) }
func (c *TuningConfig) GetStagnationTimeout() time.Duration {
	return getDuration(c.StagnationTimeout, 2*time.Second)
}
func (c *TuningConfig) GetStuckTimeout() time.Duration {
	return getDuration(c.StuckTimeout, 3500*time.Millisecond)
}
func (c *TuningConfig) GetStuckStabilityMargin() int { return getInt(c.StuckStabilityMargin, 3) }

// Smoothing accessors.

func (c *TuningConfig) GetSmoothingAlphaMin() float64 { return getFloat(c.SmoothingAlphaMin, 0.22) }
func (c *TuningConfig) GetSmoothingAlphaMax() float64 { return getFloat(c.SmoothingAlphaMax, 0.55) }
func (c *TuningConfig) GetSmoothingAlphaStableCap() float64 {
	return getFloat(c.SmoothingAlphaStableCap, 0.10)
}
func (c *TuningConfig) GetStableAlphaStability() int { return getInt(c.StableAlphaStability, 12) }

// Stability / phase accessors.

func (c *TuningConfig) GetLowMotionDisplacement() float64 {
	return getFloat(c.LowMotionDisplacement, 0.018)
}
func (c *TuningConfig) GetStabilityGain() int          { return getInt(c.StabilityGain, 5) }
func (c *TuningConfig) GetStabilityGainAmbiguous() int { return getInt(c.StabilityGainAmbig, 3) }
func (c *TuningConfig) GetStabilityDecay() int         { return getInt(c.StabilityDecay, 1) }
func (c *TuningConfig) GetDropoutDecay() int           { return getInt(c.DropoutDecay, 2) }
func (c *TuningConfig) GetStabilityMax() int           { return getInt(c.StabilityMax, 30) }
func (c *TuningConfig) GetLockStability() int          { return getInt(c.LockStability, 18) }
func (c *TuningConfig) GetOverrideStability() int      { return getInt(c.OverrideStability, 24) }
func (c *TuningConfig) GetReadyLongSide() float64      { return getFloat(c.ReadyLongSide, 0.45) }
func (c *TuningConfig) GetReadyAspect() float64        { return getFloat(c.ReadyAspect, 0.78) }
func (c *TuningConfig) GetLockDelay() time.Duration {
	return getDuration(c.LockDelay, 450*time.Millisecond)
}
func (c *TuningConfig) GetGraceWindow() time.Duration {
	return getDuration(c.GraceWindow, 850*time.Millisecond)
}

// Content gate accessors.

func (c *TuningConfig) GetFastHintStability() int { return getInt(c.FastHintStability, 6) }
func (c *TuningConfig) GetFastHintInterval() time.Duration {
	return getDuration(c.FastHintInterval, 220*time.Millisecond)
}
func (c *TuningConfig) GetFullConfirmStability() int { return getInt(c.FullConfirmStability, 15) }
func (c *TuningConfig) GetFullConfirmInterval() time.Duration {
	return getDuration(c.FullConfirmInterval, 300*time.Millisecond)
}
func (c *TuningConfig) GetRequireAmount() bool { return getBool(c.RequireAmount, true) }
func (c *TuningConfig) GetKeywords() []string {
	if len(c.Keywords) > 0 {
		return c.Keywords
	}
	return []string{"total", "subtotal", "amount", "receipt", "cash", "change", "tax"}
}

// Illumination accessors.

func (c *TuningConfig) GetLumaSampleInterval() time.Duration {
	return getDuration(c.LumaSampleInterval, 350*time.Millisecond)
}
func (c *TuningConfig) GetHardwareWriteInterval() time.Duration {
	return getDuration(c.HardwareWriteInterval, 900*time.Millisecond)
}
func (c *TuningConfig) GetTorchOnBrightness() float64  { return getFloat(c.TorchOnBrightness, 0.20) }
func (c *TuningConfig) GetTorchOffBrightness() float64 { return getFloat(c.TorchOffBrightness, 0.28) }
func (c *TuningConfig) GetExposureEvalInterval() time.Duration {
	return getDuration(c.ExposureEvalInterval, 600*time.Millisecond)
}
func (c *TuningConfig) GetExposureBiasStops() float64 { return getFloat(c.ExposureBiasStops, -0.45) }
func (c *TuningConfig) GetBrightBrightness() float64  { return getFloat(c.BrightBrightness, 0.65) }

// Pipeline accessors.

func (c *TuningConfig) GetStatusDebounce() time.Duration {
	return getDuration(c.StatusDebounce, 800*time.Millisecond)
}
