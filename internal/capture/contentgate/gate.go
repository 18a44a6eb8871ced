// Package contentgate owns the text-evidence precondition for capture.
//
// Responsibilities: the two-tier, independently throttled text
// recognition pipeline — a fast low-fidelity keyword hint, then a fuller
// confirmation requiring a currency-like amount — whose verdict gates
// the auto-capture trigger independently of geometric stability.
// Key types: Gate, Recognizer.
//
// The gate is written by the recognition worker and read by the
// detection path, so it carries its own lock.
package contentgate

import (
	"context"
	"image"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/paperglass/receipt.capture/internal/config"
	"github.com/paperglass/receipt.capture/internal/monitoring"
)

// Recognizer is the external text-recognition capability. fast selects a
// coarse low-resolution pass; implementations may block.
type Recognizer interface {
	RecognizeText(ctx context.Context, region image.Image, fast bool) ([]string, error)
}

// amountPattern matches currency-like numbers ("12.50", "1 234,00").
var amountPattern = regexp.MustCompile(`\d+[.,]\d{2}`)

// GateConfig holds the content gate parameters.
type GateConfig struct {
	FastStability int           // stability floor before the fast hint runs
	FastInterval  time.Duration // fast tier throttle
	FullStability int           // stability floor before the full pass runs
	FullInterval  time.Duration // full tier throttle

	Keywords []string // domain keyword fragments, matched case-insensitively

	// RequireAmount selects the strict two-tier policy: capture needs
	// the full keyword+amount confirmation. When false the keyword-only
	// fast hint suffices (relaxed policy, opt-in).
	RequireAmount bool

	// FastOnlyStability is the stability at which a passed fast hint
	// alone permits capture even under the strict policy.
	FastOnlyStability int
}

// GateConfigFromTuning builds a GateConfig from a loaded TuningConfig.
func GateConfigFromTuning(cfg *config.TuningConfig) GateConfig {
	return GateConfig{
		FastStability:     cfg.GetFastHintStability(),
		FastInterval:      cfg.GetFastHintInterval(),
		FullStability:     cfg.GetFullConfirmStability(),
		FullInterval:      cfg.GetFullConfirmInterval(),
		Keywords:          cfg.GetKeywords(),
		RequireAmount:     cfg.GetRequireAmount(),
		FastOnlyStability: cfg.GetOverrideStability(),
	}
}

// Gate accumulates text evidence across throttled recognition passes.
type Gate struct {
	cfg GateConfig
	rec Recognizer

	mu         sync.Mutex
	fastPassed bool
	fullPassed bool
	lastFast   time.Time
	lastFull   time.Time
}

// NewGate creates a content gate over the given recognizer.
func NewGate(cfg GateConfig, rec Recognizer) *Gate {
	return &Gate{cfg: cfg, rec: rec}
}

// Reset clears both tiers. Called whenever the phase returns to
// Searching and on session restart.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fastPassed = false
	g.fullPassed = false
	g.lastFast = time.Time{}
	g.lastFull = time.Time{}
}

// FastPassed reports whether the fast keyword hint has passed.
func (g *Gate) FastPassed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fastPassed
}

// FullPassed reports whether the full keyword+amount confirmation has
// passed.
func (g *Gate) FullPassed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fullPassed
}

// Verdict reports whether content evidence currently permits capture at
// the given stability. The strict policy requires the full confirmation;
// the fast hint alone suffices at very high stability, or always under
// the relaxed keyword-only policy.
func (g *Gate) Verdict(stability int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fullPassed {
		return true
	}
	if !g.fastPassed {
		return false
	}
	if !g.cfg.RequireAmount {
		return true
	}
	return stability >= g.cfg.FastOnlyStability
}

// MaybeEvaluate runs whichever tier is due at the given stability and
// returns true if any recognition ran. Recognizer failures are treated
// as empty results — a failed fast pass therefore reads as a negative
// and clears any stale full confirmation.
func (g *Gate) MaybeEvaluate(ctx context.Context, region image.Image, stability int, now time.Time) bool {
	fastDue, fullDue := g.due(stability, now)
	if !fastDue && !fullDue {
		return false
	}

	if fastDue {
		lines, err := g.rec.RecognizeText(ctx, region, true)
		if err != nil {
			monitoring.Logf("[contentgate] fast recognition failed: %v", err)
			lines = nil
		}
		hit := g.containsKeyword(lines)

		g.mu.Lock()
		g.lastFast = now
		g.fastPassed = hit
		if !hit {
			// A fast negative invalidates trust in a stale full pass.
			g.fullPassed = false
		}
		g.mu.Unlock()

		// Re-check the full tier against the fresh fast verdict.
		_, fullDue = g.due(stability, now)
	}

	if fullDue {
		lines, err := g.rec.RecognizeText(ctx, region, false)
		if err != nil {
			monitoring.Logf("[contentgate] full recognition failed: %v", err)
			lines = nil
		}

		g.mu.Lock()
		g.lastFull = now
		g.fullPassed = g.containsKeyword(lines) && containsAmount(lines)
		g.mu.Unlock()
	}

	return true
}

// due reports which tiers are eligible to run.
func (g *Gate) due(stability int, now time.Time) (fastDue, fullDue bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fastDue = stability >= g.cfg.FastStability &&
		(g.lastFast.IsZero() || now.Sub(g.lastFast) >= g.cfg.FastInterval)
	fullDue = g.fastPassed && stability >= g.cfg.FullStability &&
		(g.lastFull.IsZero() || now.Sub(g.lastFull) >= g.cfg.FullInterval)
	return fastDue, fullDue
}

func (g *Gate) containsKeyword(lines []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range g.cfg.Keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func containsAmount(lines []string) bool {
	for _, line := range lines {
		if amountPattern.MatchString(line) {
			return true
		}
	}
	return false
}
