// Command replay steps a recorded frame log through the capture
// pipeline and prints phase transitions and final metrics. Frame logs
// are JSONL: one record per frame with a millisecond offset, luma
// statistics, the detections the on-device detector produced, and any
// OCR text observed. Used for tuning thresholds offline against real
// capture sessions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/paperglass/receipt.capture/internal/capture/candidates"
	"github.com/paperglass/receipt.capture/internal/capture/frames"
	"github.com/paperglass/receipt.capture/internal/capture/geometry"
	"github.com/paperglass/receipt.capture/internal/capture/pipeline"
	"github.com/paperglass/receipt.capture/internal/config"
)

type detection struct {
	Corners    [4][2]float64 `json:"corners"` // unit square, Y up
	Confidence float64       `json:"confidence"`
}

type frameRecord struct {
	OffsetMs   int64       `json:"offset_ms"`
	Brightness float64     `json:"brightness"`
	Contrast   float64     `json:"contrast"`
	Detections []detection `json:"detections"`
	TextLines  []string    `json:"text_lines"`
}

// logDetector replays the recorded detections for the current frame.
type logDetector struct {
	mu    sync.Mutex
	quads []candidates.RawQuad
}

func (d *logDetector) set(dets []detection) {
	quads := make([]candidates.RawQuad, 0, len(dets))
	for _, det := range dets {
		var corners [4]geometry.Point
		for i, c := range det.Corners {
			corners[i] = geometry.Point{X: c[0], Y: c[1]}
		}
		quads = append(quads, candidates.RawQuad{Corners: corners, Confidence: det.Confidence})
	}
	d.mu.Lock()
	d.quads = quads
	d.mu.Unlock()
}

func (d *logDetector) Detect(ctx context.Context, img image.Image, roi *geometry.Rect) ([]candidates.RawQuad, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]candidates.RawQuad, len(d.quads))
	copy(out, d.quads)
	return out, nil
}

// logRecognizer replays the recorded OCR lines for the current frame.
type logRecognizer struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecognizer) set(lines []string) {
	r.mu.Lock()
	r.lines = lines
	r.mu.Unlock()
}

func (r *logRecognizer) RecognizeText(ctx context.Context, region image.Image, fast bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines, nil
}

func main() {
	logPath := flag.String("log", "", "JSONL frame log to replay")
	configPath := flag.String("config", "", "tuning config JSON (built-in defaults when empty)")
	verbose := flag.Bool("v", false, "print pipeline diagnostics to stderr")
	flag.Parse()

	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -log frames.jsonl [-config tuning.json] [-v]")
		os.Exit(2)
	}

	cfg := config.MustLoadDefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *verbose {
		pipeline.SetLogWriters(os.Stderr, os.Stderr, nil)
	}

	f, err := os.Open(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	det := &logDetector{}
	rec := &logRecognizer{}
	ctrl, err := pipeline.NewController(cfg, pipeline.Deps{Detector: det, Recognizer: rec})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build pipeline: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	base := time.Unix(0, 0)
	ctx := context.Background()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	var (
		framesRead int
		captured   bool
		lastPhase  string
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec0 frameRecord
		if err := json.Unmarshal(line, &rec0); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", framesRead+1, err)
			os.Exit(1)
		}
		framesRead++

		det.set(rec0.Detections)
		rec.set(rec0.TextLines)
		ts := base.Add(time.Duration(rec0.OffsetMs) * time.Millisecond)
		ctrl.ProcessFrame(ctx, frames.Frame{Timestamp: ts}, frames.LumaStats{
			Brightness: rec0.Brightness,
			Contrast:   rec0.Contrast,
			Samples:    1,
		})

		snap := ctrl.Snapshot()
		if string(snap.Phase) != lastPhase {
			fmt.Printf("%8dms  %-10s stability=%-3d %q\n", rec0.OffsetMs, snap.Phase, snap.Stability, snap.StatusText)
			lastPhase = string(snap.Phase)
		}
		if snap.CaptureNow {
			captured = true
			fmt.Printf("%8dms  capture fired\n", rec0.OffsetMs)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read log: %v\n", err)
		os.Exit(1)
	}

	snap := ctrl.Snapshot()
	fmt.Printf("\nframes=%d dropped=%d final_phase=%s captured=%v\n",
		framesRead, ctrl.DroppedFrames(), snap.Phase, captured)
}
