// Command livecap runs the capture pipeline against a live camera or
// video stream using the OpenCV detector and Tesseract recognizer. It
// prints phase transitions, writes the frame that triggered
// auto-capture to disk, and exits. Desktop cameras expose no torch or
// exposure control, so the illumination side stays unwired here.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"gocv.io/x/gocv"

	"github.com/paperglass/receipt.capture/internal/capture/adapters"
	"github.com/paperglass/receipt.capture/internal/capture/frames"
	"github.com/paperglass/receipt.capture/internal/capture/pipeline"
	"github.com/paperglass/receipt.capture/internal/capture/storage/sqlite"
	"github.com/paperglass/receipt.capture/internal/config"
)

// maxReadFailures bounds consecutive empty or failed reads before the
// stream is declared dead.
const maxReadFailures = 50

func main() {
	device := flag.String("device", "0", "camera index or stream URL")
	configPath := flag.String("config", "", "tuning config JSON (built-in defaults when empty)")
	dbPath := flag.String("db", "", "sqlite file for session events (disabled when empty)")
	outPath := flag.String("out", "capture.png", "file for the auto-captured frame")
	lang := flag.String("lang", "eng", "tesseract language")
	verbose := flag.Bool("v", false, "print pipeline diagnostics to stderr")
	flag.Parse()

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

	webcam, err := gocv.OpenVideoCapture(*device)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open camera %q: %v\n", *device, err)
		os.Exit(1)
	}
	defer webcam.Close()
	if !webcam.IsOpened() {
		fmt.Fprintf(os.Stderr, "camera %q did not open\n", *device)
		os.Exit(1)
	}

	rec, err := adapters.NewTesseractRecognizer(*lang)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init tesseract: %v\n", err)
		os.Exit(1)
	}
	defer rec.Close()

	deps := pipeline.Deps{
		Detector:     adapters.NewGoCVDetector(),
		Preprocessor: adapters.NewGoCVPreprocessor(),
		Recognizer:   rec,
	}
	if *dbPath != "" {
		store, err := sqlite.Open(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open event store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		deps.Store = store
	}

	ctrl, err := pipeline.NewController(cfg, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build pipeline: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mat := gocv.NewMat()
	defer mat.Close()

	fmt.Printf("session %s: point the camera at a receipt (ctrl-c to quit)\n", ctrl.SessionID())

	var (
		failures   int
		lastPhase  string
		framesRead int
	)
	for ctx.Err() == nil {
		if !webcam.Read(&mat) || mat.Empty() {
			failures++
			if failures >= maxReadFailures {
				fmt.Fprintln(os.Stderr, "stream ended or stalled")
				os.Exit(1)
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		failures = 0
		framesRead++

		frameImg, err := mat.ToImage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "frame %d: %v\n", framesRead, err)
			continue
		}
		ctrl.HandleFrame(ctx, frames.Frame{Timestamp: time.Now(), Image: frameImg})

		snap := ctrl.Snapshot()
		if string(snap.Phase) != lastPhase {
			fmt.Printf("%-10s stability=%-3d %q\n", snap.Phase, snap.Stability, snap.StatusText)
			lastPhase = string(snap.Phase)
		}
		if snap.CaptureNow {
			if ok := gocv.IMWrite(*outPath, mat); !ok {
				fmt.Fprintf(os.Stderr, "write %s failed\n", *outPath)
				os.Exit(1)
			}
			fmt.Printf("captured after %d frames (dropped %d) -> %s\n",
				framesRead, ctrl.DroppedFrames(), *outPath)
			return
		}
	}
}
