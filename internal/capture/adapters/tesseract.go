package adapters

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// TesseractRecognizer runs OCR through a single gosseract client. The
// client is not safe for concurrent use, so calls are serialized; the
// pipeline's OCR worker is the only expected caller.
type TesseractRecognizer struct {
	// FastMaxWidth is the downscale target for the fast keyword pass.
	FastMaxWidth int

	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseractRecognizer creates a recognizer for the given language
// ("eng" when empty). Callers own the returned recognizer and must
// Close it.
func NewTesseractRecognizer(language string) (*TesseractRecognizer, error) {
	if language == "" {
		language = "eng"
	}
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language %q: %w", language, err)
	}
	return &TesseractRecognizer{FastMaxWidth: 640, client: client}, nil
}

func (r *TesseractRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Close()
}

// RecognizeText extracts text lines from region. The fast pass trades
// accuracy for latency: the region is downscaled and Tesseract runs in
// sparse-text mode, enough to spot receipt keywords.
func (r *TesseractRecognizer) RecognizeText(ctx context.Context, region image.Image, fast bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if region == nil {
		return nil, nil
	}

	mat, err := gocv.ImageToMatRGBA(region)
	if err != nil {
		return nil, fmt.Errorf("failed to convert region: %w", err)
	}
	defer mat.Close()

	psm := gosseract.PSM_AUTO
	if fast {
		psm = gosseract.PSM_SPARSE_TEXT
		if mat.Cols() > r.FastMaxWidth {
			scale := float64(r.FastMaxWidth) / float64(mat.Cols())
			resized := gocv.NewMat()
			gocv.Resize(mat, &resized, image.Point{}, scale, scale, gocv.InterpolationArea)
			mat.Close()
			mat = resized
		}
	}

	buf, err := gocv.IMEncode(".png", mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode region: %w", err)
	}
	defer buf.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.client.SetPageSegMode(psm); err != nil {
		return nil, err
	}
	if err := r.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, err
	}
	text, err := r.client.Text()
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
