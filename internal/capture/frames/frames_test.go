package frames

import (
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Luma statistics
// ---------------------------------------------------------------------------

// flatGray returns a w×h image filled with a single gray level.
func flatGray(w, h int, level uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	return img
}

func TestSampleLumaStats(t *testing.T) {
	t.Parallel()

	t.Run("flat image has zero contrast", func(t *testing.T) {
		t.Parallel()
		stats := SampleLumaStats(flatGray(100, 100, 128), 10)
		assert.InDelta(t, 128.0/255, stats.Brightness, 1e-9)
		assert.InDelta(t, 0, stats.Contrast, 1e-9)
		assert.Equal(t, 100, stats.Samples)
	})

	t.Run("half dark half bright", func(t *testing.T) {
		t.Parallel()
		img := image.NewGray(image.Rect(0, 0, 100, 100))
		for y := 0; y < 100; y++ {
			for x := 0; x < 100; x++ {
				if y < 50 {
					img.SetGray(x, y, color.Gray{Y: 0})
				} else {
					img.SetGray(x, y, color.Gray{Y: 255})
				}
			}
		}
		stats := SampleLumaStats(img, 10)
		assert.InDelta(t, 0.5, stats.Brightness, 0.01)
		assert.Greater(t, stats.Contrast, 0.4)
	})

	t.Run("nil image yields zero stats", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, LumaStats{}, SampleLumaStats(nil, 10))
	})

	t.Run("zero stride yields zero stats", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, LumaStats{}, SampleLumaStats(flatGray(10, 10, 50), 0))
	})
}

// ---------------------------------------------------------------------------
// Throttler
// ---------------------------------------------------------------------------

func TestThrottlerCadence(t *testing.T) {
	t.Parallel()

	th := NewThrottler(12) // ~83ms interval
	base := time.Unix(0, 0)

	require.True(t, th.Admit(base))
	th.Done()

	// Too soon: inside the minimum interval.
	assert.False(t, th.Admit(base.Add(40*time.Millisecond)))

	// Past the interval.
	assert.True(t, th.Admit(base.Add(90*time.Millisecond)))
	th.Done()

	assert.Equal(t, uint64(1), th.Dropped())
}

func TestThrottlerInFlight(t *testing.T) {
	t.Parallel()

	th := NewThrottler(12)
	base := time.Unix(0, 0)

	require.True(t, th.Admit(base))

	// In flight: dropped regardless of elapsed time.
	assert.False(t, th.Admit(base.Add(time.Second)))

	th.Done()
	assert.True(t, th.Admit(base.Add(2*time.Second)))
	th.Done()
}

func TestThrottlerZeroRate(t *testing.T) {
	t.Parallel()

	th := NewThrottler(0)
	base := time.Unix(0, 0)

	// No cadence gate: back-to-back admits allowed once released.
	require.True(t, th.Admit(base))
	th.Done()
	require.True(t, th.Admit(base))
	th.Done()
}

func TestThrottlerReset(t *testing.T) {
	t.Parallel()

	th := NewThrottler(12)
	base := time.Unix(0, 0)

	require.True(t, th.Admit(base))
	th.Done()
	require.False(t, th.Admit(base.Add(10*time.Millisecond)))

	th.Reset()
	assert.True(t, th.Admit(base.Add(20*time.Millisecond)))
	th.Done()
	assert.Equal(t, uint64(0), th.Dropped())
}

func TestThrottlerResetPreservesInFlight(t *testing.T) {
	t.Parallel()

	th := NewThrottler(12)
	base := time.Unix(0, 0)

	require.True(t, th.Admit(base))

	// An analysis admitted before the reset still owns the in-flight
	// slot: frames of the new session wait for its Done.
	th.Reset()
	assert.False(t, th.Admit(base.Add(time.Second)))

	th.Done()
	assert.True(t, th.Admit(base.Add(2*time.Second)))
	th.Done()
}

func TestThrottlerConcurrentAdmit(t *testing.T) {
	t.Parallel()

	th := NewThrottler(0)
	now := time.Unix(0, 0)

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Admit(now) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Only one goroutine may hold the in-flight flag.
	assert.Equal(t, int64(1), admitted)
	th.Done()
}
