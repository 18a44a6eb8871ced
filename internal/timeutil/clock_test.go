package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClockNowAndSince(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	clock := NewMockClock(base)

	assert.Equal(t, base, clock.Now())
	clock.Advance(3 * time.Second)
	assert.Equal(t, base.Add(3*time.Second), clock.Now())
	assert.Equal(t, 3*time.Second, clock.Since(base))

	clock.Set(base.Add(time.Minute))
	assert.Equal(t, time.Minute, clock.Since(base))
}

func TestMockTimerFiresOnAdvance(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(1000, 0))
	timer := clock.NewTimer(500 * time.Millisecond)

	clock.Advance(400 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(100 * time.Millisecond)
	select {
	case fired := <-timer.C():
		assert.Equal(t, clock.Now(), fired)
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	// A fired timer does not fire again.
	clock.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("timer fired twice")
	default:
	}
}

func TestMockTimerStop(t *testing.T) {
	t.Parallel()

	clock := NewMockClock(time.Unix(1000, 0))
	timer := clock.NewTimer(time.Second)

	assert.True(t, timer.Stop(), "first stop reports the timer was active")
	assert.False(t, timer.Stop(), "second stop reports inactive")

	clock.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestRealClockTimer(t *testing.T) {
	t.Parallel()

	clock := RealClock{}
	start := clock.Now()
	timer := clock.NewTimer(10 * time.Millisecond)

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	require.GreaterOrEqual(t, clock.Since(start), 10*time.Millisecond)
}
