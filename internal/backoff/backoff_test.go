package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowth(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 30 * time.Second, JitterPct: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayNegativeAttempt(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Max: 60 * time.Second, JitterPct: 0}
	if got := p.Delay(-3); got != 2*time.Second {
		t.Errorf("Delay(-3) = %v, want %v", got, 2*time.Second)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: 1 * time.Second, Max: 30 * time.Second, JitterPct: 0.25}

	for attempt := 0; attempt < 6; attempt++ {
		base := 1 * time.Second
		for i := 0; i < attempt; i++ {
			base *= 2
		}
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)

		for i := 0; i < 100; i++ {
			d := p.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDelayNeverNegative(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, JitterPct: 1.0}
	for i := 0; i < 1000; i++ {
		if d := p.Delay(i % 8); d < 0 {
			t.Fatalf("Delay returned negative duration %v", d)
		}
	}
}
