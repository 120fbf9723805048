package geo

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
	}{
		{"same point", Point{47.0, 8.0}, Point{47.0, 8.0}, 0},
		{"one hundredth degree north", Point{47.0, 8.0}, Point{47.01, 8.0}, 1113.195},
		{"symmetric", Point{47.01, 8.0}, Point{47.0, 8.0}, 1113.195},
		{"diagonal", Point{0, 0}, Point{0.003, 0.004}, 556.5975},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Distance(%v, %v) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// approaching walks one step closer to the target on every call.
type approaching struct {
	calls atomic.Int32
	steps []Point
}

func (a *approaching) Position() (Point, bool) {
	i := int(a.calls.Add(1)) - 1
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	return a.steps[i], true
}

func TestWaitUntilWithinPollsUntilReached(t *testing.T) {
	target := Point{0, 0}
	src := &approaching{steps: []Point{{0.1, 0}, {0.05, 0}, {0.0005, 0}}}

	var samples []float64
	outcome, err := WaitUntilWithin(context.Background(), 100, target, src, time.Millisecond, func(d float64) {
		samples = append(samples, d)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeReached {
		t.Errorf("expected OutcomeReached, got %v", outcome)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("expected 3 position reads, got %d", got)
	}
	if len(samples) != 3 {
		t.Errorf("expected 3 progress samples, got %d", len(samples))
	}
}

func TestWaitUntilWithinNoFixReturnsImmediately(t *testing.T) {
	src := PositionFunc(func() (Point, bool) { return Point{}, false })

	start := time.Now()
	outcome, err := WaitUntilWithin(context.Background(), 100, Point{1, 1}, src, time.Hour, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeNoFix {
		t.Errorf("expected OutcomeNoFix, got %v", outcome)
	}
	if time.Since(start) > time.Second {
		t.Error("no-fix wait should not sleep")
	}
}

func TestWaitUntilWithinHonorsCancellation(t *testing.T) {
	far := PositionFunc(func() (Point, bool) { return Point{10, 10}, true })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := WaitUntilWithin(ctx, 100, Point{0, 0}, far, 5*time.Millisecond, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestFallback(t *testing.T) {
	none := PositionFunc(func() (Point, bool) { return Point{}, false })
	gps := PositionFunc(func() (Point, bool) { return Point{1, 2}, true })

	p, ok := Fallback(none, nil, gps).Position()
	if !ok || p != (Point{1, 2}) {
		t.Errorf("expected fallback to gps fix, got %v %v", p, ok)
	}

	if _, ok := Fallback(none).Position(); ok {
		t.Error("expected no fix when every source is empty")
	}
}
