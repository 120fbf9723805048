package handshake

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEventIsSticky(t *testing.T) {
	e := NewEvent("wakeup")
	if e.IsSet() {
		t.Fatal("new event should be clear")
	}

	e.Set()
	e.Set()
	if !e.IsSet() {
		t.Error("event should stay set until cleared")
	}

	e.Clear()
	e.Clear()
	if e.IsSet() {
		t.Error("event should be clear after Clear")
	}
}

func TestEventWaitSetObservesLateSet(t *testing.T) {
	e := NewEvent("download")
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Set()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.WaitSet(ctx, time.Millisecond); err != nil {
		t.Fatalf("WaitSet: %v", err)
	}
	// A level signal is still visible to a poller that arrives late.
	if err := e.WaitSet(ctx, time.Millisecond); err != nil {
		t.Fatalf("second WaitSet: %v", err)
	}
}

func TestEventWaitClearCancelled(t *testing.T) {
	e := NewEvent("is-downloading")
	e.Set()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.WaitClear(ctx, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQueueHoldsOneID(t *testing.T) {
	q := NewQueue()
	if err := q.Put("42"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := q.Put("43"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected depth 1, got %d", q.Len())
	}

	id, err := q.Get(context.Background())
	if err != nil || id != "42" {
		t.Errorf("expected 42, got %q %v", id, err)
	}
	if q.Len() != 0 {
		t.Errorf("expected depth 0, got %d", q.Len())
	}
}

func TestQueueGetBlocksUntilCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestChannelFlags(t *testing.T) {
	c := NewChannel()
	c.Wakeup.Set()
	c.IsAwake.Set()

	f := c.Flags()
	if !f.Wakeup || !f.IsAwake || f.Download || f.NewStation || f.IsDownloading {
		t.Errorf("unexpected flags %+v", f)
	}
}
