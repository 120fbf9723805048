// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package handshake couples the navigation loop and the data-station handler.
// The two loops share nothing but a station id queue and five sticky signals;
// both sides observe the signals by polling, so every signal is level
// triggered and stays set until its consumer clears it.
package handshake

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueFull is returned by Put when a station id is already waiting.
var ErrQueueFull = errors.New("station queue already holds an id")

// Event is a sticky boolean. Set and Clear are idempotent.
type Event struct {
	name string

	mu  sync.Mutex
	set bool
}

func NewEvent(name string) *Event {
	return &Event{name: name}
}

func (e *Event) Name() string { return e.name }

func (e *Event) Set() {
	e.mu.Lock()
	e.set = true
	e.mu.Unlock()
}

func (e *Event) Clear() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// WaitSet polls every interval until the event is set or ctx is done.
func (e *Event) WaitSet(ctx context.Context, interval time.Duration) error {
	return poll(ctx, interval, e.IsSet)
}

// WaitClear polls every interval until the event is clear or ctx is done.
func (e *Event) WaitClear(ctx context.Context, interval time.Duration) error {
	return poll(ctx, interval, func() bool { return !e.IsSet() })
}

// Until polls cond every interval until it holds or ctx is done.
func Until(ctx context.Context, interval time.Duration, cond func() bool) error {
	return poll(ctx, interval, cond)
}

func poll(ctx context.Context, interval time.Duration, cond func() bool) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Queue carries station ids from the navigation loop to the handler. It holds
// at most one id; the protocol never needs more.
type Queue struct {
	ch chan string
}

func NewQueue() *Queue {
	return &Queue{ch: make(chan string, 1)}
}

// Put enqueues id without blocking.
func (q *Queue) Put(id string) error {
	select {
	case q.ch <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Get blocks until an id is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (string, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the queue depth, 0 or 1.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Channel bundles the queue and the five signals shared by both loops. It is
// built once and handed to each loop at construction.
type Channel struct {
	Stations *Queue

	// Raised by navigation.
	NewStation *Event
	Wakeup     *Event
	Download   *Event

	// Raised by the handler.
	IsDownloading *Event
	IsAwake       *Event
}

func NewChannel() *Channel {
	return &Channel{
		Stations:      NewQueue(),
		NewStation:    NewEvent("new-station"),
		Wakeup:        NewEvent("wakeup"),
		Download:      NewEvent("download"),
		IsDownloading: NewEvent("is-downloading"),
		IsAwake:       NewEvent("is-awake"),
	}
}

// Flags is a point-in-time view of the five signals.
type Flags struct {
	NewStation    bool `json:"new_station"`
	Wakeup        bool `json:"wakeup"`
	Download      bool `json:"download"`
	IsDownloading bool `json:"is_downloading"`
	IsAwake       bool `json:"is_awake"`
}

func (c *Channel) Flags() Flags {
	return Flags{
		NewStation:    c.NewStation.IsSet(),
		Wakeup:        c.Wakeup.IsSet(),
		Download:      c.Download.IsSet(),
		IsDownloading: c.IsDownloading.IsSet(),
		IsAwake:       c.IsAwake.IsSet(),
	}
}
