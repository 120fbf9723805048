// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package station runs the data-station side of the handshake: wake the
// station over the radio, pull its files, put it back to sleep.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/relabs-tech/station_courier/internal/download"
	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/radio"
)

var (
	// ErrAbandoned marks a visit whose download outlived the overall timeout.
	ErrAbandoned = errors.New("download abandoned after overall timeout")
	// ErrInterrupted marks a visit cut short because the handler was stopped.
	ErrInterrupted = errors.New("download interrupted by shutdown")
)

type State int

const (
	StateIdle State = iota
	StateWaitingWakeup
	StateAwake
	StateDownloading
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitingWakeup:
		return "WAITING_WAKEUP"
	case StateAwake:
		return "AWAKE"
	case StateDownloading:
		return "DOWNLOADING"
	case StateSleeping:
		return "SLEEPING"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for v := State(0); v <= StateSleeping; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Transition is one state change of the handler.
type Transition struct {
	StationID string    `json:"station_id"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
}

// Visit is the handler's account of servicing one station.
type Visit struct {
	StationID    string
	Started      time.Time
	Finished     time.Time
	WakeAttempts int
	WakeAcked    bool
	Outcome      download.State
	Report       download.Report
	Err          error
}

// Recorder keeps a record of every visit.
type Recorder interface {
	RecordVisit(ctx context.Context, v Visit) error
}

// Config holds the handler's timing and download settings.
type Config struct {
	PollInterval   time.Duration
	WakeAckTimeout time.Duration
	WakeRetries    int
	OverallTimeout time.Duration
	// Download is the template for every session; Dest is the root directory
	// under which each station gets its own folder.
	Download download.Options
}

// DefaultConfig returns the flight-tested timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		WakeAckTimeout: 6 * time.Second,
		WakeRetries:    5,
		OverallTimeout: 60 * time.Second,
		Download: download.Options{
			ConnectTimeout: 20 * time.Second,
			RWTimeout:      20 * time.Second,
		},
	}
}

// Handler services one station at a time, in queue order.
type Handler struct {
	ch     *handshake.Channel
	link   radio.Link
	opener download.Opener
	cfg    Config

	logger    *slog.Logger
	observers []func(Transition)
	recorder  Recorder

	mu      sync.Mutex
	state   State
	station string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithObserver registers fn for every state transition. fn runs on the
// handler goroutine and must not block.
func WithObserver(fn func(Transition)) Option {
	return func(h *Handler) { h.observers = append(h.observers, fn) }
}

func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

func New(ch *handshake.Channel, link radio.Link, opener download.Opener, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		ch:     ch,
		link:   link,
		opener: opener,
		cfg:    cfg,
		logger: slog.Default(),
		state:  StateIdle,
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With(slog.String("component", "station"))
	return h
}

// State returns the current state and the station being serviced.
func (h *Handler) State() (State, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.station
}

func (h *Handler) transition(id string, to State) {
	h.mu.Lock()
	from := h.state
	h.state = to
	if to == StateIdle {
		h.station = ""
	} else {
		h.station = id
	}
	h.mu.Unlock()

	h.logger.Info("station state", slog.String("station", id), slog.String("from", from.String()), slog.String("to", to.String()))
	t := Transition{StationID: id, From: from, To: to, At: time.Now()}
	for _, fn := range h.observers {
		fn(t)
	}
}

// Run services stations until ctx is done and then returns ctx's error.
func (h *Handler) Run(ctx context.Context) error {
	for {
		if err := h.serviceNext(ctx); err != nil {
			return err
		}
	}
}

func (h *Handler) serviceNext(ctx context.Context) error {
	id, err := h.ch.Stations.Get(ctx)
	if err != nil {
		return err
	}
	h.ch.NewStation.Clear()

	v := Visit{StationID: id, Started: time.Now()}
	h.transition(id, StateWaitingWakeup)

	if err := h.ch.Wakeup.WaitSet(ctx, h.cfg.PollInterval); err != nil {
		h.transition(id, StateIdle)
		return err
	}

	v.WakeAttempts, v.WakeAcked = h.wake(ctx, id)
	if ctx.Err() != nil {
		h.powerOff(id)
		h.transition(id, StateIdle)
		return ctx.Err()
	}
	h.ch.IsAwake.Set()
	h.transition(id, StateAwake)

	if err := h.ch.Download.WaitSet(ctx, h.cfg.PollInterval); err != nil {
		v.Outcome, v.Err = download.StateFailed, err
		h.sleep(ctx, id, v)
		return err
	}

	h.ch.IsDownloading.Set()
	h.transition(id, StateDownloading)
	v.Outcome, v.Report, v.Err = h.download(ctx, id)
	h.ch.IsDownloading.Clear()

	h.sleep(ctx, id, v)
	return ctx.Err()
}

// wake sends POWER_ON until the station acknowledges or the retry budget is
// spent. A silent station is assumed awake anyway.
func (h *Handler) wake(ctx context.Context, id string) (attempts int, acked bool) {
	retries := h.cfg.WakeRetries
	if retries < 1 {
		retries = 1
	}
	for attempts = 1; attempts <= retries; attempts++ {
		if err := h.link.Send(id, radio.PowerOn); err != nil {
			h.logger.Warn("wake send failed", slog.String("station", id), slog.Int("attempt", attempts), slog.Any("error", err))
		} else if h.link.AwaitAcknowledge(ctx, id, radio.PowerOn, h.cfg.WakeAckTimeout) {
			h.logger.Info("station awake", slog.String("station", id), slog.Int("attempt", attempts))
			return attempts, true
		}
		if ctx.Err() != nil {
			return attempts, false
		}
	}
	h.logger.Warn("no wake acknowledgment, continuing as if awake",
		slog.String("station", id), slog.Int("attempts", retries))
	return retries, false
}

func (h *Handler) download(ctx context.Context, id string) (download.State, download.Report, error) {
	opts := h.cfg.Download
	opts.Dest = filepath.Join(h.cfg.Download.Dest, id)

	a := download.Start(ctx, h.opener, id, opts, h.logger)
	r, ok := a.Wait(ctx, h.cfg.OverallTimeout)
	if !ok && ctx.Err() != nil && a.Abandon() {
		h.logger.Warn("shutting down mid-download, abandoning session", slog.String("station", id))
		return download.StateFailed, download.Report{}, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	if !ok {
		if a.Abandon() {
			h.logger.Warn("download timed out, abandoning session",
				slog.String("station", id), slog.Duration("timeout", h.cfg.OverallTimeout))
			return download.StateAbandoned, download.Report{}, ErrAbandoned
		}
		// Finished in the same instant the wait gave up.
		r, _ = a.Collect()
	}

	if r.Err != nil {
		h.logger.Warn("download failed", slog.String("station", id), slog.Any("error", r.Err))
		return download.StateFailed, r.Report, r.Err
	}
	h.logger.Info("download complete",
		slog.String("station", id),
		slog.Int("files", r.Report.Files),
		slog.Int("skipped", r.Report.Skipped),
		slog.String("size", humanize.Bytes(uint64(r.Report.Bytes))))
	return download.StateSucceeded, r.Report, nil
}

func (h *Handler) powerOff(id string) {
	if err := h.link.Send(id, radio.PowerOff); err != nil {
		h.logger.Warn("sleep send failed", slog.String("station", id), slog.Any("error", err))
	}
}

// sleep issues POWER_OFF, clears the station's signals and records the visit.
func (h *Handler) sleep(ctx context.Context, id string, v Visit) {
	h.transition(id, StateSleeping)
	h.powerOff(id)

	h.ch.IsAwake.Clear()
	h.ch.Wakeup.Clear()
	h.ch.Download.Clear()

	v.Finished = time.Now()
	if h.recorder != nil {
		// The visit is recorded even while shutting down.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := h.recorder.RecordVisit(rctx, v); err != nil {
			h.logger.Warn("recording visit", slog.String("station", id), slog.Any("error", err))
		}
		cancel()
	}
	h.transition(id, StateIdle)
}

func (v Visit) String() string {
	return fmt.Sprintf("station %s: %s, %d files (%s), wake acked=%v after %d attempts",
		v.StationID, v.Outcome, v.Report.Files, humanize.Bytes(uint64(v.Report.Bytes)), v.WakeAcked, v.WakeAttempts)
}
