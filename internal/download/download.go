// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package download pulls pending files off a data station. A Session owns one
// network connection for one attempt; an Attempt runs a session on its own
// goroutine so the owner can cap wall-clock time and walk away.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrConnectionTimeout means the station did not accept a connection in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionRefused means the station actively refused the connection.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTransferTimeout means a read or write stalled past the inactivity timeout.
	ErrTransferTimeout = errors.New("transfer timeout")
)

// Report summarizes what one session moved.
type Report struct {
	Files   int      `json:"files"`
	Bytes   int64    `json:"bytes"`
	Skipped int      `json:"skipped"`
	Paths   []string `json:"paths,omitempty"`
}

// Transfer is an open connection to a station's file store.
type Transfer interface {
	// DownloadAll copies every pending remote file into dest.
	DownloadAll(ctx context.Context, dest string) (Report, error)
	Close() error
}

// Opener connects to a station. rwTimeout bounds every read and write on the
// resulting connection.
type Opener interface {
	Open(ctx context.Context, address string, connectTimeout, rwTimeout time.Duration) (Transfer, error)
}

// Options configures a session.
type Options struct {
	Address        string
	ConnectTimeout time.Duration
	RWTimeout      time.Duration
	// Dest is the local directory files are written to.
	Dest string
}

// Session is one connected download attempt.
type Session struct {
	stationID string
	dest      string
	transfer  Transfer

	closeOnce sync.Once
	closeErr  error
}

// Connect opens a session to the station at opts.Address. Failures are
// reported as ErrConnectionTimeout or ErrConnectionRefused where possible.
func Connect(ctx context.Context, opener Opener, stationID string, opts Options) (*Session, error) {
	t, err := opener.Open(ctx, opts.Address, opts.ConnectTimeout, opts.RWTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to station %s at %s: %w", stationID, opts.Address, classifyConnect(err))
	}
	return &Session{stationID: stationID, dest: opts.Dest, transfer: t}, nil
}

// Run transfers all pending files.
func (s *Session) Run(ctx context.Context) (Report, error) {
	if err := os.MkdirAll(s.dest, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating download directory: %w", err)
	}
	r, err := s.transfer.DownloadAll(ctx, s.dest)
	if err != nil {
		return r, fmt.Errorf("downloading from station %s: %w", s.stationID, err)
	}
	return r, nil
}

// Close releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transfer.Close()
	})
	return s.closeErr
}

func classifyConnect(err error) error {
	switch {
	case errors.Is(err, ErrConnectionTimeout), errors.Is(err, ErrConnectionRefused):
		return err
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	}
	return err
}

// State is the lifecycle of an Attempt.
type State int32

const (
	StateRunning State = iota
	StateSucceeded
	StateFailed
	// StateAbandoned: the owner stopped waiting. The session keeps running
	// until it notices, closes its own connection, and its result is dropped.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is what a finished attempt hands back to its owner.
type Result struct {
	Report Report
	Err    error
}

// Attempt is a download session running on its own goroutine.
type Attempt struct {
	stationID string
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	result chan Result // buffered; the worker never blocks on it
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches connect+run for stationID and returns immediately.
func Start(ctx context.Context, opener Opener, stationID string, opts Options, logger *slog.Logger) *Attempt {
	ctx, cancel := context.WithCancel(ctx)
	a := &Attempt{
		stationID: stationID,
		logger:    logger,
		state:     StateRunning,
		result:    make(chan Result, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(a.done)
		defer cancel()

		r := a.run(ctx, opener, opts)
		a.finish(r)
	}()

	return a
}

func (a *Attempt) run(ctx context.Context, opener Opener, opts Options) Result {
	s, err := Connect(ctx, opener, a.stationID, opts)
	if err != nil {
		return Result{Err: err}
	}
	defer func() {
		if err := s.Close(); err != nil {
			a.logger.Warn("closing download session", slog.String("station", a.stationID), slog.Any("error", err))
		}
	}()

	report, err := s.Run(ctx)
	return Result{Report: report, Err: err}
}

func (a *Attempt) finish(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateAbandoned {
		a.logger.Info("abandoned download finished, result discarded",
			slog.String("station", a.stationID),
			slog.Int("files", r.Report.Files),
			slog.Any("error", r.Err))
		return
	}
	if r.Err != nil {
		a.state = StateFailed
	} else {
		a.state = StateSucceeded
	}
	a.result <- r
}

// Wait blocks for the result for at most timeout. ok is false when the
// timeout elapsed or ctx ended first.
func (a *Attempt) Wait(ctx context.Context, timeout time.Duration) (r Result, ok bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case r := <-a.result:
		return r, true
	case <-t.C:
		return Result{}, false
	case <-ctx.Done():
		return Result{}, false
	}
}

// Abandon gives up on a running attempt. It reports false if the attempt
// already finished, in which case its result can still be collected with
// Collect.
func (a *Attempt) Abandon() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateRunning {
		return false
	}
	a.state = StateAbandoned
	a.cancel()
	return true
}

// Collect returns a result that is already available, without waiting.
func (a *Attempt) Collect() (Result, bool) {
	select {
	case r := <-a.result:
		return r, true
	default:
		return Result{}, false
	}
}

// State returns the current lifecycle state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the worker goroutine has returned and its connection
// is closed.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}
