// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package status reports the companion's coarse health: PENDING while it
// looks for the flight controller, READY once the mission is loaded and
// FAILURE when the controller cannot be reached.
package status

import (
	"errors"
	"log/slog"
	"sync"
)

type Status int

const (
	Pending Status = iota
	Ready
	Failure
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Sink receives status reports.
type Sink interface {
	Report(s Status) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status) error

func (f SinkFunc) Report(s Status) error { return f(s) }

// LogSink writes every report to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Report(s Status) error {
	l.Logger.Info("status", slog.String("status", s.String()))
	return nil
}

// Fanout forwards each report to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Report(s Status) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Report(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Latest remembers the last reported status. The monitor reads it.
type Latest struct {
	mu  sync.Mutex
	cur Status
	set bool
}

func (l *Latest) Report(s Status) error {
	l.mu.Lock()
	l.cur, l.set = s, true
	l.mu.Unlock()
	return nil
}

// Get returns the last status, or ok=false before the first report.
func (l *Latest) Get() (s Status, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur, l.set
}
