// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package geo holds the position primitives used to pace a station handshake
// against the aircraft's progress: a short-range ground distance and a
// threshold wait over a polled position source.
package geo

import (
	"context"
	"math"
	"time"
)

// metersPerDegree converts a planar degree delta into meters. Taken from the
// ArduPilot autotest helpers; good enough below ~50 km and away from the poles.
const metersPerDegree = 1.113195e5

// DefaultPollInterval is the cadence WaitUntilWithin uses when given zero.
const DefaultPollInterval = time.Second

// Point is an immutable position snapshot in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionSource reports the current aircraft position. ok is false while
// there is no usable fix.
type PositionSource interface {
	Position() (p Point, ok bool)
}

// PositionFunc adapts a plain function to PositionSource.
type PositionFunc func() (Point, bool)

func (f PositionFunc) Position() (Point, bool) { return f() }

// Distance returns the approximate ground distance in meters between a and b.
func Distance(a, b Point) float64 {
	dlat := b.Lat - a.Lat
	dlon := b.Lon - a.Lon
	return math.Sqrt(dlat*dlat+dlon*dlon) * metersPerDegree
}

// Outcome tells the caller how a WaitUntilWithin returned.
type Outcome int

const (
	// OutcomeReached means the position was within the threshold.
	OutcomeReached Outcome = iota
	// OutcomeNoFix means the source had no fix and the gate was treated as satisfied.
	OutcomeNoFix
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReached:
		return "reached"
	case OutcomeNoFix:
		return "no-fix"
	default:
		return "unknown"
	}
}

// ProgressFunc is called with every distance sample taken while waiting.
type ProgressFunc func(distance float64)

// WaitUntilWithin polls src every interval until it is within threshold
// meters of target. A missing fix returns OutcomeNoFix straight away so that
// degraded telemetry never stalls the mission. There is no internal timeout;
// the wait ends early only when ctx is done.
func WaitUntilWithin(ctx context.Context, threshold float64, target Point, src PositionSource, interval time.Duration, progress ProgressFunc) (Outcome, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		if err := ctx.Err(); err != nil {
			return OutcomeReached, err
		}

		p, ok := src.Position()
		if !ok {
			return OutcomeNoFix, nil
		}

		d := Distance(p, target)
		if progress != nil {
			progress(d)
		}
		if d <= threshold {
			return OutcomeReached, nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return OutcomeReached, ctx.Err()
		case <-t.C:
		}
	}
}

// Fallback returns a source that answers with the first of sources that has
// a fix. Nil entries are skipped.
func Fallback(sources ...PositionSource) PositionSource {
	return PositionFunc(func() (Point, bool) {
		for _, s := range sources {
			if s == nil {
				continue
			}
			if p, ok := s.Position(); ok {
				return p, true
			}
		}
		return Point{}, false
	})
}
