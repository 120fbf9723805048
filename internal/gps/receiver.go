// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package gps reads a standalone NMEA receiver. It backs up the flight
// controller's position when telemetry drops out.
package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/station_courier/internal/geo"
)

// DefaultMaxAge is how old a fix may be before Position stops reporting it.
const DefaultMaxAge = 3 * time.Second

// Receiver keeps the latest fix parsed from an NMEA stream.
type Receiver struct {
	src    io.Reader
	closer io.Closer
	logger *slog.Logger
	maxAge time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current Fix
	onFix   []func(Fix)
}

// Open opens the receiver's serial port.
func Open(portName string, baud uint, logger *slog.Logger) (*Receiver, error) {
	// NOTE: PortName is usually /dev/serial0, /dev/ttyAMA0 or /dev/ttyUSB0.
	port, err := serial.Open(serial.OpenOptions{
		PortName:              portName,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("opening GPS on %s: %w", portName, err)
	}
	logger.Info("GPS serial port opened", slog.String("port", portName), slog.Uint64("baud", uint64(baud)))

	r := NewReceiver(port, logger)
	r.closer = port
	return r, nil
}

// NewReceiver parses NMEA sentences from src.
func NewReceiver(src io.Reader, logger *slog.Logger) *Receiver {
	return &Receiver{
		src:    src,
		logger: logger.With(slog.String("component", "gps")),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
}

// OnFix registers fn for every RMC fix. fn runs on the reader goroutine.
func (r *Receiver) OnFix(fn func(Fix)) {
	r.mu.Lock()
	r.onFix = append(r.onFix, fn)
	r.mu.Unlock()
}

// Run reads sentences until the stream ends or ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	if r.closer != nil {
		stop := context.AfterFunc(ctx, func() { _ = r.closer.Close() })
		defer stop()
	}

	reader := bufio.NewReader(r.src)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("GPS read: %w", err)
		}
		r.handleLine(line)
	}
}

func (r *Receiver) handleLine(line string) {
	line = strings.TrimSpace(line)
	// NMEA sentences start with '$'
	if !strings.HasPrefix(line, "$") {
		return
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy receivers emit partial sentences at power-up
		r.logger.Debug("NMEA parse error", slog.Any("error", err))
		return
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)

		r.mu.Lock()
		r.current.Time = m.Time.String()
		r.current.Date = m.Date.String()
		r.current.Latitude = m.Latitude
		r.current.Longitude = m.Longitude
		r.current.SpeedKnots = m.Speed
		r.current.CourseDeg = m.Course
		r.current.Validity = string(m.Validity)
		r.current.Received = r.now()
		fix := r.current
		listeners := append([]func(Fix){}, r.onFix...)
		r.mu.Unlock()

		for _, fn := range listeners {
			fn(fix)
		}

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		r.mu.Lock()
		r.current.Satellites = m.NumSatellites
		r.mu.Unlock()
	}
}

// Latest returns the last fix, valid or not.
func (r *Receiver) Latest() Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Position implements geo.PositionSource: a valid fix no older than maxAge.
func (r *Receiver) Position() (geo.Point, bool) {
	f := r.Latest()
	if !f.Valid() || f.Received.IsZero() || r.now().Sub(f.Received) > r.maxAge {
		return geo.Point{}, false
	}
	return f.Point(), true
}

func (r *Receiver) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
