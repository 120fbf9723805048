// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package radio is the low-bandwidth command link to the data stations.
package radio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// Command is a station power command.
type Command string

const (
	PowerOn  Command = "POWER_ON"
	PowerOff Command = "POWER_OFF"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("radio link closed")

// Link sends commands to stations and reports their acknowledgments.
type Link interface {
	Send(stationID string, cmd Command) error
	// AwaitAcknowledge reports whether stationID acknowledged cmd within timeout.
	AwaitAcknowledge(ctx context.Context, stationID string, cmd Command, timeout time.Duration) bool
}

// Open opens the XBee modem on a serial port.
func Open(portName string, baud uint, logger *slog.Logger) (*XBee, error) {
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
		return nil, fmt.Errorf("opening radio on %s: %w", portName, err)
	}
	logger.Info("radio serial port opened", slog.String("port", portName), slog.Uint64("baud", uint64(baud)))
	return NewXBee(port, logger), nil
}

// XBee speaks a line protocol through a transparent-mode XBee: commands go
// out as "<id>:<COMMAND>\n" and stations answer "<id>:<COMMAND>:ACK".
type XBee struct {
	port   io.ReadWriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	// awaiting holds commands sent and not yet acknowledged; only their
	// acks are kept in acked.
	mu       sync.Mutex
	awaiting map[string]bool
	acked    map[string]bool
	notify   chan struct{}
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewXBee starts reading acknowledgments from port.
func NewXBee(port io.ReadWriteCloser, logger *slog.Logger) *XBee {
	x := &XBee{
		port:    port,
		logger:  logger.With(slog.String("component", "radio")),
		awaiting: make(map[string]bool),
		acked:    make(map[string]bool),
		notify:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go x.readLoop()
	return x
}

func ackKey(stationID string, cmd Command) string {
	return stationID + ":" + string(cmd)
}

// parseAck splits "<id>:<COMMAND>:ACK". ok is false for anything else.
func parseAck(line string) (stationID string, cmd Command, ok bool) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	if len(parts) != 3 || parts[2] != "ACK" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], Command(parts[1]), true
}

func (x *XBee) readLoop() {
	defer close(x.done)

	scanner := bufio.NewScanner(x.port)
	for scanner.Scan() {
		line := scanner.Text()
		id, cmd, ok := parseAck(line)
		if !ok {
			if strings.TrimSpace(line) != "" {
				x.logger.Debug("ignoring radio line", slog.String("line", line))
			}
			continue
		}
		x.logger.Debug("ack received", slog.String("station", id), slog.String("command", string(cmd)))

		key := ackKey(id, cmd)
		x.mu.Lock()
		if x.awaiting[key] {
			x.acked[key] = true
			close(x.notify)
			x.notify = make(chan struct{})
		} else {
			x.logger.Debug("ignoring unsolicited ack", slog.String("station", id), slog.String("command", string(cmd)))
		}
		x.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		x.logger.Warn("radio read stopped", slog.Any("error", err))
	}
}

// Send transmits cmd. Acks stored from an earlier send of the same command
// are dropped, so only a reply to this one can satisfy AwaitAcknowledge.
func (x *XBee) Send(stationID string, cmd Command) error {
	key := ackKey(stationID, cmd)
	x.mu.Lock()
	closed := x.closed
	if !closed {
		delete(x.acked, key)
		x.awaiting[key] = true
	}
	x.mu.Unlock()
	if closed {
		return ErrClosed
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	if _, err := fmt.Fprintf(x.port, "%s:%s\n", stationID, cmd); err != nil {
		return fmt.Errorf("sending %s to station %s: %w", cmd, stationID, err)
	}
	x.logger.Debug("command sent", slog.String("station", stationID), slog.String("command", string(cmd)))
	return nil
}

// AwaitAcknowledge consumes the acknowledgment of the last Send of cmd to
// stationID. An ack that arrived before the call counts, so a reply racing
// the caller is never lost; acks after the first are ignored until the next
// Send.
func (x *XBee) AwaitAcknowledge(ctx context.Context, stationID string, cmd Command, timeout time.Duration) bool {
	key := ackKey(stationID, cmd)
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		x.mu.Lock()
		if x.acked[key] {
			delete(x.acked, key)
			delete(x.awaiting, key)
			x.mu.Unlock()
			return true
		}
		notify := x.notify
		x.mu.Unlock()

		select {
		case <-notify:
		case <-t.C:
			return false
		case <-ctx.Done():
			return false
		case <-x.done:
			return false
		}
	}
}

// Close closes the serial port and stops the reader.
func (x *XBee) Close() error {
	var err error
	x.closeOnce.Do(func() {
		x.mu.Lock()
		x.closed = true
		x.mu.Unlock()
		err = x.port.Close()
	})
	return err
}

// Silent is a Link with no modem behind it. Nothing is ever acknowledged, so
// the handler spends its wake retries and carries on best-effort.
type Silent struct{}

func (Silent) Send(string, Command) error { return nil }

func (Silent) AwaitAcknowledge(ctx context.Context, _ string, _ Command, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}
