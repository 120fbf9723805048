// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/radio"
)

// ErrNoAcknowledge is returned by the radio check when the station never
// answered.
var ErrNoAcknowledge = errors.New("station did not acknowledge")

// RunRadioCheck wakes stationID from the ground, repeating POWER_ON until the
// station acknowledges or attempts run out (0 means keep trying), then puts it
// back to sleep.
func RunRadioCheck(ctx context.Context, cfg *config.Config, stationID string, attempts int, logger *slog.Logger) error {
	if cfg.RadioSerialPort == "" {
		return errors.New("RADIO_SERIAL_PORT is required")
	}
	x, err := radio.Open(cfg.RadioSerialPort, uint(cfg.RadioBaudRate), logger)
	if err != nil {
		return err
	}
	defer x.Close()

	n, err := radioCheck(ctx, x, stationID, cfg.WakeAckTimeout, attempts, logger)
	if err != nil {
		return err
	}
	logger.Info("station answered", slog.String("station", stationID), slog.Int("attempts", n))
	return nil
}

func radioCheck(ctx context.Context, link radio.Link, stationID string, timeout time.Duration, attempts int, logger *slog.Logger) (int, error) {
	for n := 1; attempts == 0 || n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return n - 1, err
		}
		if err := link.Send(stationID, radio.PowerOn); err != nil {
			return n, fmt.Errorf("sending %s: %w", radio.PowerOn, err)
		}
		if link.AwaitAcknowledge(ctx, stationID, radio.PowerOn, timeout) {
			if err := link.Send(stationID, radio.PowerOff); err != nil {
				logger.Warn("sleep command failed", slog.Any("error", err))
			}
			return n, nil
		}
		logger.Info("no acknowledgment yet", slog.String("station", stationID), slog.Int("attempt", n))
	}
	return attempts, fmt.Errorf("%w after %d attempts", ErrNoAcknowledge, attempts)
}
