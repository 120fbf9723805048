// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/gps"
	"github.com/relabs-tech/station_courier/internal/status"
)

// RunGPSMonitor reads the standalone GPS and logs every fix. With
// MQTT_BROKER set the fixes are also published as JSON on TOPIC_GPS.
func RunGPSMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.GPSSerialPort == "" {
		return errors.New("GPS_SERIAL_PORT is required")
	}

	// ---- 1) Connect to MQTT broker ----
	var pub status.Publisher
	if cfg.MQTTBroker != "" {
		client, err := status.Connect(cfg.MQTTBroker, cfg.MQTTClientID+"-gps")
		if err != nil {
			return err
		}
		defer disconnect(client)
		logger.Info("connected to MQTT broker", slog.String("broker", cfg.MQTTBroker))
		pub = client
	}

	// ---- 2) Open GPS serial port ----
	r, err := gps.Open(cfg.GPSSerialPort, uint(cfg.GPSBaudRate), logger)
	if err != nil {
		return err
	}
	defer r.Close()

	r.OnFix(fixReporter(pub, cfg.TopicGPS, logger))

	// ---- 3) Read until stopped ----
	return ignoreCanceled(r.Run(ctx))
}

func fixReporter(pub status.Publisher, topic string, logger *slog.Logger) func(gps.Fix) {
	return func(f gps.Fix) {
		logger.Info("GPS fix",
			slog.String("time", f.Time),
			slog.Bool("valid", f.Valid()),
			slog.Float64("lat", f.Latitude),
			slog.Float64("lon", f.Longitude),
			slog.Float64("speed_knots", f.SpeedKnots),
			slog.Int64("satellites", f.Satellites))

		if pub == nil {
			return
		}
		if err := status.PublishJSON(pub, topic, f); err != nil {
			logger.Warn("GPS publish failed", slog.Any("error", err))
		}
	}
}
