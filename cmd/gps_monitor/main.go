// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/station_courier/internal/app"
	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/logging"
)

func main() {
	configPath := flag.String("c", "courier_config.txt", "path to the configuration file")
	flag.Parse()

	log.Println("starting station courier GPS monitor (NMEA → log/MQTT)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	logger, err := logging.New("", cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.RunGPSMonitor(ctx, cfg, logger.Logger); err != nil {
		logger.Error(err.Error())
		cancel()
		os.Exit(1)
	}
}
