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
	stationID := flag.String("station", "", "station id to wake")
	attempts := flag.Int("attempts", 0, "give up after this many attempts, 0 to keep trying")
	flag.Parse()

	if *stationID == "" {
		log.Fatal("-station is required")
	}
	log.Printf("starting station courier radio check for station %s", *stationID)

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

	if err := app.RunRadioCheck(ctx, cfg, *stationID, *attempts, logger.Logger); err != nil {
		logger.Error(err.Error())
		cancel()
		os.Exit(1)
	}
}
