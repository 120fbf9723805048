// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/station_courier/internal/app"
	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/logging"
	"github.com/relabs-tech/station_courier/internal/navigation"
)

// exitOverride is the exit status after the pilot took over with STABILIZE.
const exitOverride = 2

func main() {
	configPath := flag.String("c", "courier_config.txt", "path to the configuration file")
	flag.Parse()

	log.Println("starting station courier companion")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	logger, err := logging.New(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logger.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = app.RunCompanion(ctx, cfg, logger.Logger)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("companion stopped")
	case errors.Is(err, navigation.ErrOperatorOverride):
		logger.Warn(err.Error())
		cancel()
		_ = logger.Close()
		os.Exit(exitOverride)
	default:
		logger.Error(err.Error())
		cancel()
		_ = logger.Close()
		os.Exit(1)
	}
}
