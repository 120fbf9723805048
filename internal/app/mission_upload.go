// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/mission"
	"github.com/relabs-tech/station_courier/internal/vehicle"
)

// RunMissionUpload encodes the YAML plan at planPath and uploads it to the
// flight controller, then reads it back to confirm the station markers.
func RunMissionUpload(ctx context.Context, cfg *config.Config, planPath string, logger *slog.Logger) error {
	ctrl, err := vehicle.Dial(ctx, cfg.FCAddress, cfg.FCBaud, logger)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	return uploadPlan(ctx, ctrl, planPath, logger)
}

func uploadPlan(ctx context.Context, ctrl vehicle.Controller, planPath string, logger *slog.Logger) error {
	// ---- 1) Encode the plan ----
	plan, err := mission.LoadPlan(planPath)
	if err != nil {
		return err
	}
	cmds, err := plan.Commands()
	if err != nil {
		return err
	}

	// ---- 2) Upload ----
	if err := ctrl.Upload(ctx, cmds); err != nil {
		return fmt.Errorf("uploading mission: %w", err)
	}
	logger.Info("mission uploaded", slog.Int("commands", len(cmds)))

	// ---- 3) Read back and list the markers ----
	got, err := ctrl.Commands(ctx)
	if err != nil {
		return fmt.Errorf("reading mission back: %w", err)
	}
	if len(got) != len(cmds) {
		return fmt.Errorf("mission read back with %d commands, uploaded %d", len(got), len(cmds))
	}
	for i := range cmds {
		if got[i].Kind != cmds[i].Kind {
			return fmt.Errorf("mission item %d read back as %s, uploaded %s", i, got[i].Kind, cmds[i].Kind)
		}
	}

	found := 0
	for from := 0; ; {
		m, ok := mission.FindNextStationMarker(got, from)
		if !ok {
			break
		}
		logger.Info("station marker", slog.String("station", m.StationID), slog.Int("index", m.Index))
		found++
		from = m.Index + 2
	}
	if found != len(plan.Stations) {
		return fmt.Errorf("mission read back with %d station markers, plan has %d", found, len(plan.Stations))
	}
	return nil
}
