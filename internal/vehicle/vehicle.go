// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package vehicle talks to the flight controller. Controller is what the rest
// of the companion needs from it; MAVLink is the real adapter and Sim a bench
// vehicle that flies an uploaded mission without hardware.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/mission"
)

var (
	// ErrNoHeartbeat means the link opened but no autopilot answered in time.
	ErrNoHeartbeat = errors.New("no heartbeat from flight controller")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("controller closed")
	// ErrMissionRejected means the autopilot refused an uploaded mission.
	ErrMissionRejected = errors.New("mission rejected by flight controller")
)

// Mode is the flight mode as far as the companion cares about it.
type Mode int

const (
	ModeOther Mode = iota
	ModeManual
	ModeStabilize
	ModeAuto
	ModeLoiter
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "MANUAL"
	case ModeStabilize:
		return "STABILIZE"
	case ModeAuto:
		return "AUTO"
	case ModeLoiter:
		return "LOITER"
	default:
		return "OTHER"
	}
}

// ParseMode accepts the names printed by String, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MANUAL":
		return ModeManual, nil
	case "STABILIZE":
		return ModeStabilize, nil
	case "AUTO":
		return ModeAuto, nil
	case "LOITER":
		return ModeLoiter, nil
	}
	return ModeOther, fmt.Errorf("unknown flight mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText reads a mode written by MarshalText.
func (m *Mode) UnmarshalText(text []byte) error {
	if string(text) == ModeOther.String() {
		*m = ModeOther
		return nil
	}
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ArduPlane custom_mode numbers.
const (
	planeManual    uint32 = 0
	planeStabilize uint32 = 2
	planeAuto      uint32 = 10
	planeLoiter    uint32 = 12
)

func modeFromCustom(custom uint32) Mode {
	switch custom {
	case planeManual:
		return ModeManual
	case planeStabilize:
		return ModeStabilize
	case planeAuto:
		return ModeAuto
	case planeLoiter:
		return ModeLoiter
	default:
		return ModeOther
	}
}

func customFromMode(m Mode) (uint32, bool) {
	switch m {
	case ModeManual:
		return planeManual, true
	case ModeStabilize:
		return planeStabilize, true
	case ModeAuto:
		return planeAuto, true
	case ModeLoiter:
		return planeLoiter, true
	default:
		return 0, false
	}
}

// Controller is the flight controller as seen by the companion. Position
// makes it a geo.PositionSource and SetMissionCursor a mission.CursorSetter.
type Controller interface {
	Armed() bool
	Position() (geo.Point, bool)
	Mode() Mode
	SetMode(ctx context.Context, m Mode) error

	// MissionCursor is the index of the command the autopilot is executing.
	MissionCursor() int
	SetMissionCursor(n int) error

	// Commands downloads the mission currently stored on the autopilot.
	Commands(ctx context.Context) ([]mission.Command, error)
	// Upload replaces the stored mission.
	Upload(ctx context.Context, cmds []mission.Command) error

	// OnModeChange registers fn to be called on every mode transition.
	OnModeChange(fn func(Mode))

	// Close releases the link. Safe to call more than once.
	Close() error
}
