// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mission

import (
	"fmt"

	"github.com/relabs-tech/station_courier/internal/geo"
)

// Kind classifies a mission command. Values are the MAVLink MAV_CMD numbers
// so that they survive a round trip through the flight controller.
type Kind uint16

const (
	KindUnknown     Kind = 0
	KindWaypoint    Kind = 16  // MAV_CMD_NAV_WAYPOINT
	KindLoiter      Kind = 17  // MAV_CMD_NAV_LOITER_UNLIM
	KindLand        Kind = 21  // MAV_CMD_NAV_LAND
	KindTakeoff     Kind = 22  // MAV_CMD_NAV_TAKEOFF
	KindLoiterToAlt Kind = 31  // MAV_CMD_NAV_LOITER_TO_ALT
	KindLandStart   Kind = 189 // MAV_CMD_DO_LAND_START
	KindRegionTag   Kind = 201 // MAV_CMD_DO_SET_ROI
)

func (k Kind) String() string {
	switch k {
	case KindWaypoint:
		return "WAYPOINT"
	case KindLoiter:
		return "LOITER"
	case KindLand:
		return "LAND"
	case KindTakeoff:
		return "TAKEOFF"
	case KindLoiterToAlt:
		return "LOITER-TO-ALT"
	case KindLandStart:
		return "LAND-START"
	case KindRegionTag:
		return "REGION-TAG"
	default:
		return fmt.Sprintf("CMD(%d)", uint16(k))
	}
}

// isLanding reports whether k belongs to the landing sequence.
func (k Kind) isLanding() bool {
	return k == KindLand || k == KindLandStart || k == KindLoiterToAlt
}

// Command is one item of the uploaded mission.
type Command struct {
	Index  int        `json:"index"`
	Kind   Kind       `json:"kind"`
	Params [4]float64 `json:"params"` // param1..param4
	Lat    float64    `json:"lat"`
	Lon    float64    `json:"lon"`
	Alt    float64    `json:"alt"` // meters, relative to home
}

// Location returns the command's target position.
func (c Command) Location() geo.Point {
	return geo.Point{Lat: c.Lat, Lon: c.Lon}
}

func (c Command) String() string {
	return fmt.Sprintf("#%d %s (%.6f, %.6f, %.0fm)", c.Index, c.Kind, c.Lat, c.Lon, c.Alt)
}

// Reindex sets every command's Index to its position in cmds.
func Reindex(cmds []Command) []Command {
	for i := range cmds {
		cmds[i].Index = i
	}
	return cmds
}

// LandingStarted reports whether the landing sequence begins at or before
// cursor, meaning the aircraft is already committed to landing.
func LandingStarted(cmds []Command, cursor int) bool {
	for i := 0; i < len(cmds) && i <= cursor; i++ {
		if cmds[i].Kind.isLanding() {
			return true
		}
	}
	return false
}
