// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mission

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/relabs-tech/station_courier/internal/geo"
)

// Marker is a located data-station marker pair.
type Marker struct {
	// Index is the LOITER command; the REGION-TAG follows at Index+1.
	Index     int
	StationID string
	Target    geo.Point
}

// FindNextStationMarker scans cmds from fromIndex for a LOITER immediately
// followed by a REGION-TAG and returns the first such pair. Tags whose
// payload does not decode to a station id are passed over.
func FindNextStationMarker(cmds []Command, fromIndex int) (Marker, bool) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	for i := fromIndex; i+1 < len(cmds); i++ {
		if cmds[i].Kind != KindLoiter || cmds[i+1].Kind != KindRegionTag {
			continue
		}
		id, ok := DecodeStationID(cmds[i+1])
		if !ok {
			continue
		}
		return Marker{Index: i, StationID: id, Target: cmds[i].Location()}, true
	}
	return Marker{}, false
}

// DecodeStationID reads the station id out of a REGION-TAG payload (param 3).
// Flight controllers store params as float32, so the value is rounded.
func DecodeStationID(tag Command) (string, bool) {
	v := tag.Params[2]
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return "", false
	}
	r := math.Round(v)
	if math.Abs(v-r) > 1e-3 || r > math.MaxInt32 {
		return "", false
	}
	return strconv.FormatInt(int64(r), 10), true
}

// EncodeStationID is the inverse of DecodeStationID.
func EncodeStationID(id string) (float64, error) {
	n, err := strconv.ParseUint(id, 10, 31)
	if err != nil {
		return 0, fmt.Errorf("station id %q is not a decimal integer: %w", id, err)
	}
	return float64(n), nil
}

// CursorSetter is the part of the flight controller that moves the mission pointer.
type CursorSetter interface {
	SetMissionCursor(n int) error
}

// Cursor guards the flight controller's next-command pointer so that it only
// ever moves forward.
type Cursor struct {
	mu   sync.Mutex
	dst  CursorSetter
	high int
}

// NewCursor wraps dst; start is the pointer value observed at connect time.
func NewCursor(dst CursorSetter, start int) *Cursor {
	return &Cursor{dst: dst, high: start}
}

// AdvancePast resumes the mission after the marker pair at markerIndex,
// returning the pointer value now in effect. A target at or below the
// highest value already set leaves the controller untouched.
func (c *Cursor) AdvancePast(markerIndex int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := markerIndex + 2
	if next <= c.high {
		return c.high, nil
	}
	if err := c.dst.SetMissionCursor(next); err != nil {
		return c.high, fmt.Errorf("advancing mission cursor to %d: %w", next, err)
	}
	c.high = next
	return next, nil
}

// Observe records a pointer value reported by the controller, so that
// autopilot progress is never undone by a later AdvancePast.
func (c *Cursor) Observe(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.high {
		c.high = n
	}
}

// High returns the highest pointer value seen or set.
func (c *Cursor) High() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.high
}
