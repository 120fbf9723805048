// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/mission"
)

const metersPerDegree = 1.113195e5

var (
	_ Controller = (*Sim)(nil)
	_ Controller = (*MAVLink)(nil)
)

// SimConfig describes the bench vehicle.
type SimConfig struct {
	Home geo.Point
	// Speed is the ground speed in m/s.
	Speed float64
	// Acceptance is the radius in meters at which a waypoint counts as reached.
	Acceptance float64
	// Tick is the simulation step.
	Tick time.Duration
}

// Sim flies an uploaded mission in a straight line from command to command,
// the way an autopilot in AUTO would: DO commands complete at once, LOITER
// holds until the cursor is moved, LAND disarms on touchdown.
type Sim struct {
	cfg    SimConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmds      []mission.Command
	cursor    int
	pos       geo.Point
	hasFix    bool
	armed     bool
	mode      Mode
	listeners []func(Mode)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewSim(cfg SimConfig, logger *slog.Logger) *Sim {
	if cfg.Speed <= 0 {
		cfg.Speed = 22
	}
	if cfg.Acceptance <= 0 {
		cfg.Acceptance = 30
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 200 * time.Millisecond
	}
	return &Sim{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "sim")),
		pos:    cfg.Home,
		hasFix: true,
		mode:   ModeManual,
		closed: make(chan struct{}),
	}
}

// Arm arms the vehicle and switches to AUTO.
func (s *Sim) Arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
	_ = s.SetMode(context.Background(), ModeAuto)
}

// SetFix toggles GPS availability.
func (s *Sim) SetFix(ok bool) {
	s.mu.Lock()
	s.hasFix = ok
	s.mu.Unlock()
}

// Run advances the simulation every Tick until ctx is done or Close is called.
func (s *Sim) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case <-ticker.C:
			s.Step(s.cfg.Tick)
		}
	}
}

// Step advances the simulation by dt.
func (s *Sim) Step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed || s.mode != ModeAuto {
		return
	}
	budget := s.cfg.Speed * dt.Seconds()

	// DO commands and TAKEOFF complete without moving.
	for s.cursor < len(s.cmds) {
		c := s.cmds[s.cursor]
		if c.Kind == mission.KindTakeoff || !hasLocation(c) {
			s.cursor++
			continue
		}
		break
	}
	if s.cursor >= len(s.cmds) {
		return
	}

	c := s.cmds[s.cursor]
	s.pos = moveToward(s.pos, c.Location(), budget)
	if geo.Distance(s.pos, c.Location()) > s.cfg.Acceptance {
		return
	}

	switch c.Kind {
	case mission.KindLoiter:
		// Hold until someone moves the cursor.
	case mission.KindLand:
		s.pos = c.Location()
		s.armed = false
		s.logger.Info("touchdown, disarmed")
	default:
		s.cursor++
	}
}

func hasLocation(c mission.Command) bool {
	switch c.Kind {
	case mission.KindWaypoint, mission.KindLoiter, mission.KindLand, mission.KindLoiterToAlt:
		return true
	}
	return false
}

func moveToward(from, to geo.Point, meters float64) geo.Point {
	d := geo.Distance(from, to)
	if d <= meters || d == 0 {
		return to
	}
	f := meters / d
	return geo.Point{
		Lat: from.Lat + (to.Lat-from.Lat)*f,
		Lon: from.Lon + (to.Lon-from.Lon)*f,
	}
}

// Offset returns p moved east and north by the given meters, using the same
// planar approximation as geo.Distance.
func Offset(p geo.Point, east, north float64) geo.Point {
	return geo.Point{
		Lat: p.Lat + north/metersPerDegree,
		Lon: p.Lon + east/metersPerDegree,
	}
}

func (s *Sim) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Sim) Position() (geo.Point, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, s.hasFix
}

func (s *Sim) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Sim) SetMode(ctx context.Context, m Mode) error {
	if _, ok := customFromMode(m); !ok {
		return fmt.Errorf("mode %s cannot be commanded", m)
	}
	s.mu.Lock()
	changed := s.mode != m
	s.mode = m
	listeners := append([]func(Mode){}, s.listeners...)
	s.mu.Unlock()

	if changed {
		s.logger.Info("flight mode changed", slog.String("mode", m.String()))
		for _, fn := range listeners {
			fn(m)
		}
	}
	return nil
}

func (s *Sim) MissionCursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Sim) SetMissionCursor(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.cmds) {
		return fmt.Errorf("mission index %d out of range [0, %d]", n, len(s.cmds))
	}
	s.cursor = n
	return nil
}

func (s *Sim) Commands(ctx context.Context) ([]mission.Command, error) {
	select {
	case <-s.closed:
		return nil, ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mission.Command(nil), s.cmds...), nil
}

func (s *Sim) Upload(ctx context.Context, cmds []mission.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = mission.Reindex(append([]mission.Command(nil), cmds...))
	// item 0 is home, AUTO starts at 1
	s.cursor = 0
	if len(s.cmds) > 1 {
		s.cursor = 1
	}
	s.logger.Info("mission uploaded", slog.Int("items", len(cmds)))
	return nil
}

func (s *Sim) OnModeChange(fn func(Mode)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
