// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package navigation paces the station handshake against the flight. It
// watches the mission for station markers, raises the handshake signals as
// the aircraft closes in, and moves the autopilot past each marker once the
// station has been serviced.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/mission"
	"github.com/relabs-tech/station_courier/internal/status"
	"github.com/relabs-tech/station_courier/internal/vehicle"
)

// ErrOperatorOverride is returned by Run when the pilot switched the
// aircraft to STABILIZE.
var ErrOperatorOverride = errors.New("operator override: flight mode switched to STABILIZE")

type State int

const (
	StateConnecting State = iota
	StateWaitingArm
	StateSeeking
	StateApproaching
	StateRendezvous
	StateArriving
	StateLandingMonitor
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitingArm:
		return "WAITING_ARM"
	case StateSeeking:
		return "SEEKING"
	case StateApproaching:
		return "APPROACHING"
	case StateRendezvous:
		return "RENDEZVOUS"
	case StateArriving:
		return "ARRIVING"
	case StateLandingMonitor:
		return "LANDING_MONITOR"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for v := State(0); v <= StateDone; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Dialer connects to the flight controller.
type Dialer func(ctx context.Context) (vehicle.Controller, error)

// Config holds the loop's pacing.
type Config struct {
	PollInterval    time.Duration
	ConnectBackoff  time.Duration
	ArmWait         time.Duration
	IdleWait        time.Duration
	NewStationGrace time.Duration

	WakeDistance     float64
	DownloadDistance float64
	ArrivalDistance  float64

	// Bench skips the distance gates so the handshake can be run on the ground.
	Bench bool
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		ConnectBackoff:   3 * time.Second,
		ArmWait:          3 * time.Second,
		IdleWait:         10 * time.Second,
		NewStationGrace:  5 * time.Second,
		WakeDistance:     5000,
		DownloadDistance: 1000,
		ArrivalDistance:  100,
	}
}

// Snapshot is the loop's externally visible state.
type Snapshot struct {
	State     State        `json:"state"`
	StationID string       `json:"station_id,omitempty"`
	Target    geo.Point    `json:"target"`
	Distance  float64      `json:"distance_m"`
	Cursor    int          `json:"cursor"`
	Armed     bool         `json:"armed"`
	Mode      vehicle.Mode `json:"mode"`
	Position  geo.Point    `json:"position"`
	HasFix    bool         `json:"has_fix"`
}

// Loop is the navigation side of the station handshake.
type Loop struct {
	dial   Dialer
	ch     *handshake.Channel
	cfg    Config
	logger *slog.Logger
	sink   status.Sink
	gps    geo.PositionSource

	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	ctrl       vehicle.Controller
	state      State
	marker     mission.Marker
	hasMarker  bool
	distance   float64
	lastStatus status.Status
	reported   bool
	observers  []func(Snapshot)
}

type Option func(*Loop)

func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithStatusSink sets where PENDING/READY/FAILURE are reported.
func WithStatusSink(s status.Sink) Option {
	return func(lp *Loop) { lp.sink = s }
}

// WithFallbackPosition adds a position source consulted when the flight
// controller has no fix.
func WithFallbackPosition(src geo.PositionSource) Option {
	return func(lp *Loop) { lp.gps = src }
}

// WithObserver registers fn for every state change. fn must not block.
func WithObserver(fn func(Snapshot)) Option {
	return func(lp *Loop) { lp.observers = append(lp.observers, fn) }
}

func New(dial Dialer, ch *handshake.Channel, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		dial:   dial,
		ch:     ch,
		cfg:    cfg,
		logger: slog.Default(),
		sink:   status.SinkFunc(func(status.Status) error { return nil }),
		sleep:  sleepCtx,
		state:  StateConnecting,
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With(slog.String("component", "navigation"))
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drives the mission until the aircraft has landed, ctx is cancelled, or
// the operator takes over. It returns nil after landing and
// ErrOperatorOverride after an override.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ctrl, err := l.connect(ctx)
	if err != nil {
		return err
	}

	ctrl.OnModeChange(func(m vehicle.Mode) {
		if m == vehicle.ModeStabilize {
			l.logger.Warn("operator override, shutting down")
			cancel(ErrOperatorOverride)
		}
	})

	err = l.fly(ctx, ctrl)
	if errors.Is(context.Cause(ctx), ErrOperatorOverride) {
		return ErrOperatorOverride
	}
	return err
}

// Controller returns the connected flight controller, or nil before connect.
func (l *Loop) Controller() vehicle.Controller {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctrl
}

// Close releases the flight controller. Safe to call more than once, and
// before Run has connected.
func (l *Loop) Close() error {
	if c := l.Controller(); c != nil {
		return c.Close()
	}
	return nil
}

func (l *Loop) connect(ctx context.Context) (vehicle.Controller, error) {
	l.setState(StateConnecting)
	l.report(status.Pending)

	for {
		ctrl, err := l.dial(ctx)
		if err == nil {
			l.mu.Lock()
			l.ctrl = ctrl
			l.mu.Unlock()
			return ctrl, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Error("flight controller connection failed",
			slog.Any("error", err), slog.Duration("retry_in", l.cfg.ConnectBackoff))
		l.report(status.Failure)
		if err := l.sleep(ctx, l.cfg.ConnectBackoff); err != nil {
			return nil, err
		}
	}
}

func (l *Loop) fly(ctx context.Context, ctrl vehicle.Controller) error {
	cursor := mission.NewCursor(ctrl, ctrl.MissionCursor())
	serviced := -1 // marker index of the last station handled

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.setState(StateSeeking)

		cmds, err := ctrl.Commands(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("reading mission", slog.Any("error", err))
			l.report(status.Failure)
			if err := l.sleep(ctx, l.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}
		l.report(status.Ready)

		cursor.Observe(ctrl.MissionCursor())
		from := cursor.High()
		if serviced >= 0 && from < serviced+2 {
			// The cursor write after the last visit failed. Retry it, but
			// never hand that station to the handler a second time.
			if _, err := cursor.AdvancePast(serviced); err != nil {
				l.logger.Warn("advancing mission cursor", slog.Int("marker", serviced), slog.Any("error", err))
			}
			from = serviced + 2
		}

		marker, ok := mission.FindNextStationMarker(cmds, from)
		if !ok {
			if mission.LandingStarted(cmds, from) {
				return l.monitorLanding(ctx, ctrl)
			}
			l.logger.Debug("no station ahead", slog.Int("cursor", from))
			if err := l.sleep(ctx, l.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}

		if !ctrl.Armed() {
			l.setState(StateWaitingArm)
			if err := l.sleep(ctx, l.cfg.ArmWait); err != nil {
				return err
			}
			continue
		}

		if err := l.visit(ctx, ctrl, cursor, marker); err != nil {
			return err
		}
		serviced = marker.Index
	}
}

// visit runs the navigation side of one station handshake.
func (l *Loop) visit(ctx context.Context, ctrl vehicle.Controller, cursor *mission.Cursor, m mission.Marker) error {
	log := l.logger.With(slog.String("station", m.StationID), slog.Int("marker", m.Index))

	l.mu.Lock()
	l.marker, l.hasMarker, l.distance = m, true, 0
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.hasMarker = false
		l.mu.Unlock()
	}()

	l.setState(StateApproaching)
	log.Info("station ahead", slog.Float64("lat", m.Target.Lat), slog.Float64("lon", m.Target.Lon))

	// Raised before the id is queued so the handler's clear on pickup wins.
	l.ch.NewStation.Set()
	for {
		err := l.ch.Stations.Put(m.StationID)
		if err == nil {
			break
		}
		if !errors.Is(err, handshake.ErrQueueFull) {
			return err
		}
		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			return err
		}
	}
	if err := l.sleep(ctx, l.cfg.NewStationGrace); err != nil {
		return err
	}

	if err := l.gate(ctx, ctrl, m, l.cfg.WakeDistance, "wake"); err != nil {
		return err
	}
	l.ch.Wakeup.Set()

	if err := l.gate(ctx, ctrl, m, l.cfg.DownloadDistance, "download"); err != nil {
		return err
	}
	l.ch.Download.Set()

	// The handler clears Download once it has put the station back to sleep.
	l.setState(StateRendezvous)
	if err := handshake.Until(ctx, l.cfg.PollInterval, func() bool {
		return !l.ch.Download.IsSet() && !l.ch.IsDownloading.IsSet()
	}); err != nil {
		return err
	}

	l.setState(StateArriving)
	if err := l.gate(ctx, ctrl, m, l.cfg.ArrivalDistance, "arrival"); err != nil {
		return err
	}

	l.ch.Wakeup.Clear()
	l.ch.Download.Clear()

	next, err := l.advance(ctx, cursor, m.Index)
	if err != nil {
		return err
	}
	log.Info("station passed", slog.Int("cursor", next))
	return nil
}

// advance moves the autopilot past the marker, retrying a failed write at the
// poll cadence. The flight never stops here: a cursor that cannot be set is
// logged and the write is retried on the next pass.
func (l *Loop) advance(ctx context.Context, cursor *mission.Cursor, markerIndex int) (int, error) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var next int
		if next, err = cursor.AdvancePast(markerIndex); err == nil {
			return next, nil
		}
		l.logger.Warn("advancing mission cursor", slog.Int("marker", markerIndex), slog.Any("error", err))
		if err := l.sleep(ctx, l.cfg.PollInterval); err != nil {
			return 0, err
		}
	}
	l.logger.Error("mission cursor not advanced", slog.Int("marker", markerIndex), slog.Any("error", err))
	return cursor.High(), nil
}

// gate waits until the aircraft is within threshold of the marker.
func (l *Loop) gate(ctx context.Context, ctrl vehicle.Controller, m mission.Marker, threshold float64, name string) error {
	if l.cfg.Bench {
		return ctx.Err()
	}
	src := geo.Fallback(ctrl, l.gps)
	outcome, err := geo.WaitUntilWithin(ctx, threshold, m.Target, src, l.cfg.PollInterval, func(d float64) {
		l.mu.Lock()
		l.distance = d
		l.mu.Unlock()
	})
	if err != nil {
		return err
	}
	if outcome == geo.OutcomeNoFix {
		l.logger.Warn("no position fix, treating gate as passed",
			slog.String("gate", name), slog.String("station", m.StationID))
	}
	return nil
}

func (l *Loop) monitorLanding(ctx context.Context, ctrl vehicle.Controller) error {
	l.setState(StateLandingMonitor)
	l.logger.Info("landing sequence started, waiting for touchdown")

	if err := handshake.Until(ctx, l.cfg.PollInterval, func() bool { return !ctrl.Armed() }); err != nil {
		return err
	}
	l.setState(StateDone)
	l.logger.Info("landed, mission complete")
	return nil
}

func (l *Loop) report(s status.Status) {
	l.mu.Lock()
	dup := l.reported && l.lastStatus == s
	l.lastStatus, l.reported = s, true
	l.mu.Unlock()
	if dup {
		return
	}
	if err := l.sink.Report(s); err != nil {
		l.logger.Warn("reporting status", slog.String("status", s.String()), slog.Any("error", err))
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if !changed {
		return
	}
	l.logger.Debug("navigation state", slog.String("state", s.String()))
	if len(l.observers) > 0 {
		snap := l.Snapshot()
		for _, fn := range l.observers {
			fn(snap)
		}
	}
}

// Snapshot returns the loop's current view of the flight.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	snap := Snapshot{State: l.state, Distance: l.distance}
	if l.hasMarker {
		snap.StationID = l.marker.StationID
		snap.Target = l.marker.Target
	}
	ctrl := l.ctrl
	l.mu.Unlock()

	if ctrl != nil {
		snap.Cursor = ctrl.MissionCursor()
		snap.Armed = ctrl.Armed()
		snap.Mode = ctrl.Mode()
		snap.Position, snap.HasFix = ctrl.Position()
	}
	return snap
}

func (s Snapshot) String() string {
	if s.StationID == "" {
		return s.State.String()
	}
	return fmt.Sprintf("%s station %s (%.0fm)", s.State, s.StationID, s.Distance)
}
