// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package vehicle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/mission"
)

const (
	// companionSystemID identifies this process on the MAVLink network.
	companionSystemID = 191

	heartbeatTimeout = 5 * time.Second
	itemTimeout      = 1500 * time.Millisecond
	itemRetries      = 3
	missionTimeout   = 30 * time.Second

	// positionMaxAge is how old the last GLOBAL_POSITION_INT may be before
	// Position stops reporting it.
	positionMaxAge = 3 * time.Second
)

// endpointFor turns an FC_ADDRESS value into a gomavlib endpoint:
// /dev/... (serial), udp:host:port, udpserver:host:port or tcp:host:port.
func endpointFor(address string, baud int) (gomavlib.EndpointConf, error) {
	switch {
	case strings.HasPrefix(address, "/dev/"):
		return gomavlib.EndpointSerial{Device: address, Baud: baud}, nil
	case strings.HasPrefix(address, "udpserver:"):
		return gomavlib.EndpointUDPServer{Address: strings.TrimPrefix(address, "udpserver:")}, nil
	case strings.HasPrefix(address, "udp:"):
		return gomavlib.EndpointUDPClient{Address: strings.TrimPrefix(address, "udp:")}, nil
	case strings.HasPrefix(address, "tcp:"):
		return gomavlib.EndpointTCPClient{Address: strings.TrimPrefix(address, "tcp:")}, nil
	}
	return nil, fmt.Errorf("unsupported flight controller address %q", address)
}

// Dial opens a MAVLink link and waits for the first autopilot heartbeat.
func Dial(ctx context.Context, address string, baud int, logger *slog.Logger) (*MAVLink, error) {
	ep, err := endpointFor(address, baud)
	if err != nil {
		return nil, err
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{ep},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: companionSystemID,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", address, err)
	}

	m := newMAVLink(node.WriteMessageAll, logger)
	m.closeNode = node.Close
	go m.readLoop(node.Events())

	hctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	select {
	case <-m.heartbeat:
	case <-hctx.Done():
		_ = m.Close()
		return nil, fmt.Errorf("%s: %w", address, ErrNoHeartbeat)
	}

	sys, _ := m.target()
	m.logger.Info("flight controller connected",
		slog.String("address", address),
		slog.Int("system", int(sys)),
		slog.String("mode", m.Mode().String()))
	return m, nil
}

// MAVLink is a Controller over a gomavlib node. Telemetry is cached from the
// incoming stream; mission transfers are request/response exchanges run one
// at a time.
type MAVLink struct {
	write     func(message.Message) error
	closeNode func()
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	sysID     uint8
	compID    uint8
	armed     bool
	mode      Mode
	pos       geo.Point
	hasPos    bool
	posAt     time.Time
	noGPSFix  bool
	cursor    int
	listeners []func(Mode)

	heartbeat     chan struct{}
	heartbeatOnce sync.Once

	txMu     sync.Mutex
	missions chan message.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newMAVLink(write func(message.Message) error, logger *slog.Logger) *MAVLink {
	return &MAVLink{
		write:     write,
		logger:    logger.With(slog.String("component", "vehicle")),
		now:       time.Now,
		mode:      ModeOther,
		heartbeat: make(chan struct{}),
		missions:  make(chan message.Message, 16),
		closed:    make(chan struct{}),
	}
}

func (m *MAVLink) readLoop(events chan gomavlib.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			m.handle(e.SystemID(), e.ComponentID(), e.Message())
		case *gomavlib.EventChannelOpen:
			m.logger.Debug("channel open", slog.Any("channel", e.Channel))
		case *gomavlib.EventChannelClose:
			m.logger.Warn("channel closed", slog.Any("channel", e.Channel))
		case *gomavlib.EventParseError:
			m.logger.Debug("parse error", slog.Any("error", e.Error))
		}
	}
}

func (m *MAVLink) handle(sysID, compID uint8, msg message.Message) {
	switch msg := msg.(type) {
	case *common.MessageHeartbeat:
		// Ground stations and other companions heartbeat too.
		if msg.Type == common.MAV_TYPE_GCS || msg.Autopilot == common.MAV_AUTOPILOT_INVALID {
			return
		}
		m.onHeartbeat(sysID, compID, msg)

	case *common.MessageGlobalPositionInt:
		m.mu.Lock()
		m.pos = geo.Point{Lat: float64(msg.Lat) / 1e7, Lon: float64(msg.Lon) / 1e7}
		m.hasPos = msg.Lat != 0 || msg.Lon != 0
		m.posAt = m.now()
		m.mu.Unlock()

	case *common.MessageGpsRawInt:
		m.mu.Lock()
		m.noGPSFix = msg.FixType < common.GPS_FIX_TYPE_2D_FIX
		m.mu.Unlock()

	case *common.MessageMissionCurrent:
		m.mu.Lock()
		m.cursor = int(msg.Seq)
		m.mu.Unlock()

	case *common.MessageMissionCount, *common.MessageMissionItemInt,
		*common.MessageMissionRequestInt, *common.MessageMissionRequest,
		*common.MessageMissionAck:
		select {
		case m.missions <- msg:
		default:
			m.logger.Warn("dropping mission message, nobody is listening")
		}
	}
}

func (m *MAVLink) onHeartbeat(sysID, compID uint8, hb *common.MessageHeartbeat) {
	mode := modeFromCustom(hb.CustomMode)
	armed := hb.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0

	m.mu.Lock()
	m.sysID, m.compID = sysID, compID
	changed := mode != m.mode
	m.mode = mode
	if armed != m.armed {
		m.logger.Info("arming state changed", slog.Bool("armed", armed))
	}
	m.armed = armed
	listeners := append([]func(Mode){}, m.listeners...)
	m.mu.Unlock()

	m.heartbeatOnce.Do(func() { close(m.heartbeat) })

	if changed {
		m.logger.Info("flight mode changed", slog.String("mode", mode.String()))
		for _, fn := range listeners {
			fn(mode)
		}
	}
}

func (m *MAVLink) target() (uint8, uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sysID, m.compID
}

func (m *MAVLink) send(msg message.Message) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	return m.write(msg)
}

func (m *MAVLink) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Position is the last GLOBAL_POSITION_INT, reported only while the
// autopilot's GPS has a fix and telemetry is no older than positionMaxAge.
func (m *MAVLink) Position() (geo.Point, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasPos || m.noGPSFix || m.now().Sub(m.posAt) > positionMaxAge {
		return m.pos, false
	}
	return m.pos, true
}

func (m *MAVLink) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MAVLink) MissionCursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func (m *MAVLink) OnModeChange(fn func(Mode)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetMode requests a mode change through MAV_CMD_DO_SET_MODE. The cached mode
// follows once the autopilot heartbeats the new value.
func (m *MAVLink) SetMode(ctx context.Context, mode Mode) error {
	custom, ok := customFromMode(mode)
	if !ok {
		return fmt.Errorf("mode %s cannot be commanded", mode)
	}
	sys, comp := m.target()
	return m.send(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: comp,
		Command:         common.MAV_CMD_DO_SET_MODE,
		Param1:          float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		Param2:          float32(custom),
	})
}

func (m *MAVLink) SetMissionCursor(n int) error {
	if n < 0 || n > math.MaxUint16 {
		return fmt.Errorf("mission index %d out of range", n)
	}
	sys, comp := m.target()
	if err := m.send(&common.MessageMissionSetCurrent{
		TargetSystem:    sys,
		TargetComponent: comp,
		Seq:             uint16(n),
	}); err != nil {
		return fmt.Errorf("setting mission cursor to %d: %w", n, err)
	}
	m.mu.Lock()
	if n > m.cursor {
		m.cursor = n
	}
	m.mu.Unlock()
	return nil
}

// drain throws away mission replies left over from an earlier exchange.
func (m *MAVLink) drain() {
	for {
		select {
		case <-m.missions:
		default:
			return
		}
	}
}

// await returns the first mission message accepted by match, or an error once
// timeout passes.
func (m *MAVLink) await(ctx context.Context, timeout time.Duration, match func(message.Message) bool) (message.Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case msg := <-m.missions:
			if match(msg) {
				return msg, nil
			}
		case <-t.C:
			return nil, context.DeadlineExceeded
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.closed:
			return nil, ErrClosed
		}
	}
}

// request sends req and waits for a reply, resending up to itemRetries times.
func (m *MAVLink) request(ctx context.Context, req message.Message, match func(message.Message) bool) (message.Message, error) {
	var err error
	for i := 0; i < itemRetries; i++ {
		if err = m.send(req); err != nil {
			return nil, err
		}
		var msg message.Message
		msg, err = m.await(ctx, itemTimeout, match)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, err
}

func (m *MAVLink) Commands(ctx context.Context) ([]mission.Command, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.drain()

	ctx, cancel := context.WithTimeout(ctx, missionTimeout)
	defer cancel()

	sys, comp := m.target()
	reply, err := m.request(ctx, &common.MessageMissionRequestList{
		TargetSystem:    sys,
		TargetComponent: comp,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	}, func(msg message.Message) bool {
		_, ok := msg.(*common.MessageMissionCount)
		return ok
	})
	if err != nil {
		return nil, fmt.Errorf("requesting mission count: %w", err)
	}
	count := int(reply.(*common.MessageMissionCount).Count)

	cmds := make([]mission.Command, 0, count)
	for seq := 0; seq < count; seq++ {
		reply, err := m.request(ctx, &common.MessageMissionRequestInt{
			TargetSystem:    sys,
			TargetComponent: comp,
			Seq:             uint16(seq),
			MissionType:     common.MAV_MISSION_TYPE_MISSION,
		}, func(msg message.Message) bool {
			item, ok := msg.(*common.MessageMissionItemInt)
			return ok && int(item.Seq) == seq
		})
		if err != nil {
			return nil, fmt.Errorf("requesting mission item %d/%d: %w", seq, count, err)
		}
		cmds = append(cmds, commandFromItem(reply.(*common.MessageMissionItemInt)))
	}

	_ = m.send(&common.MessageMissionAck{
		TargetSystem:    sys,
		TargetComponent: comp,
		Type:            common.MAV_MISSION_ACCEPTED,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	return cmds, nil
}

func (m *MAVLink) Upload(ctx context.Context, cmds []mission.Command) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.drain()

	ctx, cancel := context.WithTimeout(ctx, missionTimeout)
	defer cancel()

	sys, comp := m.target()
	if err := m.send(&common.MessageMissionCount{
		TargetSystem:    sys,
		TargetComponent: comp,
		Count:           uint16(len(cmds)),
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	}); err != nil {
		return fmt.Errorf("sending mission count: %w", err)
	}

	// The autopilot drives the exchange: it asks for each item in turn and
	// finishes with an ack.
	for {
		msg, err := m.await(ctx, missionTimeout, func(message.Message) bool { return true })
		if err != nil {
			return fmt.Errorf("uploading mission: %w", err)
		}

		var seq int
		switch msg := msg.(type) {
		case *common.MessageMissionRequestInt:
			seq = int(msg.Seq)
		case *common.MessageMissionRequest:
			seq = int(msg.Seq)
		case *common.MessageMissionAck:
			if msg.Type != common.MAV_MISSION_ACCEPTED {
				return fmt.Errorf("%w: result %d", ErrMissionRejected, msg.Type)
			}
			m.logger.Info("mission uploaded", slog.Int("items", len(cmds)))
			return nil
		default:
			continue
		}

		if seq >= len(cmds) {
			return fmt.Errorf("autopilot requested item %d of %d", seq, len(cmds))
		}
		if err := m.send(itemFromCommand(sys, comp, seq, cmds[seq])); err != nil {
			return fmt.Errorf("sending mission item %d: %w", seq, err)
		}
	}
}

func (m *MAVLink) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		if m.closeNode != nil {
			m.closeNode()
		}
	})
	return nil
}

func commandFromItem(item *common.MessageMissionItemInt) mission.Command {
	return mission.Command{
		Index: int(item.Seq),
		Kind:  mission.Kind(item.Command),
		Params: [4]float64{
			float64(item.Param1), float64(item.Param2),
			float64(item.Param3), float64(item.Param4),
		},
		Lat: float64(item.X) / 1e7,
		Lon: float64(item.Y) / 1e7,
		Alt: float64(item.Z),
	}
}

func itemFromCommand(sys, comp uint8, seq int, c mission.Command) *common.MessageMissionItemInt {
	return &common.MessageMissionItemInt{
		TargetSystem:    sys,
		TargetComponent: comp,
		Seq:             uint16(seq),
		Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		Command:         common.MAV_CMD(c.Kind),
		Autocontinue:    1,
		Param1:          float32(c.Params[0]),
		Param2:          float32(c.Params[1]),
		Param3:          float32(c.Params[2]),
		Param4:          float32(c.Params[3]),
		X:               int32(math.Round(c.Lat * 1e7)),
		Y:               int32(math.Round(c.Lon * 1e7)),
		Z:               float32(c.Alt),
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	}
}
