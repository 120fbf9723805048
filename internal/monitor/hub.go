// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package monitor gathers what both loops are doing into one live view for
// the ground crew: an HTTP snapshot, a websocket feed and MQTT events.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/navigation"
	"github.com/relabs-tech/station_courier/internal/station"
	"github.com/relabs-tech/station_courier/internal/status"
)

const (
	historySize    = 64
	subscriberSize = 32
)

// Event types carried by Event.Type.
const (
	EventNavigation = "navigation"
	EventStation    = "station"
	EventStatus     = "status"
)

// Event is one change pushed to subscribers.
type Event struct {
	Type       string               `json:"type"`
	Time       time.Time            `json:"time"`
	Navigation *navigation.Snapshot `json:"navigation,omitempty"`
	Station    *station.Transition  `json:"station,omitempty"`
	Status     string               `json:"status,omitempty"`
}

// View is the full current picture served by /api/status.
type View struct {
	Status     string               `json:"status"`
	Navigation navigation.Snapshot  `json:"navigation"`
	Handler    HandlerView          `json:"handler"`
	Flags      handshake.Flags      `json:"flags"`
	QueueDepth int                  `json:"queue_depth"`
	FlightID   string               `json:"flight_id,omitempty"`
	Recent     []station.Transition `json:"recent"`
}

type HandlerView struct {
	State     station.State `json:"state"`
	StationID string        `json:"station_id,omitempty"`
}

// Hub collects updates from the navigation loop, the handler and the status
// reports. Its methods are safe to call from the loops' goroutines and never
// block them: slow subscribers lose events.
type Hub struct {
	ch        *handshake.Channel
	logger    *slog.Logger
	publisher status.Publisher
	topic     string
	flightID  func() string

	mu      sync.Mutex
	status  status.Status
	nav     navigation.Snapshot
	handler HandlerView
	recent  []station.Transition
	subs    map[chan Event]struct{}
}

type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithPublisher forwards every station transition as JSON to topic.
func WithPublisher(p status.Publisher, topic string) Option {
	return func(h *Hub) {
		h.publisher = p
		h.topic = topic
	}
}

// WithFlightID labels the view with the ledger's current flight.
func WithFlightID(fn func() string) Option {
	return func(h *Hub) { h.flightID = fn }
}

func NewHub(ch *handshake.Channel, opts ...Option) *Hub {
	h := &Hub{
		ch:     ch,
		logger: slog.Default(),
		subs:   make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "monitor"))
	return h
}

// Navigation records a navigation snapshot. It matches navigation.WithObserver.
func (h *Hub) Navigation(s navigation.Snapshot) {
	h.mu.Lock()
	h.nav = s
	h.mu.Unlock()
	h.emit(Event{Type: EventNavigation, Time: time.Now().UTC(), Navigation: &s})
}

// Transition records a handler transition. It matches station.WithObserver.
func (h *Hub) Transition(t station.Transition) {
	h.mu.Lock()
	h.handler = HandlerView{State: t.To, StationID: t.StationID}
	if t.To == station.StateIdle {
		h.handler.StationID = ""
	}
	h.recent = append(h.recent, t)
	if len(h.recent) > historySize {
		h.recent = h.recent[len(h.recent)-historySize:]
	}
	h.mu.Unlock()
	h.emit(Event{Type: EventStation, Time: t.At, Station: &t})
}

// Report implements status.Sink.
func (h *Hub) Report(s status.Status) error {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
	h.emit(Event{Type: EventStatus, Time: time.Now().UTC(), Status: s.String()})
	return nil
}

func (h *Hub) View() View {
	h.mu.Lock()
	v := View{
		Status:     h.status.String(),
		Navigation: h.nav,
		Handler:    h.handler,
		Recent:     append([]station.Transition{}, h.recent...),
	}
	h.mu.Unlock()

	if h.ch != nil {
		v.Flags = h.ch.Flags()
		v.QueueDepth = h.ch.Stations.Len()
	}
	if h.flightID != nil {
		v.FlightID = h.flightID()
	}
	return v
}

// Subscribe returns a channel of future events and a function that ends the
// subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	c := make(chan Event, subscriberSize)
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, c)
			h.mu.Unlock()
			close(c)
		})
	}
}

func (h *Hub) emit(e Event) {
	h.mu.Lock()
	for c := range h.subs {
		select {
		case c <- e:
		default:
		}
	}
	h.mu.Unlock()

	if h.publisher != nil && e.Type == EventStation {
		// publishing waits on the broker, keep it off the handler's goroutine
		go func() {
			if err := status.PublishJSON(h.publisher, h.topic, e); err != nil {
				h.logger.Warn("event publish failed", slog.Any("error", err))
			}
		}()
	}
}
