// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/station_courier/internal/ledger"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the monitor is only reachable on the aircraft's own network
	},
}

// VisitSource lists the visits of a flight and the last visit of a station.
type VisitSource interface {
	FlightID() string
	Visits(ctx context.Context, flightID string) ([]ledger.Record, error)
	LastVisit(ctx context.Context, stationID string) (ledger.Record, bool, error)
}

// Server exposes the hub over HTTP.
type Server struct {
	hub    *Hub
	visits VisitSource
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer builds the monitor endpoints. visits may be nil.
func NewServer(hub *Hub, visits VisitSource, logger *slog.Logger) *Server {
	s := &Server{
		hub:    hub,
		visits: visits,
		logger: logger.With(slog.String("component", "web")),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/visits", s.handleVisits)
	s.mux.HandleFunc("GET /api/stations/{id}/last", s.handleLastVisit)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on :port until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("web server listening", slog.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server: %w", err)
	}
	return ctx.Err()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.hub.View())
}

func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	if s.visits == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	flight := r.URL.Query().Get("flight")
	if flight == "" {
		flight = s.visits.FlightID()
	}
	if flight == "" {
		http.Error(w, "no flight yet", http.StatusServiceUnavailable)
		return
	}

	records, err := s.visits.Visits(r.Context(), flight)
	if err != nil {
		s.logger.Error("listing visits", slog.Any("error", err))
		http.Error(w, "ledger error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	s.writeJSON(w, records)
}

// handleLastVisit answers when a station was last serviced, on any flight.
func (s *Server) handleLastVisit(w http.ResponseWriter, r *http.Request) {
	if s.visits == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	record, ok, err := s.visits.LastVisit(r.Context(), id)
	if err != nil {
		s.logger.Error("reading last visit", slog.String("station", id), slog.Any("error", err))
		http.Error(w, "ledger error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "station never visited", http.StatusNotFound)
		return
	}
	s.writeJSON(w, record)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("json encode error", slog.Any("error", err))
	}
}

// handleWS sends the current view, then every event until the client goes
// away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe()
	defer cancel()

	// the feed is one way; reading only notices the client closing
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.hub.View()); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("websocket write error", slog.Any("error", err))
				return
			}
		}
	}
}
