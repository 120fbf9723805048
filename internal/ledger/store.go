// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package ledger keeps a SQLite record of every station visit, grouped by
// flight, so ground crews can see which stations were emptied.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/relabs-tech/station_courier/internal/station"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoFlight is returned by RecordVisit before StartFlight.
var ErrNoFlight = errors.New("no flight started")

// Record is one stored visit.
type Record struct {
	ID           int64     `json:"id"`
	FlightID     string    `json:"flight_id"`
	StationID    string    `json:"station_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	WakeAttempts int       `json:"wake_attempts"`
	WakeAcked    bool      `json:"wake_acked"`
	Outcome      string    `json:"outcome"`
	Files        int       `json:"files"`
	Bytes        int64     `json:"bytes"`
	Skipped      int       `json:"skipped"`
	Error        string    `json:"error,omitempty"`
}

// Store is the visit ledger.
type Store struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	mu       sync.Mutex
	flightID string

	closeOnce sync.Once
	closeErr  error
}

func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.dbErr = fmt.Errorf("opening ledger: %w", err)
			return
		}
		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		s.db = db
	})
	return s.db, s.dbErr
}

// StartFlight opens a new flight and returns its id. Later visits are
// recorded against it.
func (s *Store) StartFlight(ctx context.Context) (string, error) {
	db, err := s.getDB()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if _, err := db.ExecContext(ctx, insertFlightSQL, id, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("inserting flight: %w", err)
	}

	s.mu.Lock()
	s.flightID = id
	s.mu.Unlock()
	return id, nil
}

// FlightID returns the current flight, or "" before StartFlight.
func (s *Store) FlightID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flightID
}

// RecordVisit implements station.Recorder.
func (s *Store) RecordVisit(ctx context.Context, v station.Visit) (err error) {
	flightID := s.FlightID()
	if flightID == "" {
		return ErrNoFlight
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}

	var errText sql.NullString
	if v.Err != nil {
		errText = sql.NullString{String: v.Err.Error(), Valid: true}
	}

	stmt, err := db.PrepareContext(ctx, insertVisitSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx,
		flightID,
		v.StationID,
		v.Started.UTC(),
		v.Finished.UTC(),
		v.WakeAttempts,
		v.WakeAcked,
		v.Outcome.String(),
		v.Report.Files,
		v.Report.Bytes,
		v.Report.Skipped,
		errText,
	); err != nil {
		return fmt.Errorf("inserting visit: %w", err)
	}
	return nil
}

// Visits returns the visits of a flight in the order they were recorded.
func (s *Store) Visits(ctx context.Context, flightID string) (records []Record, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectVisitsSQL, flightID)
	if err != nil {
		return nil, fmt.Errorf("querying visits: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating visits: %w", err)
	}
	return records, nil
}

// LastVisit returns the most recent visit to a station across all flights.
func (s *Store) LastVisit(ctx context.Context, stationID string) (Record, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Record{}, false, err
	}

	r, err := scanRecord(db.QueryRowContext(ctx, selectLastVisitSQL, stationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r       Record
		errText sql.NullString
	)
	if err := row.Scan(
		&r.ID,
		&r.FlightID,
		&r.StationID,
		&r.StartedAt,
		&r.FinishedAt,
		&r.WakeAttempts,
		&r.WakeAcked,
		&r.Outcome,
		&r.Files,
		&r.Bytes,
		&r.Skipped,
		&errText,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning visit: %w", err)
	}
	r.Error = errText.String
	return r, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
