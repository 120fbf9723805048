package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/relabs-tech/station_courier/internal/download"
	"github.com/relabs-tech/station_courier/internal/station"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "ledger.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordVisitNeedsFlight(t *testing.T) {
	s := newStore(t)
	err := s.RecordVisit(context.Background(), station.Visit{StationID: "42"})
	if !errors.Is(err, ErrNoFlight) {
		t.Fatalf("expected ErrNoFlight, got %v", err)
	}
}

func TestRecordAndListVisits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	flight, err := s.StartFlight(ctx)
	if err != nil {
		t.Fatalf("start flight: %v", err)
	}
	if flight == "" || s.FlightID() != flight {
		t.Fatalf("unexpected flight id %q", flight)
	}

	started := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	visits := []station.Visit{
		{
			StationID:    "42",
			Started:      started,
			Finished:     started.Add(40 * time.Second),
			WakeAttempts: 1,
			WakeAcked:    true,
			Outcome:      download.StateSucceeded,
			Report:       download.Report{Files: 3, Bytes: 1 << 20},
		},
		{
			StationID:    "7",
			Started:      started.Add(5 * time.Minute),
			Finished:     started.Add(6 * time.Minute),
			WakeAttempts: 5,
			Outcome:      download.StateAbandoned,
			Err:          station.ErrAbandoned,
		},
	}
	for _, v := range visits {
		if err := s.RecordVisit(ctx, v); err != nil {
			t.Fatalf("record %s: %v", v.StationID, err)
		}
	}

	got, err := s.Visits(ctx, flight)
	if err != nil {
		t.Fatalf("visits: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 visits, got %d", len(got))
	}

	first := got[0]
	if first.StationID != "42" || !first.WakeAcked || first.Files != 3 || first.Bytes != 1<<20 {
		t.Errorf("unexpected first record %+v", first)
	}
	if first.Outcome != download.StateSucceeded.String() || first.Error != "" {
		t.Errorf("unexpected first outcome %q / %q", first.Outcome, first.Error)
	}
	if !first.StartedAt.Equal(started) {
		t.Errorf("started_at: got %v want %v", first.StartedAt, started)
	}

	second := got[1]
	if second.Outcome != download.StateAbandoned.String() || second.Error != station.ErrAbandoned.Error() {
		t.Errorf("unexpected second record %+v", second)
	}
}

func TestLastVisitAcrossFlights(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	if _, ok, err := s.LastVisit(ctx, "42"); err != nil || ok {
		t.Fatalf("expected no visit yet, got ok=%v err=%v", ok, err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.StartFlight(ctx); err != nil {
			t.Fatalf("start flight: %v", err)
		}
		v := station.Visit{StationID: "42", WakeAttempts: i + 1, Outcome: download.StateSucceeded}
		if err := s.RecordVisit(ctx, v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	last, ok, err := s.LastVisit(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("expected a visit, got ok=%v err=%v", ok, err)
	}
	if last.WakeAttempts != 2 || last.FlightID != s.FlightID() {
		t.Errorf("expected the second flight's visit, got %+v", last)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "ledger.db"))
	if _, err := s.StartFlight(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
