package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/ledger"
	"github.com/relabs-tech/station_courier/internal/navigation"
	"github.com/relabs-tech/station_courier/internal/station"
	"github.com/relabs-tech/station_courier/internal/status"
	"github.com/relabs-tech/station_courier/internal/vehicle"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	topic   string
	payload []byte
}

type chanPublisher chan message

func (p chanPublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p <- message{topic, payload.([]byte)}
	return doneToken{}
}

type fakeVisits struct {
	flight  string
	records []ledger.Record
	err     error
}

func (f fakeVisits) FlightID() string { return f.flight }

func (f fakeVisits) Visits(ctx context.Context, flightID string) ([]ledger.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.Record
	for _, r := range f.records {
		if r.FlightID == flightID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f fakeVisits) LastVisit(ctx context.Context, stationID string) (ledger.Record, bool, error) {
	if f.err != nil {
		return ledger.Record{}, false, f.err
	}
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].StationID == stationID {
			return f.records[i], true, nil
		}
	}
	return ledger.Record{}, false, nil
}

func transition(id string, from, to station.State) station.Transition {
	return station.Transition{StationID: id, From: from, To: to, At: time.Now().UTC()}
}

func TestHubView(t *testing.T) {
	ch := handshake.NewChannel()
	hub := NewHub(ch, WithLogger(discard), WithFlightID(func() string { return "f-1" }))

	ch.Wakeup.Set()
	if err := ch.Stations.Put("42"); err != nil {
		t.Fatal(err)
	}
	_ = hub.Report(status.Ready)
	hub.Navigation(navigation.Snapshot{State: navigation.StateApproaching, StationID: "42", Distance: 1200})
	hub.Transition(transition("42", station.StateIdle, station.StateWaitingWakeup))

	v := hub.View()
	if v.Status != "READY" || v.FlightID != "f-1" {
		t.Errorf("unexpected view header %+v", v)
	}
	if v.Navigation.State != navigation.StateApproaching || v.Navigation.StationID != "42" {
		t.Errorf("unexpected navigation %+v", v.Navigation)
	}
	if v.Handler.State != station.StateWaitingWakeup || v.Handler.StationID != "42" {
		t.Errorf("unexpected handler %+v", v.Handler)
	}
	if !v.Flags.Wakeup || v.Flags.Download || v.QueueDepth != 1 {
		t.Errorf("unexpected flags %+v depth %d", v.Flags, v.QueueDepth)
	}

	hub.Transition(transition("42", station.StateSleeping, station.StateIdle))
	if v := hub.View(); v.Handler.StationID != "" || len(v.Recent) != 2 {
		t.Errorf("idle handler should carry no station: %+v", v.Handler)
	}
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := NewHub(nil, WithLogger(discard))
	for i := 0; i < historySize+10; i++ {
		hub.Transition(transition("7", station.StateIdle, station.StateWaitingWakeup))
	}
	if n := len(hub.View().Recent); n != historySize {
		t.Errorf("expected %d recent transitions, got %d", historySize, n)
	}
}

func TestHubSubscribe(t *testing.T) {
	hub := NewHub(nil, WithLogger(discard))
	events, cancel := hub.Subscribe()

	hub.Transition(transition("42", station.StateIdle, station.StateWaitingWakeup))
	select {
	case e := <-events:
		if e.Type != EventStation || e.Station.StationID != "42" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after cancel")
	}
	// emitting with no subscribers must not panic
	_ = hub.Report(status.Failure)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, WithLogger(discard))
	_, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberSize*3; i++ {
			_ = hub.Report(status.Pending)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked on a full subscriber")
	}
}

func TestHubPublishesStationEvents(t *testing.T) {
	pub := make(chanPublisher, 4)
	hub := NewHub(nil, WithLogger(discard), WithPublisher(pub, "courier/events"))

	_ = hub.Report(status.Ready)
	hub.Transition(transition("42", station.StateAwake, station.StateDownloading))

	select {
	case m := <-pub:
		if m.topic != "courier/events" {
			t.Errorf("unexpected topic %q", m.topic)
		}
		var e Event
		if err := json.Unmarshal(m.payload, &e); err != nil {
			t.Fatal(err)
		}
		if e.Type != EventStation || e.Station == nil || e.Station.To != station.StateDownloading {
			t.Errorf("unexpected event %s", m.payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	select {
	case m := <-pub:
		t.Errorf("only station events are published, got %s", m.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerStatus(t *testing.T) {
	hub := NewHub(handshake.NewChannel(), WithLogger(discard))
	_ = hub.Report(status.Pending)
	hub.Navigation(navigation.Snapshot{State: navigation.StateSeeking, Mode: vehicle.ModeLoiter})
	srv := httptest.NewServer(NewServer(hub, nil, discard))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var v View
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "PENDING" {
		t.Errorf("unexpected status %q", v.Status)
	}
	if v.Navigation.Mode != vehicle.ModeLoiter {
		t.Errorf("unexpected mode %s", v.Navigation.Mode)
	}
}

func TestServerVisits(t *testing.T) {
	visits := fakeVisits{
		flight: "f-2",
		records: []ledger.Record{
			{ID: 1, FlightID: "f-1", StationID: "7"},
			{ID: 2, FlightID: "f-2", StationID: "42", Outcome: "succeeded"},
		},
	}
	hub := NewHub(nil, WithLogger(discard))

	cases := []struct {
		name    string
		visits  VisitSource
		query   string
		code    int
		station string
	}{
		{"current flight", visits, "", http.StatusOK, "42"},
		{"named flight", visits, "?flight=f-1", http.StatusOK, "7"},
		{"disabled", nil, "", http.StatusNotFound, ""},
		{"no flight", fakeVisits{}, "", http.StatusServiceUnavailable, ""},
		{"ledger error", fakeVisits{flight: "f", err: errors.New("locked")}, "", http.StatusInternalServerError, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewServer(hub, c.visits, discard).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/visits"+c.query, nil))
			if rec.Code != c.code {
				t.Fatalf("expected %d, got %d (%s)", c.code, rec.Code, rec.Body)
			}
			if c.station == "" {
				return
			}
			var records []ledger.Record
			if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
				t.Fatal(err)
			}
			if len(records) != 1 || records[0].StationID != c.station {
				t.Errorf("unexpected records %+v", records)
			}
		})
	}
}

func TestServerLastVisit(t *testing.T) {
	visits := fakeVisits{
		flight: "f-2",
		records: []ledger.Record{
			{ID: 1, FlightID: "f-1", StationID: "42", Outcome: "failed"},
			{ID: 2, FlightID: "f-2", StationID: "42", Outcome: "succeeded"},
		},
	}
	hub := NewHub(nil, WithLogger(discard))

	cases := []struct {
		name   string
		visits VisitSource
		path   string
		code   int
		id     int64
	}{
		{"latest across flights", visits, "/api/stations/42/last", http.StatusOK, 2},
		{"never visited", visits, "/api/stations/7/last", http.StatusNotFound, 0},
		{"disabled", nil, "/api/stations/42/last", http.StatusNotFound, 0},
		{"ledger error", fakeVisits{err: errors.New("locked")}, "/api/stations/42/last", http.StatusInternalServerError, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewServer(hub, c.visits, discard).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, c.path, nil))
			if rec.Code != c.code {
				t.Fatalf("expected %d, got %d (%s)", c.code, rec.Code, rec.Body)
			}
			if c.id == 0 {
				return
			}
			var r ledger.Record
			if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
				t.Fatal(err)
			}
			if r.ID != c.id || r.Outcome != "succeeded" {
				t.Errorf("unexpected record %+v", r)
			}
		})
	}
}

func TestServerWebsocketFeed(t *testing.T) {
	hub := NewHub(handshake.NewChannel(), WithLogger(discard))
	srv := httptest.NewServer(NewServer(hub, nil, discard))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var v View
	if err := conn.ReadJSON(&v); err != nil {
		t.Fatalf("reading initial view: %v", err)
	}

	// the server subscribes before sending the view, so this is delivered
	hub.Transition(transition("42", station.StateIdle, station.StateWaitingWakeup))

	var e Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if e.Type != EventStation || e.Station.StationID != "42" || e.Station.To != station.StateWaitingWakeup {
		t.Errorf("unexpected event %+v", e)
	}
}
