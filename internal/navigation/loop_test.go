package navigation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/mission"
	"github.com/relabs-tech/station_courier/internal/status"
	"github.com/relabs-tech/station_courier/internal/vehicle"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var home = geo.Point{Lat: 46.5, Lon: 7.5}

// cursorLog wraps the bench vehicle and keeps every cursor write along with
// the distance to the station at that moment.
type cursorLog struct {
	*vehicle.Sim
	station geo.Point

	mu     sync.Mutex
	writes []int
	dist   []float64
}

func (c *cursorLog) SetMissionCursor(n int) error {
	p, _ := c.Position()
	c.mu.Lock()
	c.writes = append(c.writes, n)
	c.dist = append(c.dist, geo.Distance(p, c.station))
	c.mu.Unlock()
	return c.Sim.SetMissionCursor(n)
}

func (c *cursorLog) Distances() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.dist...)
}

func (c *cursorLog) Writes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.writes...)
}

// stationMission is TAKEOFF, station 42 six kilometers north, then a landing.
func stationMission(t *testing.T, station geo.Point) []mission.Command {
	t.Helper()
	id, err := mission.EncodeStationID("42")
	if err != nil {
		t.Fatal(err)
	}
	land := vehicle.Offset(home, 0, 100)
	return mission.Reindex([]mission.Command{
		{Kind: mission.KindTakeoff, Alt: 80},
		{Kind: mission.KindLoiter, Lat: station.Lat, Lon: station.Lon, Alt: 80},
		{Kind: mission.KindRegionTag, Params: [4]float64{0, 0, id, 0}},
		{Kind: mission.KindLandStart},
		{Kind: mission.KindLand, Lat: land.Lat, Lon: land.Lon},
	})
}

func newBench(t *testing.T, station geo.Point) *cursorLog {
	t.Helper()
	sim := vehicle.NewSim(vehicle.SimConfig{Home: home, Speed: 50000, Acceptance: 30, Tick: time.Millisecond}, discard)
	if err := sim.Upload(context.Background(), stationMission(t, station)); err != nil {
		t.Fatal(err)
	}
	return &cursorLog{Sim: sim, station: station}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.ConnectBackoff = time.Millisecond
	cfg.ArmWait = time.Millisecond
	cfg.IdleWait = time.Millisecond
	cfg.NewStationGrace = time.Millisecond
	return cfg
}

func dialer(c vehicle.Controller) Dialer {
	return func(context.Context) (vehicle.Controller, error) { return c, nil }
}

// serviceOne plays the station handler for a single visit. hooks run when
// Wakeup and Download are first observed.
func serviceOne(ctx context.Context, ch *handshake.Channel, hold time.Duration, onWake, onDownload func()) (string, error) {
	id, err := ch.Stations.Get(ctx)
	if err != nil {
		return "", err
	}
	ch.NewStation.Clear()
	if err := ch.Wakeup.WaitSet(ctx, time.Millisecond); err != nil {
		return id, err
	}
	if onWake != nil {
		onWake()
	}
	ch.IsAwake.Set()
	if err := ch.Download.WaitSet(ctx, time.Millisecond); err != nil {
		return id, err
	}
	if onDownload != nil {
		onDownload()
	}
	ch.IsDownloading.Set()
	time.Sleep(hold)
	ch.IsDownloading.Clear()
	ch.IsAwake.Clear()
	ch.Wakeup.Clear()
	ch.Download.Clear()
	return id, nil
}

func TestLoopFliesStationAndLands(t *testing.T) {
	station := vehicle.Offset(home, 0, 6000)
	bench := newBench(t, station)
	ch := handshake.NewChannel()
	var statuses []status.Status
	var smu sync.Mutex
	sink := status.SinkFunc(func(s status.Status) error {
		smu.Lock()
		statuses = append(statuses, s)
		smu.Unlock()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bench.Arm()
	go func() { _ = bench.Run(ctx) }()

	distance := func() float64 {
		p, _ := bench.Position()
		return geo.Distance(p, station)
	}
	var wakeAt, downloadAt float64
	handlerDone := make(chan error, 1)
	go func() {
		id, err := serviceOne(ctx, ch, 20*time.Millisecond,
			func() { wakeAt = distance() },
			func() { downloadAt = distance() })
		if err == nil && id != "42" {
			err = errors.New("unexpected station " + id)
		}
		handlerDone <- err
	}()

	l := New(dialer(bench), ch, fastConfig(), WithLogger(discard), WithStatusSink(sink))
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-handlerDone; err != nil {
		t.Fatalf("handler: %v", err)
	}

	// The bench moves 50 m per poll, so allow a few polls of slack.
	if wakeAt > 5000+300 || wakeAt < 1000 {
		t.Errorf("Wakeup raised at %.0fm", wakeAt)
	}
	if downloadAt > 1000+300 {
		t.Errorf("Download raised at %.0fm", downloadAt)
	}
	if d := bench.Distances(); len(d) != 1 || d[0] > 100 {
		t.Errorf("cursor moved before arrival: distances %v", d)
	}

	writes := bench.Writes()
	if len(writes) != 1 || writes[0] != 3 {
		t.Errorf("expected one cursor write to 3, got %v", writes)
	}
	if l.Snapshot().State != StateDone {
		t.Errorf("expected DONE, got %s", l.Snapshot().State)
	}
	if bench.Armed() {
		t.Error("expected the bench vehicle to have landed")
	}

	smu.Lock()
	defer smu.Unlock()
	if len(statuses) != 2 || statuses[0] != status.Pending || statuses[1] != status.Ready {
		t.Errorf("unexpected status reports %v", statuses)
	}
}

// stuckCursor refuses the first fails cursor writes.
type stuckCursor struct {
	*vehicle.Sim

	mu    sync.Mutex
	fails int
}

func (c *stuckCursor) SetMissionCursor(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("link busy")
	}
	return c.Sim.SetMissionCursor(n)
}

func TestLoopVisitsStationOnceWhenCursorWriteFails(t *testing.T) {
	station := vehicle.Offset(home, 0, 600)
	sim := vehicle.NewSim(vehicle.SimConfig{Home: home, Speed: 50000, Tick: time.Millisecond}, discard)
	if err := sim.Upload(context.Background(), stationMission(t, station)); err != nil {
		t.Fatal(err)
	}
	// every write during the visit fails, the retry on the next pass succeeds
	ctrl := &stuckCursor{Sim: sim, fails: 3}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sim.Arm()
	go func() { _ = sim.Run(ctx) }()

	ch := handshake.NewChannel()
	hctx, stopHandler := context.WithCancel(ctx)
	var mu sync.Mutex
	var visited []string
	handlerDone := make(chan struct{})
	go func() {
		defer close(handlerDone)
		for {
			id, err := serviceOne(hctx, ch, time.Millisecond, nil, nil)
			if err != nil {
				return
			}
			mu.Lock()
			visited = append(visited, id)
			mu.Unlock()
		}
	}()

	cfg := fastConfig()
	cfg.Bench = true
	if err := New(dialer(ctrl), ch, cfg, WithLogger(discard)).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stopHandler()
	<-handlerDone

	mu.Lock()
	defer mu.Unlock()
	if len(visited) != 1 || visited[0] != "42" {
		t.Errorf("expected station 42 to be handled once, got %v", visited)
	}
	if sim.MissionCursor() < 3 {
		t.Errorf("expected the cursor past the marker, got %d", sim.MissionCursor())
	}
}

func TestLoopRetriesDialWithBackoff(t *testing.T) {
	landed := vehicle.NewSim(vehicle.SimConfig{Home: home}, discard)
	_ = landed.Upload(context.Background(), []mission.Command{
		{Kind: mission.KindTakeoff},
		{Kind: mission.KindLandStart},
		{Kind: mission.KindLand, Lat: home.Lat, Lon: home.Lon},
	})
	_ = landed.SetMissionCursor(2)

	var dials int
	dial := func(context.Context) (vehicle.Controller, error) {
		dials++
		if dials <= 3 {
			return nil, errors.New("no heartbeat")
		}
		return landed, nil
	}

	var statuses []status.Status
	sink := status.SinkFunc(func(s status.Status) error {
		statuses = append(statuses, s)
		return nil
	})

	l := New(dial, handshake.NewChannel(), fastConfig(), WithLogger(discard), WithStatusSink(sink))
	var waits []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dials != 4 {
		t.Errorf("expected 4 dials, got %d", dials)
	}
	if len(waits) != 3 {
		t.Fatalf("expected exactly 3 backoff waits, got %v", waits)
	}
	for _, w := range waits {
		if w != l.cfg.ConnectBackoff {
			t.Errorf("unexpected wait %s", w)
		}
	}
	want := []status.Status{status.Pending, status.Failure, status.Ready}
	if len(statuses) != len(want) {
		t.Fatalf("unexpected status reports %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status %d: got %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestLoopOperatorOverride(t *testing.T) {
	bench := newBench(t, vehicle.Offset(home, 0, 20000))
	bench.Arm()
	ch := handshake.NewChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := New(dialer(bench), ch, fastConfig(), WithLogger(discard))
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	// The bench is not stepping, so the loop sits at the wake gate.
	deadline := time.Now().Add(2 * time.Second)
	for ch.Stations.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := bench.SetMode(ctx, vehicle.ModeStabilize); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrOperatorOverride) {
			t.Errorf("expected ErrOperatorOverride, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("loop ignored the override")
	}
	if len(bench.Writes()) != 0 {
		t.Error("the cursor must not move after an override")
	}
}

func TestLoopNoFixAndArmGating(t *testing.T) {
	bench := newBench(t, vehicle.Offset(home, 0, 6000))
	bench.SetFix(false)
	ch := handshake.NewChannel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := New(dialer(bench), ch, fastConfig(), WithLogger(discard))
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	if ch.Stations.Len() != 0 || ch.NewStation.IsSet() {
		t.Fatal("no handshake may start before the aircraft is armed")
	}
	if s := l.Snapshot().State; s != StateWaitingArm && s != StateSeeking {
		t.Errorf("expected to be polling for arm, got %s", s)
	}

	bench.Arm()
	if _, err := serviceOne(ctx, ch, time.Millisecond, nil, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}

	// Without a fix every gate passes, so the cursor moves past the marker
	// even though the bench never left home.
	deadline := time.Now().Add(2 * time.Second)
	for len(bench.Writes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w := bench.Writes(); len(w) != 1 || w[0] != 3 {
		t.Errorf("expected the cursor at 3, got %v", w)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLoopBenchSkipsGates(t *testing.T) {
	bench := newBench(t, vehicle.Offset(home, 0, 30000))
	bench.Arm()
	ch := handshake.NewChannel()

	cfg := fastConfig()
	cfg.Bench = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l := New(dialer(bench), ch, cfg, WithLogger(discard))
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	if _, err := serviceOne(ctx, ch, time.Millisecond, nil, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(bench.Writes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(bench.Writes()) != 1 {
		t.Error("expected the cursor to advance with the gates bypassed")
	}
	cancel()
	<-errc
}
