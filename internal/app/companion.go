// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/station_courier/internal/config"
	"github.com/relabs-tech/station_courier/internal/display"
	"github.com/relabs-tech/station_courier/internal/download"
	"github.com/relabs-tech/station_courier/internal/geo"
	"github.com/relabs-tech/station_courier/internal/gps"
	"github.com/relabs-tech/station_courier/internal/handshake"
	"github.com/relabs-tech/station_courier/internal/ledger"
	"github.com/relabs-tech/station_courier/internal/mission"
	"github.com/relabs-tech/station_courier/internal/monitor"
	"github.com/relabs-tech/station_courier/internal/navigation"
	"github.com/relabs-tech/station_courier/internal/radio"
	"github.com/relabs-tech/station_courier/internal/station"
	"github.com/relabs-tech/station_courier/internal/status"
	"github.com/relabs-tech/station_courier/internal/vehicle"
)

// companion is everything one flight needs. Optional parts are nil when
// their config key is empty.
type companion struct {
	cfg    *config.Config
	logger *slog.Logger

	ch     *handshake.Channel
	dial   navigation.Dialer
	link   radio.Link
	opener download.Opener

	sim    *vehicle.Sim
	gps    *gps.Receiver
	panel  *display.Panel
	store  *ledger.Store
	hub    *monitor.Hub
	sinks  status.Fanout
	closer []func()

	// loop is closed after every closer, so the flight controller link is
	// the last thing released.
	loop *navigation.Loop
}

// RunCompanion flies the station-courier mission until the aircraft has
// landed, ctx is cancelled, or the operator takes over with STABILIZE, in
// which case it returns navigation.ErrOperatorOverride.
func RunCompanion(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	c, err := newCompanion(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()
	return c.run(ctx)
}

func newCompanion(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*companion, error) {
	c := &companion{
		cfg:    cfg,
		logger: logger,
		ch:     handshake.NewChannel(),
		opener: &download.SFTPOpener{
			User:         cfg.DownloadUser,
			Password:     cfg.DownloadPassword,
			RemoteDir:    cfg.DownloadRemoteDir,
			DeleteRemote: cfg.DownloadDeleteRemote,
		},
	}
	c.sinks = status.Fanout{status.LogSink{Logger: logger}}

	// ---- 1) Status outputs and MQTT ----
	var hubOpts []monitor.Option
	if cfg.MQTTBroker != "" {
		client, err := status.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			// the flight does not depend on the ground link
			logger.Warn("MQTT unavailable, continuing without it", slog.Any("error", err))
		} else {
			logger.Info("connected to MQTT broker", slog.String("broker", cfg.MQTTBroker))
			c.sinks = append(c.sinks, status.MQTTSink{Client: client, Topic: cfg.TopicStatus})
			hubOpts = append(hubOpts, monitor.WithPublisher(client, cfg.TopicEvents))
			c.onClose(func() { disconnect(client) })
		}
	}

	if cfg.StatusLEDPendingPin != "" || cfg.StatusLEDReadyPin != "" || cfg.StatusLEDFailurePin != "" {
		leds, err := status.OpenLEDs(cfg.StatusLEDPendingPin, cfg.StatusLEDReadyPin, cfg.StatusLEDFailurePin)
		if err != nil {
			logger.Warn("status LEDs unavailable", slog.Any("error", err))
		} else {
			c.sinks = append(c.sinks, leds)
			c.onClose(leds.Off)
		}
	}

	// ---- 2) Ledger ----
	if cfg.LedgerPath != "" {
		store := ledger.New(cfg.LedgerPath)
		flight, err := store.StartFlight(ctx)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("starting ledger: %w", err)
		}
		logger.Info("ledger ready", slog.String("path", cfg.LedgerPath), slog.String("flight", flight))
		c.store = store
		hubOpts = append(hubOpts, monitor.WithFlightID(store.FlightID))
		c.onClose(func() { _ = store.Close() })
	}

	c.hub = monitor.NewHub(c.ch, append(hubOpts, monitor.WithLogger(logger))...)
	c.sinks = append(c.sinks, c.hub)

	// ---- 3) Radio ----
	if cfg.RadioSerialPort != "" {
		x, err := radio.Open(cfg.RadioSerialPort, uint(cfg.RadioBaudRate), logger)
		if err != nil {
			c.close()
			return nil, err
		}
		c.link = x
		c.onClose(func() { _ = x.Close() })
	} else {
		logger.Warn("no RADIO_SERIAL_PORT, stations will not be woken")
		c.link = radio.Silent{}
	}

	// ---- 4) Standalone GPS and display ----
	if cfg.GPSSerialPort != "" {
		r, err := gps.Open(cfg.GPSSerialPort, uint(cfg.GPSBaudRate), logger)
		if err != nil {
			logger.Warn("standalone GPS unavailable", slog.Any("error", err))
		} else {
			c.gps = r
			c.onClose(func() { _ = r.Close() })
		}
	}

	if cfg.DisplayEnabled {
		p, err := display.Open(cfg.DisplayI2CBus, logger)
		if err != nil {
			logger.Warn("status display unavailable", slog.Any("error", err))
		} else {
			c.panel = p
			c.onClose(func() { _ = p.Close() })
		}
	}

	// ---- 5) Flight controller ----
	if cfg.FCAddress == config.SimAddress {
		sim, err := newSim(ctx, cfg, logger)
		if err != nil {
			c.close()
			return nil, err
		}
		c.sim = sim
		c.dial = func(context.Context) (vehicle.Controller, error) { return sim, nil }
	} else {
		c.dial = func(ctx context.Context) (vehicle.Controller, error) {
			return vehicle.Dial(ctx, cfg.FCAddress, cfg.FCBaud, logger)
		}
	}

	return c, nil
}

// newSim builds a bench vehicle flying SIM_PLAN from its touchdown point.
func newSim(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*vehicle.Sim, error) {
	plan, err := mission.LoadPlan(cfg.SimPlan)
	if err != nil {
		return nil, err
	}
	cmds, err := plan.Commands()
	if err != nil {
		return nil, err
	}

	home := geo.Point{Lat: plan.Landing.Touchdown.Lat, Lon: plan.Landing.Touchdown.Lon}
	sim := vehicle.NewSim(vehicle.SimConfig{Home: home, Speed: cfg.SimSpeed}, logger)
	if err := sim.Upload(ctx, cmds); err != nil {
		return nil, err
	}
	sim.Arm()
	logger.Info("bench simulator armed", slog.Int("commands", len(cmds)), slog.Int("stations", len(plan.Stations)))
	return sim, nil
}

func (c *companion) onClose(fn func()) {
	c.closer = append(c.closer, fn)
}

func (c *companion) close() {
	for i := len(c.closer) - 1; i >= 0; i-- {
		c.closer[i]()
	}
	c.closer = nil

	if c.loop != nil {
		if err := c.loop.Close(); err != nil {
			c.logger.Warn("closing flight controller", slog.Any("error", err))
		}
	}
}

func (c *companion) navigationConfig() navigation.Config {
	return navigation.Config{
		PollInterval:     c.cfg.PollInterval,
		ConnectBackoff:   c.cfg.ConnectRetryBackoff,
		ArmWait:          c.cfg.ArmWait,
		IdleWait:         c.cfg.IdleWait,
		NewStationGrace:  c.cfg.NewStationGrace,
		WakeDistance:     c.cfg.WakeDistance,
		DownloadDistance: c.cfg.DownloadDistance,
		ArrivalDistance:  c.cfg.ArrivalDistance,
		Bench:            c.cfg.BenchTest,
	}
}

func (c *companion) stationConfig() station.Config {
	return station.Config{
		PollInterval:   c.cfg.PollInterval,
		WakeAckTimeout: c.cfg.WakeAckTimeout,
		WakeRetries:    c.cfg.WakeRetries,
		OverallTimeout: c.cfg.DownloadOverallTimeout,
		Download: download.Options{
			Address:        c.cfg.DownloadAddress,
			ConnectTimeout: c.cfg.DownloadConnectTimeout,
			RWTimeout:      c.cfg.DownloadRWTimeout,
			Dest:           c.cfg.DataDir,
		},
	}
}

// run supervises both loops and the optional helpers. The handler and the
// helpers stop when navigation returns; close releases the flight controller.
func (c *companion) run(ctx context.Context) error {
	navOpts := []navigation.Option{
		navigation.WithLogger(c.logger),
		navigation.WithStatusSink(c.sinks),
		navigation.WithObserver(c.hub.Navigation),
	}
	if c.gps != nil {
		navOpts = append(navOpts, navigation.WithFallbackPosition(c.gps))
	}
	loop := navigation.New(c.dial, c.ch, c.navigationConfig(), navOpts...)
	c.loop = loop

	handlerOpts := []station.Option{
		station.WithLogger(c.logger),
		station.WithObserver(c.hub.Transition),
	}
	if c.store != nil {
		handlerOpts = append(handlerOpts, station.WithRecorder(c.store))
	}
	handler := station.New(c.ch, c.link, c.opener, c.stationConfig(), handlerOpts...)

	g, gctx := errgroup.WithContext(ctx)
	helpers, stopHelpers := context.WithCancel(gctx)
	defer stopHelpers()

	g.Go(func() error {
		defer stopHelpers()
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return ignoreCanceled(handler.Run(helpers))
	})

	if c.sim != nil {
		g.Go(func() error { return ignoreCanceled(c.sim.Run(helpers)) })
	}
	if c.gps != nil {
		g.Go(func() error {
			if err := c.gps.Run(helpers); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("standalone GPS stopped", slog.Any("error", err))
			}
			return nil
		})
	}
	if c.panel != nil {
		g.Go(func() error {
			return ignoreCanceled(c.panel.Run(helpers, c.hub, c.cfg.DisplayUpdateInterval))
		})
	}
	if c.cfg.WebServerPort > 0 {
		srv := monitor.NewServer(c.hub, c.visitSource(), c.logger)
		g.Go(func() error {
			if err := srv.ListenAndServe(helpers, c.cfg.WebServerPort); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("web monitor stopped", slog.Any("error", err))
			}
			return nil
		})
	}

	err := g.Wait()
	switch {
	case err == nil:
		c.logger.Info("mission complete")
	case errors.Is(err, navigation.ErrOperatorOverride):
		c.logger.Warn("mission ended by operator override")
	}
	return err
}

func (c *companion) visitSource() monitor.VisitSource {
	if c.store == nil {
		return nil
	}
	return c.store
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func disconnect(client mqtt.Client) {
	client.Disconnect(250)
}
