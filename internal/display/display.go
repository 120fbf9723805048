// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package display draws the courier's state on the 128x64 SSD1306 OLED fitted
// to the companion computer, so the ground crew can read it before launch.
package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/station_courier/internal/monitor"
)

const (
	width      = 128
	height     = 64
	lineHeight = 13
	maxColumns = width / 7 // basicfont.Face7x13
)

// Drawer is the part of the OLED the panel uses.
type Drawer interface {
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Panel redraws the monitor view on an OLED.
type Panel struct {
	dev    Drawer
	bus    i2c.BusCloser
	logger *slog.Logger
}

// Open initializes periph and the SSD1306 on busName ("" for the first bus).
func Open(busName string, logger *slog.Logger) (*Panel, error) {
	// Initialize periph
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to initialize display: %w", err)
	}
	logger.Info("display initialized", slog.String("bus", bus.String()))

	p := NewPanel(dev, logger)
	p.bus = bus
	return p, nil
}

func NewPanel(dev Drawer, logger *slog.Logger) *Panel {
	return &Panel{dev: dev, logger: logger.With(slog.String("component", "display"))}
}

// Run shows a splash screen, then redraws the hub's view every interval
// until ctx is done.
func (p *Panel) Run(ctx context.Context, hub *monitor.Hub, interval time.Duration) error {
	if err := p.Show(Splash()); err != nil {
		p.logger.Warn("error showing splash", slog.Any("error", err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Show(Lines(hub.View())); err != nil {
				p.logger.Warn("error updating display", slog.Any("error", err))
			}
		}
	}
}

// Show draws up to four lines of text.
func (p *Panel) Show(lines []string) error {
	img := Render(lines)
	return p.dev.Draw(img.Bounds(), img, image.Point{})
}

func (p *Panel) Close() error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Close()
}

// Splash is shown until the first view is drawn.
func Splash() []string {
	return []string{"Station Courier", "Looking for", "autopilot"}
}

// Lines lays out a view as four display lines.
func Lines(v monitor.View) []string {
	nav := v.Navigation
	lines := []string{
		fmt.Sprintf("%s %s", v.Status, nav.State),
		"no station",
		fmt.Sprintf("ST %s", v.Handler.State),
		flags(v),
	}
	if nav.StationID != "" {
		lines[1] = fmt.Sprintf("#%s %s", nav.StationID, distance(nav.Distance))
	}
	if !nav.HasFix {
		lines[1] += " NOFIX"
	}
	for i, l := range lines {
		if len(l) > maxColumns {
			lines[i] = l[:maxColumns]
		}
	}
	return lines
}

func distance(m float64) string {
	if m >= 1000 {
		return fmt.Sprintf("%.1fkm", m/1000)
	}
	return fmt.Sprintf("%.0fm", m)
}

// flags renders the five signals as letters, '-' when clear.
func flags(v monitor.View) string {
	f := v.Flags
	mark := func(set bool, c byte) byte {
		if set {
			return c
		}
		return '-'
	}
	return fmt.Sprintf("%c%c%c %c%c q%d",
		mark(f.NewStation, 'N'), mark(f.Wakeup, 'W'), mark(f.Download, 'D'),
		mark(f.IsAwake, 'A'), mark(f.IsDownloading, 'X'),
		v.QueueDepth)
}

// Render draws lines in the 7x13 font, one per row.
func Render(lines []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, width, height))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, l := range lines {
		if i >= height/lineHeight {
			break
		}
		drawer.Dot = fixed.P(0, (i+1)*lineHeight)
		drawer.DrawString(l)
	}
	return img
}
