// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package status

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Output is one indicator line.
type Output interface {
	Out(l gpio.Level) error
}

// LEDSink lights the LED for the current status and turns the others off.
// Any of the three may be nil.
type LEDSink struct {
	Pending Output
	Ready   Output
	Failure Output
}

// OpenLEDs resolves GPIO pin names such as "GPIO17". Empty names are skipped.
func OpenLEDs(pendingPin, readyPin, failurePin string) (*LEDSink, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	var s LEDSink
	for _, p := range []struct {
		name string
		dst  *Output
	}{
		{pendingPin, &s.Pending},
		{readyPin, &s.Ready},
		{failurePin, &s.Failure},
	} {
		if p.name == "" {
			continue
		}
		pin := gpioreg.ByName(p.name)
		if pin == nil {
			return nil, fmt.Errorf("status LED: unknown GPIO pin %q", p.name)
		}
		*p.dst = pin
	}
	return &s, nil
}

func (s *LEDSink) Report(st Status) error {
	var errs []error
	set := func(o Output, on bool) {
		if o == nil {
			return
		}
		if err := o.Out(gpio.Level(on)); err != nil {
			errs = append(errs, err)
		}
	}
	set(s.Pending, st == Pending)
	set(s.Ready, st == Ready)
	set(s.Failure, st == Failure)
	if len(errs) > 0 {
		return fmt.Errorf("status LED: %w", errors.Join(errs...))
	}
	return nil
}

// Off turns every LED off.
func (s *LEDSink) Off() {
	for _, o := range []Output{s.Pending, s.Ready, s.Failure} {
		if o != nil {
			_ = o.Out(gpio.Low)
		}
	}
}
