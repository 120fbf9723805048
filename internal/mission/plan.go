// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mission

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is the operator-authored description of a flight, loaded from YAML:
//
//	takeoff_altitude: 30
//	stations:
//	  - id: "42"
//	    lat: 47.3971
//	    lon: 8.5461
//	    alt: 60
//	    route:
//	      - {lat: 47.3950, lon: 8.5400, alt: 60}
//	landing:
//	  loiter: {lat: 47.3900, lon: 8.5300, alt: 75, radius: 75}
//	  touchdown: {lat: 47.3895, lon: 8.5290}
type Plan struct {
	TakeoffAltitude float64   `yaml:"takeoff_altitude"`
	Stations        []Station `yaml:"stations"`
	Landing         Landing   `yaml:"landing"`
}

// Station is one data station to visit, with optional route waypoints flown
// before it.
type Station struct {
	ID    string     `yaml:"id"`
	Lat   float64    `yaml:"lat"`
	Lon   float64    `yaml:"lon"`
	Alt   float64    `yaml:"alt"`
	Route []Waypoint `yaml:"route"`
}

type Waypoint struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
	Alt float64 `yaml:"alt"`
}

// Landing describes the fixed-wing landing sequence. Loiter is optional; when
// present the aircraft spirals down to its altitude before final approach.
type Landing struct {
	Loiter    *LoiterPoint `yaml:"loiter"`
	Touchdown Waypoint     `yaml:"touchdown"`
}

type LoiterPoint struct {
	Lat    float64 `yaml:"lat"`
	Lon    float64 `yaml:"lon"`
	Alt    float64 `yaml:"alt"`
	Radius float64 `yaml:"radius"`
}

const defaultLoiterRadius = 75

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan can be encoded into a mission.
func (p *Plan) Validate() error {
	if p.TakeoffAltitude <= 0 {
		return errors.New("takeoff_altitude must be positive")
	}
	if len(p.Stations) == 0 {
		return errors.New("plan has no stations")
	}
	seen := make(map[string]bool, len(p.Stations))
	for i, s := range p.Stations {
		if _, err := EncodeStationID(s.ID); err != nil {
			return fmt.Errorf("station %d: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("station %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	if p.Landing.Touchdown.Lat == 0 && p.Landing.Touchdown.Lon == 0 {
		return errors.New("landing touchdown point is required")
	}
	return nil
}

// Commands encodes the plan as the ordered command list uploaded to the
// flight controller: the home slot, TAKEOFF, then per station its route
// WAYPOINTs and the (LOITER, REGION-TAG) marker pair, then the landing
// sequence.
//
// ArduPilot keeps item 0 for home, overwrites it on arming and starts AUTO
// at item 1, so the home slot holds the touchdown point as a placeholder.
func (p *Plan) Commands() ([]Command, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	t := p.Landing.Touchdown
	cmds := []Command{
		{Kind: KindWaypoint, Lat: t.Lat, Lon: t.Lon},
		{Kind: KindTakeoff, Alt: p.TakeoffAltitude},
	}

	for _, s := range p.Stations {
		for _, w := range s.Route {
			cmds = append(cmds, Command{Kind: KindWaypoint, Lat: w.Lat, Lon: w.Lon, Alt: w.Alt})
		}

		id, _ := EncodeStationID(s.ID)
		cmds = append(cmds,
			Command{Kind: KindLoiter, Lat: s.Lat, Lon: s.Lon, Alt: s.Alt},
			Command{Kind: KindRegionTag, Params: [4]float64{0, 0, id, 0}, Lat: s.Lat, Lon: s.Lon, Alt: s.Alt},
		)
	}

	if l := p.Landing.Loiter; l != nil {
		radius := l.Radius
		if radius == 0 {
			radius = defaultLoiterRadius
		}
		cmds = append(cmds,
			Command{Kind: KindLandStart},
			// param1=1 requires heading, param2=radius, param4=1 exit xtrack from center
			Command{Kind: KindLoiterToAlt, Params: [4]float64{1, radius, 0, 1}, Lat: l.Lat, Lon: l.Lon, Alt: l.Alt},
		)
	}

	cmds = append(cmds, Command{Kind: KindLand, Lat: t.Lat, Lon: t.Lon})

	return Reindex(cmds), nil
}
