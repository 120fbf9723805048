package gps

import (
	"time"

	"github.com/relabs-tech/station_courier/internal/geo"
)

// Fix represents a single combined GPS fix suitable for JSON and MQTT.
type Fix struct {
	Time       string  `json:"time"`        // e.g. "12:34:56"
	Date       string  `json:"date"`        // e.g. "06/12/25"
	Latitude   float64 `json:"lat"`         // decimal degrees
	Longitude  float64 `json:"lon"`         // decimal degrees
	SpeedKnots float64 `json:"speed_knots"` // speed over ground
	CourseDeg  float64 `json:"course_deg"`  // course over ground
	Validity   string  `json:"validity"`    // "A" (valid) / "V" (void)
	Satellites int64   `json:"satellites"`  // from GGA, 0 if not seen yet

	Received time.Time `json:"received"`
}

// Valid reports whether the receiver flagged the fix as usable.
func (f Fix) Valid() bool {
	return f.Validity == "A"
}

func (f Fix) Point() geo.Point {
	return geo.Point{Lat: f.Latitude, Lon: f.Longitude}
}
