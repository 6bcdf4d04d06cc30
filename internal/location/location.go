// Package location holds the device position model and the repository that
// tracks the latest fix and the last published position.
// This package has NO external dependencies. Time is always injected.
package location

import (
	"math"
	"time"
)

// SamePlaceRadius is the distance in metres at or below which two locations
// are considered the same place.
const SamePlaceRadius = 1.0

// earthRadius is the IUGG mean Earth radius in metres.
const earthRadius = 6371008.8

// Location is a single position fix.
type Location struct {
	Latitude  float64 // degrees, WGS84
	Longitude float64 // degrees, WGS84
	Altitude  float64 // metres
	Accuracy  float64 // metres, 0 if unknown
	Velocity  float64 // km/h
	Course    float64 // degrees
	Time      time.Time
}

// DistanceTo returns the great-circle distance to other in metres.
func (l Location) DistanceTo(other Location) float64 {
	lat1 := l.Latitude * math.Pi / 180
	lat2 := other.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (other.Longitude - l.Longitude) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// SamePlace reports whether other is within SamePlaceRadius of l.
func (l Location) SamePlace(other Location) bool {
	return l.DistanceTo(other) <= SamePlaceRadius
}

// WithTime returns a copy of l with the fix time replaced by t.
func (l Location) WithTime(t time.Time) Location {
	l.Time = t
	return l
}

// ReportType tags a published location message with why it was sent.
type ReportType string

const (
	ReportDefault ReportType = "DEFAULT"
	ReportUser    ReportType = "USER"
	ReportPing    ReportType = "PING"
)

// Trigger returns the OwnTracks "t" field for the report type.
// Routine reports carry no trigger.
func (r ReportType) Trigger() string {
	switch r {
	case ReportUser:
		return "u"
	case ReportPing:
		return "p"
	default:
		return ""
	}
}
