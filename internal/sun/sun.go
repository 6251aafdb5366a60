// Package sun answers sunrise, sunset and daylight questions for a fixed
// location on top of go-sunrise.
package sun

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Events.
const (
	Sunrise = "sunrise"
	Sunset  = "sunset"
)

// horizonElevation is the solar elevation at apparent sunrise, allowing for
// refraction and the radius of the disc.
const horizonElevation = -0.833

// Times returns sunrise and sunset for the calendar day of day (in its own
// location). ok is false during polar day or night.
func Times(day time.Time, lat, lon float64) (rise, set time.Time, ok bool) {
	y, m, d := day.Date()
	rise, set = sunrise.SunriseSunset(lat, lon, y, m, d)
	if rise.IsZero() || set.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	loc := day.Location()
	return rise.In(loc), set.In(loc), true
}

// Elevation returns the solar elevation in degrees at t.
func Elevation(t time.Time, lat, lon float64) float64 {
	return sunrise.Elevation(lat, lon, t)
}

// AboveHorizon reports whether the sun's upper limb is visible at t.
func AboveHorizon(t time.Time, lat, lon float64) bool {
	return Elevation(t, lat, lon) > horizonElevation
}

// Next returns the first occurrence of event (Sunrise or Sunset) shifted by
// offset that is strictly after t. The zero time is returned if none occurs
// within a year.
func Next(event string, t time.Time, lat, lon float64, offset time.Duration) time.Time {
	for i := -1; i <= 366; i++ {
		rise, set, ok := Times(t.AddDate(0, 0, i), lat, lon)
		if !ok {
			continue
		}
		at := rise
		if event == Sunset {
			at = set
		}
		if at = at.Add(offset); at.After(t) {
			return at
		}
	}
	return time.Time{}
}
