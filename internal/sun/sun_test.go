package sun

import (
	"testing"
	"time"
)

func within(t *testing.T, name string, got, want time.Time, tol time.Duration) {
	t.Helper()
	d := got.Sub(want)
	if d < 0 {
		d = -d
	}
	if d > tol {
		t.Errorf("%s = %s, want %s ± %s", name, got.Format(time.RFC3339), want.Format(time.RFC3339), tol)
	}
}

func TestTimes(t *testing.T) {
	tests := []struct {
		name     string
		day      time.Time
		lat, lon float64
		rise     time.Time
		set      time.Time
	}{
		{
			"london midsummer",
			time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC),
			51.5074, -0.1278,
			time.Date(2024, 6, 21, 3, 43, 0, 0, time.UTC),
			time.Date(2024, 6, 21, 20, 21, 0, 0, time.UTC),
		},
		{
			"equator equinox",
			time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC),
			0, 0,
			time.Date(2024, 3, 20, 6, 4, 0, 0, time.UTC),
			time.Date(2024, 3, 20, 18, 11, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rise, set, ok := Times(tt.day, tt.lat, tt.lon)
			if !ok {
				t.Fatal("ok = false")
			}
			within(t, "sunrise", rise, tt.rise, 5*time.Minute)
			within(t, "sunset", set, tt.set, 5*time.Minute)
		})
	}
}

func TestTimesKeepsLocation(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	rise, _, ok := Times(time.Date(2024, 6, 21, 9, 0, 0, 0, loc), 52.52, 13.405)
	if !ok {
		t.Fatal("ok = false")
	}
	if rise.Location() != loc {
		t.Errorf("location = %v, want %v", rise.Location(), loc)
	}
	// Berlin midsummer sunrise is about 04:43 local time.
	within(t, "sunrise", rise, time.Date(2024, 6, 21, 4, 43, 0, 0, loc), 5*time.Minute)
}

func TestPolarDay(t *testing.T) {
	_, _, ok := Times(time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), 78.22, 15.65)
	if ok {
		t.Error("svalbard midsummer should have no sunset")
	}
	noon := time.Date(2024, 6, 21, 11, 0, 0, 0, time.UTC)
	midnight := time.Date(2024, 6, 21, 23, 0, 0, 0, time.UTC)
	if !AboveHorizon(noon, 78.22, 15.65) || !AboveHorizon(midnight, 78.22, 15.65) {
		t.Error("sun should stay above the horizon during polar day")
	}
}

func TestElevation(t *testing.T) {
	// London, midsummer solar noon: about 62 degrees.
	e := Elevation(time.Date(2024, 6, 21, 12, 2, 0, 0, time.UTC), 51.5074, -0.1278)
	if e < 60 || e > 63 {
		t.Errorf("noon elevation = %.2f, want about 62", e)
	}
	if AboveHorizon(time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), 51.5074, -0.1278) {
		t.Error("sun above horizon at London midnight")
	}
}

func TestNext(t *testing.T) {
	lat, lon := 51.5074, -0.1278
	from := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)

	set := Next(Sunset, from, lat, lon, 0)
	within(t, "next sunset", set, time.Date(2024, 6, 21, 20, 21, 0, 0, time.UTC), 5*time.Minute)

	rise := Next(Sunrise, from, lat, lon, 0)
	if rise.Day() != 22 {
		t.Errorf("next sunrise day = %d, want 22", rise.Day())
	}

	early := Next(Sunset, from, lat, lon, -30*time.Minute)
	within(t, "sunset - 30m", early, set.Add(-30*time.Minute), time.Minute)
}
