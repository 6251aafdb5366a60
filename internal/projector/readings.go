package projector

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"homesignal/internal/store"
)

// metricUnits is the registry of payload fields that become readings.
var metricUnits = map[string]string{
	"temperature":   "°C",
	"humidity":      "%",
	"pressure":      "hPa",
	"co2":           "ppm",
	"voc":           "ppb",
	"illuminance":   "lx",
	"occupancy":     "",
	"motion":        "",
	"power":         "W",
	"energy":        "kWh",
	"voltage":       "V",
	"current":       "A",
	"battery":       "%",
	"linkquality":   "lqi",
	"position":      "%",
	"brightness":    "",
	"water_leak":    "",
	"contact":       "",
	"smoke":         "",
	"tamper":        "",
	"vibration":     "",
	"pm25":          "µg/m³",
	"formaldehyde":  "mg/m³",
	"soil_moisture": "%",
}

// metricAliases apply only when the canonical field is absent.
var metricAliases = map[string]string{
	"device_temperature": "temperature",
	"local_temperature":  "temperature",
	"illuminance_lux":    "illuminance",
}

// extractReadings returns one reading per recognized metric field, in
// field name order.
func extractReadings(deviceID, eventID string, ts time.Time, fields map[string]any) []store.SensorReading {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []store.SensorReading
	seen := make(map[string]bool)
	for _, name := range names {
		metric, ok := canonicalMetric(name, fields)
		if !ok || seen[metric] {
			continue
		}
		v, ok := toFloat(fields[name])
		if !ok {
			continue
		}
		if metric == "voltage" && v > 100 {
			v /= 1000 // millivolts
		}
		seen[metric] = true
		out = append(out, store.SensorReading{
			DeviceID:  deviceID,
			Metric:    metric,
			Value:     v,
			Unit:      metricUnits[metric],
			Timestamp: ts,
			EventID:   eventID,
		})
	}
	return out
}

func canonicalMetric(field string, fields map[string]any) (string, bool) {
	name := strings.ToLower(field)
	if _, ok := metricUnits[name]; ok {
		return name, true
	}
	canon, ok := metricAliases[name]
	if !ok {
		return "", false
	}
	if _, present := fields[canon]; present {
		return "", false
	}
	return canon, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
