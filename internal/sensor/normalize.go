package sensor

import (
	"math"
	"strings"
	"time"
)

// maxClockSkew bounds how far in the future a vendor timestamp may be before
// it is treated as missing.
const maxClockSkew = 24 * time.Hour

var unitSpellings = map[string]string{
	"c":       "°C",
	"degc":    "°C",
	"celsius": "°C",
	"f":       "°F",
	"degf":    "°F",
	"pct":     "%",
	"percent": "%",
}

// Normalize converts one vendor metric into a SensorReading. It never converts
// units: the vendor's value and unit are stored as reported, only the unit's
// spelling is canonicalized. Missing or implausible vendor timestamps fall back
// to fetchedAt and mark the reading as approximate.
func Normalize(vendor Vendor, raw RawMetric, fetchedAt time.Time) (SensorReading, error) {
	deviceID := strings.TrimSpace(raw.DeviceID)
	metric := strings.ToLower(strings.TrimSpace(raw.Name))

	drop := func(reason DropReason) error {
		return &DropError{Reason: reason, Vendor: vendor, DeviceID: deviceID, Metric: metric}
	}

	switch {
	case raw.Vendor != "" && raw.Vendor != vendor:
		return SensorReading{}, drop(DropVendorMismatch)
	case deviceID == "":
		return SensorReading{}, drop(DropMissingDevice)
	case metric == "":
		return SensorReading{}, drop(DropMissingMetric)
	case math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0):
		return SensorReading{}, drop(DropInvalidValue)
	}

	observed, approximate := observationTime(raw.ObservedAt, fetchedAt)

	return SensorReading{
		DeviceID:        deviceID,
		Vendor:          vendor,
		Metric:          metric,
		Value:           raw.Value,
		Unit:            canonicalUnit(raw.Unit),
		ObservedAt:      observed,
		ApproximateTime: approximate,
	}, nil
}

func observationTime(reported *time.Time, fetchedAt time.Time) (time.Time, bool) {
	if reported == nil || reported.IsZero() || reported.After(fetchedAt.Add(maxClockSkew)) {
		return fetchedAt.UTC(), true
	}
	return reported.UTC(), false
}

func canonicalUnit(unit string) string {
	u := strings.TrimSpace(unit)
	if canon, ok := unitSpellings[strings.ToLower(u)]; ok {
		return canon
	}
	return u
}

// DeviceFromMetric derives the device row a metric belongs to.
func DeviceFromMetric(vendor Vendor, raw RawMetric, settings Settings, seenAt time.Time) Device {
	id := strings.TrimSpace(raw.DeviceID)
	name := raw.DeviceName
	if name == "" {
		name = id
	}
	return Device{
		DeviceID:    id,
		Vendor:      vendor,
		ZoneID:      settings.ZoneFor(vendor, id, raw.ZoneHint),
		DisplayName: name,
		LastSeenAt:  seenAt.UTC(),
	}
}
