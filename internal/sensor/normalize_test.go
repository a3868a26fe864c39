package sensor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKeepsNativeValueAndUnit(t *testing.T) {
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	observed := time.Date(2024, 5, 1, 11, 59, 30, 0, time.FixedZone("CEST", 2*3600))

	r, err := Normalize(VendorLocal, RawMetric{
		Vendor:     VendorLocal,
		DeviceID:   " gw-1 ",
		Name:       "Temperature",
		Value:      72.5,
		Unit:       "F",
		ObservedAt: &observed,
	}, fetched)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", r.DeviceID)
	assert.Equal(t, "temperature", r.Metric)
	assert.Equal(t, 72.5, r.Value)
	assert.Equal(t, "°F", r.Unit)
	assert.Equal(t, observed.UTC(), r.ObservedAt)
	assert.Equal(t, time.UTC, r.ObservedAt.Location())
	assert.False(t, r.ApproximateTime)
}

func TestNormalizeUnknownUnitUntouched(t *testing.T) {
	r, err := Normalize(VendorCloud, RawMetric{DeviceID: "d", Name: "vpd", Value: 1.2, Unit: "kPa"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "kPa", r.Unit)
	assert.Equal(t, 1.2, r.Value)
}

func TestNormalizeTimestampFallback(t *testing.T) {
	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	future := fetched.Add(48 * time.Hour)
	slightlyAhead := fetched.Add(time.Minute)

	tests := []struct {
		name       string
		observed   *time.Time
		want       time.Time
		wantApprox bool
	}{
		{"missing", nil, fetched, true},
		{"zero", &time.Time{}, fetched, true},
		{"far future", &future, fetched, true},
		{"small skew kept", &slightlyAhead, slightlyAhead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Normalize(VendorCloud, RawMetric{DeviceID: "d", Name: "humidity", Value: 50, Unit: "%", ObservedAt: tt.observed}, fetched)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.ObservedAt)
			assert.Equal(t, tt.wantApprox, r.ApproximateTime)
		})
	}
}

func TestNormalizeDrops(t *testing.T) {
	tests := []struct {
		name   string
		vendor Vendor
		raw    RawMetric
		reason DropReason
	}{
		{"missing device", VendorCloud, RawMetric{Name: "temperature", Value: 1}, DropMissingDevice},
		{"missing metric", VendorCloud, RawMetric{DeviceID: "d", Value: 1}, DropMissingMetric},
		{"nan", VendorCloud, RawMetric{DeviceID: "d", Name: "t", Value: math.NaN()}, DropInvalidValue},
		{"inf", VendorCloud, RawMetric{DeviceID: "d", Name: "t", Value: math.Inf(1)}, DropInvalidValue},
		{"vendor mismatch", VendorCloud, RawMetric{Vendor: VendorLocal, DeviceID: "d", Name: "t", Value: 1}, DropVendorMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.vendor, tt.raw, time.Now())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDropped))

			var drop *DropError
			require.True(t, errors.As(err, &drop))
			assert.Equal(t, tt.reason, drop.Reason)
		})
	}
}

func TestSettingsZoneFor(t *testing.T) {
	s := Settings{
		DefaultZoneID: "default",
		DeviceZones:   map[string]string{DeviceKey(VendorCloud, "d1"): "tent-a"},
	}

	assert.Equal(t, "tent-a", s.ZoneFor(VendorCloud, "d1", "hint"))
	assert.Equal(t, "hint", s.ZoneFor(VendorCloud, "d2", "hint"))
	assert.Equal(t, "default", s.ZoneFor(VendorLocal, "d1", ""))
}

func TestDeviceFromMetric(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d := DeviceFromMetric(VendorLocal, RawMetric{DeviceID: "gw:ch1"}, Settings{DefaultZoneID: "veg"}, seen)

	assert.Equal(t, "gw:ch1", d.DeviceID)
	assert.Equal(t, "gw:ch1", d.DisplayName)
	assert.Equal(t, "veg", d.ZoneID)
	assert.Equal(t, seen, d.LastSeenAt)
	assert.Equal(t, "local/gw:ch1", d.Key())
}
