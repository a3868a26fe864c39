package sensor

import (
	"time"
)

// Vendor identifies an integration family.
type Vendor string

const (
	VendorCloud Vendor = "cloud"
	VendorLocal Vendor = "local"
)

// Valid reports whether v is one of the known vendors.
func (v Vendor) Valid() bool {
	return v == VendorCloud || v == VendorLocal
}

// Device is one physical sensor or controller, scoped by vendor.
type Device struct {
	DeviceID    string    `json:"deviceId"`
	Vendor      Vendor    `json:"vendor"`
	ZoneID      string    `json:"zoneId"`
	DisplayName string    `json:"displayName"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Disabled    bool      `json:"disabled"`
}

// Key returns a canonical key for indexing devices across vendors.
func (d Device) Key() string {
	return DeviceKey(d.Vendor, d.DeviceID)
}

// DeviceKey builds the vendor-scoped key used by stores and caches.
func DeviceKey(vendor Vendor, deviceID string) string {
	return string(vendor) + "/" + deviceID
}

// Credential holds the long-lived secret and the short-lived session token for
// one vendor account.
type Credential struct {
	Vendor         Vendor
	Username       string
	Secret         string
	SessionToken   string
	TokenExpiresAt *time.Time
}

// HasToken reports whether a session token is present, regardless of expiry.
func (c Credential) HasToken() bool {
	return c.SessionToken != "" && c.TokenExpiresAt != nil
}

// SensorReading is the canonical, immutable time-series row.
type SensorReading struct {
	DeviceID        string    `json:"deviceId"`
	Vendor          Vendor    `json:"vendor"`
	Metric          string    `json:"metric"`
	Value           float64   `json:"value"`
	Unit            string    `json:"unit"`
	ObservedAt      time.Time `json:"observedAt"` // always UTC
	ZoneID          string    `json:"zoneId"`
	ApproximateTime bool      `json:"approximateTime"`
}

// Key identifies a reading for duplicate detection.
func (r SensorReading) Key() string {
	return DeviceKey(r.Vendor, r.DeviceID) + "|" + r.Metric + "|" + r.ObservedAt.UTC().Format(time.RFC3339Nano)
}

// RawMetric is what a vendor client hands back after decoding its payload.
// Vendor is the variant tag; nothing outside the vendors package sees the
// vendor's own JSON shapes.
type RawMetric struct {
	Vendor     Vendor
	DeviceID   string
	DeviceName string
	ZoneHint   string
	Name       string
	Value      float64
	Unit       string
	ObservedAt *time.Time
}

// DeviceDescriptor is one entry of the cloud vendor's device list.
type DeviceDescriptor struct {
	ID   string
	Name string
	Zone string
}

// StreamSource is a configured camera endpoint.
type StreamSource struct {
	StreamID        string        `json:"streamId"`
	URL             string        `json:"url"`
	ZoneID          string        `json:"zoneId"`
	CaptureInterval time.Duration `json:"captureInterval"`
}

// Snapshot is the metadata row for a captured still frame.
type Snapshot struct {
	StreamID    string    `json:"streamId"`
	ZoneID      string    `json:"zoneId"`
	CapturedAt  time.Time `json:"capturedAt"`
	FilePath    string    `json:"filePath"`
	ContentType string    `json:"contentType"`
	Bytes       int64     `json:"bytes"`
}

// Settings is the snapshot of runtime settings read at the start of a cycle.
type Settings struct {
	PollingInterval      time.Duration
	CloudEnabled         bool
	LocalEnabled         bool
	LocalBaseURL         string
	LocalAPIKey          string
	StreamCaptureEnabled bool
	Streams              []StreamSource

	// DefaultZoneID is used when neither DeviceZones nor the vendor names a zone.
	DefaultZoneID string
	// DeviceZones maps DeviceKey(vendor, id) to a zone id.
	DeviceZones map[string]string
}

// ZoneFor resolves the zone for a device.
func (s Settings) ZoneFor(vendor Vendor, deviceID, hint string) string {
	if z, ok := s.DeviceZones[DeviceKey(vendor, deviceID)]; ok && z != "" {
		return z
	}
	if hint != "" {
		return hint
	}
	return s.DefaultZoneID
}
