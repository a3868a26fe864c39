package sensor

import (
	"context"
	"time"
)

// CloudClient talks to the token-based cloud vendor API.
type CloudClient interface {
	Login(ctx context.Context, cred Credential) (token string, expiresAt time.Time, err error)
	ListDevices(ctx context.Context, token string) ([]DeviceDescriptor, error)
	FetchTelemetry(ctx context.Context, token string, device DeviceDescriptor) ([]RawMetric, error)
}

// LocalClient talks to a LAN weather-station gateway.
type LocalClient interface {
	FetchAll(ctx context.Context, baseURL, apiKey string) ([]RawMetric, error)
}

// CredentialStore holds vendor credentials and session tokens.
type CredentialStore interface {
	Get(ctx context.Context, vendor Vendor) (Credential, error)
	SetToken(ctx context.Context, vendor Vendor, token string, expiresAt time.Time) error
	Expire(ctx context.Context, vendor Vendor) error
	IsValid(ctx context.Context, vendor Vendor, now time.Time) bool
	Lock(vendor Vendor) (unlock func())
}

// Sink is the append-only persistence contract. Implementations must be safe
// for concurrent use by every integration task.
type Sink interface {
	InsertReading(ctx context.Context, r SensorReading) error
	UpsertDevice(ctx context.Context, d Device) (Device, error)
	InsertSnapshot(ctx context.Context, s Snapshot) error
	// WriteDeviceReadings upserts the device and inserts its readings in one
	// transaction. It returns the stored device (including Disabled) and the
	// number of readings actually inserted; disabled devices get none.
	WriteDeviceReadings(ctx context.Context, d Device, readings []SensorReading) (Device, int, error)
}

// SettingsProvider yields a settings snapshot. It is read once per cycle.
type SettingsProvider interface {
	Settings(ctx context.Context) (Settings, error)
}

// ReadingObserver is told about readings after they are committed.
type ReadingObserver interface {
	ReadingsCommitted(ctx context.Context, d Device, readings []SensorReading)
}

// Observers fans committed readings out to several observers.
type Observers []ReadingObserver

// ReadingsCommitted implements ReadingObserver.
func (o Observers) ReadingsCommitted(ctx context.Context, d Device, readings []SensorReading) {
	for _, obs := range o {
		if obs != nil {
			obs.ReadingsCommitted(ctx, d, readings)
		}
	}
}
