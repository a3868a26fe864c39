package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type fakeCreds struct {
	mu        sync.Mutex
	cred      Credential
	setTokens int
	expires   int

	loginLock sync.Mutex
}

func newFakeCreds(token string, expiresAt time.Time) *fakeCreds {
	c := &fakeCreds{cred: Credential{Vendor: VendorCloud, Username: "grower", Secret: "secret"}}
	if token != "" {
		c.cred.SessionToken = token
		c.cred.TokenExpiresAt = &expiresAt
	}
	return c
}

func (c *fakeCreds) Get(context.Context, Vendor) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, nil
}

func (c *fakeCreds) SetToken(_ context.Context, _ Vendor, token string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred.SessionToken = token
	c.cred.TokenExpiresAt = &expiresAt
	c.setTokens++
	return nil
}

func (c *fakeCreds) Expire(context.Context, Vendor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred.SessionToken = ""
	c.cred.TokenExpiresAt = nil
	c.expires++
	return nil
}

func (c *fakeCreds) IsValid(_ context.Context, _ Vendor, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred.HasToken() && c.cred.TokenExpiresAt.After(now.Add(time.Minute))
}

func (c *fakeCreds) Lock(Vendor) func() {
	c.loginLock.Lock()
	return c.loginLock.Unlock
}

// fakeCloud accepts exactly one token at a time: the one issued by its last
// login (or the one it was seeded with).
type fakeCloud struct {
	mu             sync.Mutex
	validToken     string
	logins         int
	loginErr       error
	devices        []DeviceDescriptor
	telemetry      map[string][]RawMetric
	deviceErr      map[string]error
	telemetryCalls map[string]int
	listCalls      int

	// telemetryAlwaysExpired rejects every telemetry call with ErrTokenExpired.
	telemetryAlwaysExpired bool
}

func (f *fakeCloud) Login(context.Context, Credential) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return "", time.Time{}, f.loginErr
	}
	f.validToken = fmt.Sprintf("tok-%d", f.logins)
	return f.validToken, time.Now().Add(time.Hour), nil
}

func (f *fakeCloud) ListDevices(_ context.Context, token string) ([]DeviceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if token != f.validToken {
		return nil, ErrTokenExpired
	}
	return f.devices, nil
}

func (f *fakeCloud) FetchTelemetry(_ context.Context, token string, d DeviceDescriptor) ([]RawMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.telemetryCalls == nil {
		f.telemetryCalls = make(map[string]int)
	}
	f.telemetryCalls[d.ID]++
	if err, ok := f.deviceErr[d.ID]; ok {
		return nil, err
	}
	if f.telemetryAlwaysExpired || token != f.validToken {
		return nil, ErrTokenExpired
	}
	return f.telemetry[d.ID], nil
}

type fakeSink struct {
	mu        sync.Mutex
	devices   map[string]Device
	readings  []SensorReading
	snapshots []Snapshot
	failFor   map[string]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{devices: make(map[string]Device), failFor: make(map[string]error)}
}

func (s *fakeSink) InsertReading(_ context.Context, r SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, r)
	return nil
}

func (s *fakeSink) UpsertDevice(_ context.Context, d Device) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.devices[d.Key()]; ok {
		d.Disabled = prev.Disabled
	}
	s.devices[d.Key()] = d
	return d, nil
}

func (s *fakeSink) InsertSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeSink) WriteDeviceReadings(ctx context.Context, d Device, readings []SensorReading) (Device, int, error) {
	s.mu.Lock()
	if err, ok := s.failFor[d.Key()]; ok {
		s.mu.Unlock()
		return Device{}, 0, err
	}
	s.mu.Unlock()

	stored, err := s.UpsertDevice(ctx, d)
	if err != nil || stored.Disabled {
		return stored, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
	return stored, len(readings), nil
}

func (s *fakeSink) readingsFor(deviceID string) []SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SensorReading
	for _, r := range s.readings {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

type recordingObserver struct {
	mu      sync.Mutex
	devices []string
	count   int
}

func (o *recordingObserver) ReadingsCommitted(_ context.Context, d Device, readings []SensorReading) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devices = append(o.devices, d.Key())
	o.count += len(readings)
}
