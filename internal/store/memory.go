package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// readingHistory holds a time-ordered list of readings for one device.
type readingHistory struct {
	readings []sensor.SensorReading
}

// MemoryStore is a concurrency-safe in-memory sink and credential repository.
// It backs the watcher when no database is configured and serves as the test
// double for the Postgres store.
type MemoryStore struct {
	mu sync.RWMutex

	devices   map[string]sensor.Device          // key: device key
	history   map[string]*readingHistory        // key: device key
	seen      map[string]struct{}               // key: reading key
	snapshots []sensor.Snapshot
	creds     map[sensor.Vendor]sensor.Credential

	// retention configuration
	maxHistory int           // max number of readings per device
	maxAge     time.Duration // optional max age for readings
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		devices:    make(map[string]sensor.Device),
		history:    make(map[string]*readingHistory),
		seen:       make(map[string]struct{}),
		creds:      make(map[sensor.Vendor]sensor.Credential),
		maxHistory: maxHistory,
		maxAge:     maxAge,
	}
}

// UpsertDevice registers a device or refreshes its name, zone and last-seen
// time. The disabled flag is owned by the admin layer and never reset here.
func (s *MemoryStore) UpsertDevice(_ context.Context, d sensor.Device) (sensor.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertDeviceLocked(d), nil
}

func (s *MemoryStore) upsertDeviceLocked(d sensor.Device) sensor.Device {
	key := d.Key()
	if existing, ok := s.devices[key]; ok {
		d.Disabled = existing.Disabled
		if d.LastSeenAt.Before(existing.LastSeenAt) {
			d.LastSeenAt = existing.LastSeenAt
		}
	}
	s.devices[key] = d
	return d
}

// InsertReading appends a reading. Duplicates of (vendor, device, metric,
// observed_at) are ignored. The device must already be known.
func (s *MemoryStore) InsertReading(_ context.Context, r sensor.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[sensor.DeviceKey(r.Vendor, r.DeviceID)]; !ok {
		return sensor.ErrNotFound
	}
	s.insertLocked(r)
	return nil
}

func (s *MemoryStore) insertLocked(r sensor.SensorReading) bool {
	if _, dup := s.seen[r.Key()]; dup {
		return false
	}
	s.seen[r.Key()] = struct{}{}

	key := sensor.DeviceKey(r.Vendor, r.DeviceID)
	h, ok := s.history[key]
	if !ok {
		h = &readingHistory{}
		s.history[key] = h
	}
	h.readings = append(h.readings, r)
	s.enforceRetentionLocked(h)
	return true
}

func (s *MemoryStore) enforceRetentionLocked(h *readingHistory) {
	drop := 0
	if s.maxHistory > 0 && len(h.readings) > s.maxHistory {
		drop = len(h.readings) - s.maxHistory
	}
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		for drop < len(h.readings) && h.readings[drop].ObservedAt.Before(cutoff) {
			drop++
		}
	}
	if drop == 0 {
		return
	}
	for _, r := range h.readings[:drop] {
		delete(s.seen, r.Key())
	}
	h.readings = append([]sensor.SensorReading(nil), h.readings[drop:]...)
}

// WriteDeviceReadings upserts the device and inserts its readings atomically.
func (s *MemoryStore) WriteDeviceReadings(_ context.Context, d sensor.Device, readings []sensor.SensorReading) (sensor.Device, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.upsertDeviceLocked(d)
	if stored.Disabled {
		return stored, 0, nil
	}

	inserted := 0
	for _, r := range readings {
		if s.insertLocked(r) {
			inserted++
		}
	}
	return stored, inserted, nil
}

// InsertSnapshot appends snapshot metadata.
func (s *MemoryStore) InsertSnapshot(_ context.Context, snap sensor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// SetDeviceDisabled soft-disables or re-enables a device.
func (s *MemoryStore) SetDeviceDisabled(vendor sensor.Vendor, deviceID string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sensor.DeviceKey(vendor, deviceID)
	d, ok := s.devices[key]
	if !ok {
		return sensor.ErrNotFound
	}
	d.Disabled = disabled
	s.devices[key] = d
	return nil
}

// Devices returns every known device, ordered by key.
func (s *MemoryStore) Devices() []sensor.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]sensor.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Readings returns every stored reading, ordered by device then time.
func (s *MemoryStore) Readings() []sensor.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.history))
	for k := range s.history {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []sensor.SensorReading
	for _, k := range keys {
		out = append(out, s.history[k].readings...)
	}
	return out
}

// Snapshots returns the recorded snapshot metadata.
func (s *MemoryStore) Snapshots() []sensor.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]sensor.Snapshot(nil), s.snapshots...)
}

// LoadCredential implements credentials.Repository.
func (s *MemoryStore) LoadCredential(_ context.Context, vendor sensor.Vendor) (sensor.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[vendor]
	if !ok {
		return sensor.Credential{}, sensor.ErrNotFound
	}
	return c, nil
}

// SaveCredential implements credentials.Repository.
func (s *MemoryStore) SaveCredential(_ context.Context, cred sensor.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Vendor] = cred
	return nil
}

// SaveToken implements credentials.Repository.
func (s *MemoryStore) SaveToken(_ context.Context, vendor sensor.Vendor, token string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[vendor]
	if !ok {
		return sensor.ErrNotFound
	}
	c.SessionToken = token
	c.TokenExpiresAt = expiresAt
	s.creds[vendor] = c
	return nil
}
