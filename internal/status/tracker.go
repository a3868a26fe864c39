// Package status keeps the per-integration state shown by the UI: last run,
// last success, consecutive failures and degraded flags.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// Kind distinguishes vendor loops from stream loops.
type Kind string

const (
	KindVendor Kind = "vendor"
	KindStream Kind = "stream"
)

// DefaultDegradeAfter is the number of consecutive failed cycles after which a
// vendor integration is flagged degraded.
const DefaultDegradeAfter = 3

// IntegrationStatus is the externally visible state of one task.
type IntegrationStatus struct {
	Name                string             `json:"name"`
	Kind                Kind               `json:"kind"`
	Enabled             bool               `json:"enabled"`
	Running             bool               `json:"running"`
	LastRunAt           *time.Time         `json:"lastRunAt,omitempty"`
	LastSuccessAt       *time.Time         `json:"lastSuccessAt,omitempty"`
	LastDuration        time.Duration      `json:"lastDurationNs"`
	LastError           string             `json:"lastError,omitempty"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	SkippedTicks        int64              `json:"skippedTicks"`
	Degraded            bool               `json:"degraded"`
	EffectiveInterval   time.Duration      `json:"effectiveIntervalNs"`
	LastResult          sensor.CycleResult `json:"lastResult"`
}

// Mirror receives a copy of every status change.
type Mirror interface {
	Publish(ctx context.Context, st IntegrationStatus) error
}

// Tracker is a concurrency-safe registry of integration states. It also
// implements sensor.ReadingObserver to keep the latest value per device metric.
type Tracker struct {
	mu           sync.RWMutex
	items        map[string]*IntegrationStatus
	latest       map[string]sensor.SensorReading // key: device key + metric
	degradeAfter int

	mirror Mirror
	logger *zap.Logger
}

// NewTracker creates a Tracker. mirror may be nil.
func NewTracker(degradeAfter int, mirror Mirror, logger *zap.Logger) *Tracker {
	if degradeAfter <= 0 {
		degradeAfter = DefaultDegradeAfter
	}
	return &Tracker{
		items:        make(map[string]*IntegrationStatus),
		latest:       make(map[string]sensor.SensorReading),
		degradeAfter: degradeAfter,
		mirror:       mirror,
		logger:       logger,
	}
}

// update applies fn to the named status under the lock and mirrors the result.
func (t *Tracker) update(name string, kind Kind, fn func(st *IntegrationStatus)) {
	t.mu.Lock()
	st, ok := t.items[name]
	if !ok {
		st = &IntegrationStatus{Name: name, Kind: kind}
		t.items[name] = st
	}
	fn(st)
	snapshot := *st
	t.mu.Unlock()

	if t.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Publish(ctx, snapshot); err != nil {
		t.logger.Warn("status mirror publish failed", zap.String("integration", name), zap.Error(err))
	}
}

// Register makes an integration known, enabled or not.
func (t *Tracker) Register(name string, kind Kind, enabled bool) {
	t.update(name, kind, func(st *IntegrationStatus) {
		st.Kind = kind
		st.Enabled = enabled
	})
}

// CycleStarted marks the integration as running.
func (t *Tracker) CycleStarted(name string, kind Kind, at time.Time) {
	t.update(name, kind, func(st *IntegrationStatus) {
		st.Running = true
		at := at.UTC()
		st.LastRunAt = &at
	})
}

// CycleFinished records the outcome of a cycle. A cycle fails when it returns
// an error or when every device it attempted failed.
func (t *Tracker) CycleFinished(name string, kind Kind, finished time.Time, took time.Duration, res sensor.CycleResult, err error) {
	failed := err != nil || (res.Devices > 0 && res.Succeeded == 0)
	t.update(name, kind, func(st *IntegrationStatus) {
		st.Running = false
		st.LastDuration = took
		st.LastResult = res
		if failed {
			st.ConsecutiveFailures++
			if err != nil {
				st.LastError = err.Error()
			} else {
				st.LastError = "all devices failed"
			}
		} else {
			st.ConsecutiveFailures = 0
			st.LastError = ""
			at := finished.UTC()
			st.LastSuccessAt = &at
		}
		if kind == KindVendor {
			st.Degraded = st.ConsecutiveFailures >= t.degradeAfter
		}
	})
}

// TickSkipped counts a tick dropped because the previous cycle was running.
func (t *Tracker) TickSkipped(name string, kind Kind) {
	t.update(name, kind, func(st *IntegrationStatus) {
		st.SkippedTicks++
	})
}

// StreamBackoff records a stream's backoff state as computed by the grabber.
func (t *Tracker) StreamBackoff(name string, failures int, degraded bool, interval time.Duration) {
	t.update(name, KindStream, func(st *IntegrationStatus) {
		st.ConsecutiveFailures = failures
		st.Degraded = degraded
		st.EffectiveInterval = interval
	})
}

// Get returns the status of one integration.
func (t *Tracker) Get(name string) (IntegrationStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.items[name]
	if !ok {
		return IntegrationStatus{}, false
	}
	return *st, true
}

// List returns every status ordered by name.
func (t *Tracker) List() []IntegrationStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]IntegrationStatus, 0, len(t.items))
	for _, st := range t.items {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReadingsCommitted implements sensor.ReadingObserver.
func (t *Tracker) ReadingsCommitted(_ context.Context, d sensor.Device, readings []sensor.SensorReading) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range readings {
		key := d.Key() + "|" + r.Metric
		if prev, ok := t.latest[key]; ok && prev.ObservedAt.After(r.ObservedAt) {
			continue
		}
		t.latest[key] = r
	}
}

// Latest returns the most recent reading per device metric in a zone.
func (t *Tracker) Latest(zoneID string) []sensor.SensorReading {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []sensor.SensorReading
	for _, r := range t.latest {
		if r.ZoneID == zoneID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}
