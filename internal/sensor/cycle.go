package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CycleResult summarizes one execution of an integration's poll logic.
type CycleResult struct {
	Devices   int `json:"devices"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Readings  int `json:"readings"`
	Dropped   int `json:"dropped"`
	Logins    int `json:"logins"`
}

// Partial reports whether some but not all devices failed.
func (r CycleResult) Partial() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

func (r *CycleResult) add(o CycleResult) {
	r.Devices += o.Devices
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Readings += o.Readings
	r.Dropped += o.Dropped
	r.Logins += o.Logins
}

// deviceBatch is a device together with the readings of one fetch.
type deviceBatch struct {
	device   Device
	readings []SensorReading
}

// buildBatches normalizes metrics and groups them per device, in first-seen
// order. Rejected metrics are logged and counted, never fatal.
func buildBatches(vendor Vendor, metrics []RawMetric, settings Settings, fetchedAt time.Time, logger *zap.Logger) ([]*deviceBatch, int) {
	var (
		order   []*deviceBatch
		byID    = make(map[string]*deviceBatch)
		dropped int
	)

	for _, m := range metrics {
		reading, err := Normalize(vendor, m, fetchedAt)
		if err != nil {
			dropped++
			var drop *DropError
			if errors.As(err, &drop) {
				logger.Warn("dropping metric",
					zap.String("vendor", string(vendor)),
					zap.String("reason", string(drop.Reason)),
					zap.String("device_id", drop.DeviceID),
					zap.String("metric", drop.Metric),
				)
			}
			continue
		}

		b, ok := byID[reading.DeviceID]
		if !ok {
			b = &deviceBatch{device: DeviceFromMetric(vendor, m, settings, fetchedAt)}
			byID[reading.DeviceID] = b
			order = append(order, b)
		}
		reading.ZoneID = b.device.ZoneID
		b.readings = append(b.readings, reading)
	}
	return order, dropped
}

// commitBatch persists one device's readings in a single transaction and
// notifies the observer. The result counts exactly one device.
func commitBatch(ctx context.Context, sink Sink, observer ReadingObserver, b *deviceBatch, logger *zap.Logger) (CycleResult, error) {
	res := CycleResult{Devices: 1}

	stored, n, err := sink.WriteDeviceReadings(ctx, b.device, b.readings)
	if err != nil {
		res.Failed = 1
		return res, fmt.Errorf("failed to write readings for %s: %w", b.device.Key(), err)
	}
	res.Succeeded = 1
	res.Readings = n

	if stored.Disabled {
		logger.Debug("device disabled; readings skipped",
			zap.String("vendor", string(stored.Vendor)),
			zap.String("device_id", stored.DeviceID),
		)
		return res, nil
	}
	if observer != nil && len(b.readings) > 0 {
		observer.ReadingsCommitted(ctx, stored, b.readings)
	}
	return res, nil
}
