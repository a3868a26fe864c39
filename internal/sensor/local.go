package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// errLocalNotConfigured is returned when the local integration is enabled
// without a gateway address.
var errLocalNotConfigured = errors.New("local gateway base url is not configured")

// LocalPoller runs poll cycles against the LAN weather-station gateway.
type LocalPoller struct {
	client      LocalClient
	sink        Sink
	observer    ReadingObserver
	logger      *zap.Logger
	callTimeout time.Duration
	now         func() time.Time
}

// NewLocalPoller creates a new LocalPoller. A zero callTimeout uses the default.
func NewLocalPoller(client LocalClient, sink Sink, observer ReadingObserver, callTimeout time.Duration, logger *zap.Logger) *LocalPoller {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &LocalPoller{
		client:      client,
		sink:        sink,
		observer:    observer,
		logger:      logger.With(zap.String("vendor", string(VendorLocal))),
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// RunCycle fetches every current reading from the gateway in one call and
// persists them per sub-device. An unreachable gateway is returned as an
// ErrNetwork-wrapped error; it never touches other integrations.
func (p *LocalPoller) RunCycle(ctx context.Context, settings Settings) (CycleResult, error) {
	var res CycleResult

	if settings.LocalBaseURL == "" {
		return res, errLocalNotConfigured
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	metrics, err := p.client.FetchAll(callCtx, settings.LocalBaseURL, settings.LocalAPIKey)
	cancel()
	if err != nil {
		return res, fmt.Errorf("local gateway fetch: %w", err)
	}

	batches, dropped := buildBatches(VendorLocal, metrics, settings, p.now(), p.logger)
	res.Dropped = dropped

	for _, b := range batches {
		out, err := commitBatch(ctx, p.sink, p.observer, b, p.logger)
		if err != nil {
			p.logger.Error("persisting device readings failed",
				zap.String("device_id", b.device.DeviceID), zap.Error(err))
		}
		res.add(out)
	}
	return res, nil
}
