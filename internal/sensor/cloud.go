package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultMaxConcurrent = 4
)

// CloudPoller runs poll cycles against the token-based cloud vendor.
type CloudPoller struct {
	client        CloudClient
	creds         CredentialStore
	sink          Sink
	observer      ReadingObserver
	logger        *zap.Logger
	callTimeout   time.Duration
	maxConcurrent int
	now           func() time.Time
}

// CloudOption customizes a CloudPoller.
type CloudOption func(*CloudPoller)

// WithCallTimeout bounds each vendor call (list and per-device telemetry).
func WithCallTimeout(d time.Duration) CloudOption {
	return func(p *CloudPoller) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

// WithMaxConcurrentDevices bounds the per-cycle fan-out.
func WithMaxConcurrentDevices(n int) CloudOption {
	return func(p *CloudPoller) {
		if n > 0 {
			p.maxConcurrent = n
		}
	}
}

// WithObserver registers a consumer of committed readings.
func WithObserver(o ReadingObserver) CloudOption {
	return func(p *CloudPoller) { p.observer = o }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CloudOption {
	return func(p *CloudPoller) { p.now = now }
}

// NewCloudPoller creates a new CloudPoller.
func NewCloudPoller(client CloudClient, creds CredentialStore, sink Sink, logger *zap.Logger, opts ...CloudOption) *CloudPoller {
	p := &CloudPoller{
		client:        client,
		creds:         creds,
		sink:          sink,
		logger:        logger.With(zap.String("vendor", string(VendorCloud))),
		callTimeout:   defaultCallTimeout,
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunCycle lists the account's devices and fetches telemetry for each of them
// concurrently. A device failure is logged and counted; only vendor-level
// failures (login, device listing) are returned as errors.
func (p *CloudPoller) RunCycle(ctx context.Context, settings Settings) (CycleResult, error) {
	var res CycleResult

	token, logins, err := p.ensureToken(ctx)
	res.Logins = logins
	if err != nil {
		return res, fmt.Errorf("cloud login: %w", err)
	}

	cycle := &cloudCycle{poller: p, token: token}

	var devices []DeviceDescriptor
	err = cycle.call(ctx, func(tok string) error {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		list, err := p.client.ListDevices(callCtx, tok)
		devices = list
		return err
	})
	res.Logins = logins + cycle.logins
	if err != nil {
		return res, fmt.Errorf("cloud device list: %w", err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, p.maxConcurrent)
	)

	for _, d := range devices {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				res.add(CycleResult{Devices: 1, Failed: 1})
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			out := cycle.pollDevice(ctx, settings, d)

			mu.Lock()
			res.add(out)
			mu.Unlock()
		}()
	}
	wg.Wait()

	res.Logins = logins + cycle.logins
	return res, nil
}

// ensureToken returns a usable session token, logging in first when the stored
// one is absent or about to expire.
func (p *CloudPoller) ensureToken(ctx context.Context) (string, int, error) {
	if p.creds.IsValid(ctx, VendorCloud, p.now()) {
		cred, err := p.creds.Get(ctx, VendorCloud)
		if err == nil {
			return cred.SessionToken, 0, nil
		}
	}
	token, loggedIn, err := p.login(ctx, false)
	if loggedIn {
		return token, 1, err
	}
	return token, 0, err
}

// login performs a vendor login under the credential lock so that a token swap
// never interleaves with another writer. Unless force is set, a token stored by
// someone else while waiting for the lock is reused.
func (p *CloudPoller) login(ctx context.Context, force bool) (string, bool, error) {
	unlock := p.creds.Lock(VendorCloud)
	defer unlock()

	if !force && p.creds.IsValid(ctx, VendorCloud, p.now()) {
		if cred, err := p.creds.Get(ctx, VendorCloud); err == nil {
			return cred.SessionToken, false, nil
		}
	}

	cred, err := p.creds.Get(ctx, VendorCloud)
	if err != nil {
		return "", false, fmt.Errorf("load credential: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	token, expiresAt, err := p.client.Login(callCtx, cred)
	if err != nil {
		if errors.Is(err, ErrAuth) {
			p.logger.Error("cloud credentials rejected; operator attention required",
				zap.String("username", cred.Username), zap.Error(err))
		}
		return "", true, err
	}
	if err := p.creds.SetToken(ctx, VendorCloud, token, expiresAt); err != nil {
		return "", true, fmt.Errorf("store session token: %w", err)
	}
	p.logger.Info("cloud login succeeded", zap.Time("token_expires_at", expiresAt))
	return token, true, nil
}

// cloudCycle holds the token state shared by every call of one cycle. It
// allows a single re-login per cycle no matter how many devices observe an
// expired token.
type cloudCycle struct {
	poller *CloudPoller

	mu         sync.Mutex
	token      string
	relogged   bool
	reloginErr error
	logins     int
}

func (c *cloudCycle) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// refresh is called after a call made with stale returned ErrTokenExpired.
func (c *cloudCycle) refresh(ctx context.Context, stale string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != stale {
		// Another device already re-logged in during this cycle.
		return c.token, nil
	}
	if c.relogged {
		if c.reloginErr != nil {
			return "", c.reloginErr
		}
		return "", fmt.Errorf("%w: re-login already used this cycle", ErrTokenExpired)
	}
	c.relogged = true

	p := c.poller
	if err := p.creds.Expire(ctx, VendorCloud); err != nil {
		p.logger.Warn("failed to expire stale token", zap.Error(err))
	}

	token, loggedIn, err := p.login(ctx, true)
	if loggedIn {
		c.logins++
	}
	if err != nil {
		c.reloginErr = err
		return "", err
	}
	c.token = token
	return token, nil
}

// call runs fn with the cycle token. On ErrTokenExpired it re-logs in (at most
// once per cycle) and retries fn exactly once.
func (c *cloudCycle) call(ctx context.Context, fn func(token string) error) error {
	tok := c.currentToken()
	err := fn(tok)
	if !errors.Is(err, ErrTokenExpired) {
		return err
	}

	fresh, rerr := c.refresh(ctx, tok)
	if rerr != nil {
		return rerr
	}
	return fn(fresh)
}

func (c *cloudCycle) pollDevice(ctx context.Context, settings Settings, desc DeviceDescriptor) CycleResult {
	p := c.poller
	log := p.logger.With(zap.String("device_id", desc.ID))

	var metrics []RawMetric
	err := c.call(ctx, func(tok string) error {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
		m, err := p.client.FetchTelemetry(callCtx, tok, desc)
		metrics = m
		return err
	})
	if err != nil {
		log.Warn("telemetry fetch failed; device skipped this cycle", zap.Error(err))
		return CycleResult{Devices: 1, Failed: 1}
	}

	fetchedAt := p.now()
	for i := range metrics {
		if metrics[i].DeviceID == "" {
			metrics[i].DeviceID = desc.ID
		}
		if metrics[i].DeviceName == "" && metrics[i].DeviceID == desc.ID {
			metrics[i].DeviceName = desc.Name
		}
		if metrics[i].ZoneHint == "" {
			metrics[i].ZoneHint = desc.Zone
		}
	}

	batches, dropped := buildBatches(VendorCloud, metrics, settings, fetchedAt, p.logger)
	if len(batches) == 0 {
		// Discovered but silent devices are still registered.
		batches = []*deviceBatch{{device: DeviceFromMetric(VendorCloud, RawMetric{
			DeviceID: desc.ID, DeviceName: desc.Name, ZoneHint: desc.Zone,
		}, settings, fetchedAt)}}
	}

	// Sub-devices reported by one telemetry call count as a single device.
	res := CycleResult{Devices: 1, Succeeded: 1, Dropped: dropped}
	for _, b := range batches {
		out, err := commitBatch(ctx, p.sink, p.observer, b, p.logger)
		if err != nil {
			log.Error("persisting device readings failed", zap.Error(err))
			res.Succeeded, res.Failed = 0, 1
		}
		res.Readings += out.Readings
	}
	return res
}
