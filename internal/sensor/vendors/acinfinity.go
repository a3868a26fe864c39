package vendors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/common"
	"github.com/i474232898/grow-watcher/internal/sensor"
)

const (
	// acCodeOK and acCodeTokenExpired are envelope codes of the vendor API.
	acCodeOK           = 200
	acCodeTokenExpired = 100001
	acCodeBadPassword  = 10001

	defaultTokenLifetime = 1 * time.Hour
)

var errUnexpectedStatus = errors.New("unexpected status code")

// acEnvelope wraps every vendor response body.
type acEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type acLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type acLoginData struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
	ExpiresAt string `json:"expiresAt"`
}

type acDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Zone string `json:"zone"`
}

type acTelemetry struct {
	ObservedAt int64 `json:"observedAt"`
	Metrics    []struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
		Scale float64 `json:"scale"`
		Unit  string  `json:"unit"`
		Port  int     `json:"port"`
	} `json:"metrics"`
}

// ACInfinityClient is the cloud vendor client. It is stateless with respect to
// tokens: callers pass the token on every call.
//
// Account calls (login, device list) share one breaker. Telemetry calls get a
// breaker per device so a device that keeps failing cannot trip the others.
type ACInfinityClient struct {
	name           string
	http           *resty.Client
	circuit        *gobreaker.CircuitBreaker
	breakerTimeout time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker // key: device id
}

// NewACInfinityClient creates a cloud client against baseURL. If client is nil a
// fresh http.Client is used; per-call deadlines come from the context.
func NewACInfinityClient(client *http.Client, baseURL string, logger *zap.Logger) *ACInfinityClient {
	if client == nil {
		client = &http.Client{}
	}
	rc := resty.NewWithClient(client).
		SetBaseURL(baseURL).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &ACInfinityClient{
		name:     "acinfinity",
		http:     rc,
		circuit:  newBreaker("acinfinity", 0),
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Name returns the client name.
func (c *ACInfinityClient) Name() string {
	return c.name
}

// Login exchanges username and secret for a session token.
func (c *ACInfinityClient) Login(ctx context.Context, cred sensor.Credential) (string, time.Time, error) {
	if cred.Username == "" || cred.Secret == "" {
		return "", time.Time{}, fmt.Errorf("%w: cloud username or secret not configured", sensor.ErrAuth)
	}

	env, status, err := c.do(ctx, c.circuit, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(acLoginRequest{Username: cred.Username, Password: cred.Secret}).Post("/login")
	})
	if err != nil {
		return "", time.Time{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden || env.Code == acCodeBadPassword {
		return "", time.Time{}, fmt.Errorf("%w: login rejected (status %d, code %d): %s", sensor.ErrAuth, status, env.Code, env.Msg)
	}
	if err := envelopeError(status, env); err != nil {
		return "", time.Time{}, err
	}

	var data acLoginData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return "", time.Time{}, fmt.Errorf("%w: login response without token", sensor.ErrNetwork)
	}

	expiresAt := c.now().Add(defaultTokenLifetime)
	switch {
	case data.ExpiresAt != "":
		if t, err := time.Parse(time.RFC3339, data.ExpiresAt); err == nil {
			expiresAt = t
		}
	case data.ExpiresIn > 0:
		expiresAt = c.now().Add(time.Duration(data.ExpiresIn) * time.Second)
	}
	return data.Token, expiresAt.UTC(), nil
}

// ListDevices returns the devices registered to the account.
func (c *ACInfinityClient) ListDevices(ctx context.Context, token string) ([]sensor.DeviceDescriptor, error) {
	env, status, err := c.do(ctx, c.circuit, func(r *resty.Request) (*resty.Response, error) {
		return r.SetAuthToken(token).Get("/devices")
	})
	if err != nil {
		return nil, err
	}
	if err := tokenCallError(status, env); err != nil {
		return nil, err
	}

	var devices []acDevice
	if err := json.Unmarshal(env.Data, &devices); err != nil {
		return nil, fmt.Errorf("%w: decode device list: %v", sensor.ErrNetwork, err)
	}

	out := make([]sensor.DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		out = append(out, sensor.DeviceDescriptor{ID: d.ID, Name: d.Name, Zone: d.Zone})
	}
	return out, nil
}

// FetchTelemetry returns the current metrics of one device. Ports of a
// controller are reported as sub-devices "<id>:port<N>".
func (c *ACInfinityClient) FetchTelemetry(ctx context.Context, token string, device sensor.DeviceDescriptor) ([]sensor.RawMetric, error) {
	env, status, err := c.do(ctx, c.deviceBreaker(device.ID), func(r *resty.Request) (*resty.Response, error) {
		return r.SetAuthToken(token).Get("/devices/" + url.PathEscape(device.ID) + "/telemetry")
	})
	if err != nil {
		return nil, err
	}
	if err := tokenCallError(status, env); err != nil {
		return nil, err
	}

	var tel acTelemetry
	if err := json.Unmarshal(env.Data, &tel); err != nil {
		return nil, fmt.Errorf("%w: decode telemetry: %v", sensor.ErrNetwork, err)
	}

	var observed *time.Time
	if tel.ObservedAt > 0 {
		ts := time.Unix(tel.ObservedAt, 0).UTC()
		observed = &ts
	}

	metrics := make([]sensor.RawMetric, 0, len(tel.Metrics))
	for _, m := range tel.Metrics {
		value := m.Value
		if m.Scale > 0 {
			value = m.Value / m.Scale
		}
		rm := sensor.RawMetric{
			Vendor:     sensor.VendorCloud,
			DeviceID:   device.ID,
			DeviceName: device.Name,
			ZoneHint:   device.Zone,
			Name:       m.Name,
			Value:      value,
			Unit:       m.Unit,
			ObservedAt: observed,
		}
		if m.Port > 0 {
			rm.DeviceID = fmt.Sprintf("%s:port%d", device.ID, m.Port)
			rm.DeviceName = fmt.Sprintf("%s port %d", device.Name, m.Port)
		}
		metrics = append(metrics, rm)
	}
	return metrics, nil
}

// deviceBreaker returns the telemetry breaker of one device, creating it on
// first use.
func (c *ACInfinityClient) deviceBreaker(deviceID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[deviceID]
	if !ok {
		cb = newBreaker(c.name+":"+deviceID, c.breakerTimeout)
		c.breakers[deviceID] = cb
	}
	return cb
}

// do runs one request through cb and decodes the envelope. Transport failures,
// 429 and 5xx are network errors; any other status is returned for the caller
// to classify.
func (c *ACInfinityClient) do(ctx context.Context, cb *gobreaker.CircuitBreaker, send func(*resty.Request) (*resty.Response, error)) (acEnvelope, int, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		resp, err := send(c.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("%w %d", errUnexpectedStatus, resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		err = breakerError(cb.Name(), err)
		if !errors.Is(err, sensor.ErrNetwork) {
			err = fmt.Errorf("%w: %v", sensor.ErrNetwork, err)
		}
		c.logger.Debug("cloud call failed", zap.Error(err))
		return acEnvelope{}, 0, err
	}

	resp := result.(*resty.Response)
	var env acEnvelope
	if body := resp.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && resp.IsSuccess() {
			return acEnvelope{}, resp.StatusCode(), fmt.Errorf("%w: decode response: %v", sensor.ErrNetwork, err)
		}
	}
	return env, resp.StatusCode(), nil
}

// tokenCallError classifies answers of calls made with a session token.
func tokenCallError(status int, env acEnvelope) error {
	switch {
	case status == http.StatusUnauthorized,
		env.Code == acCodeTokenExpired,
		common.HasAnyFold(env.Msg, "token expired", "invalid token", "token invalid"):
		return fmt.Errorf("%w (status %d, code %d)", sensor.ErrTokenExpired, status, env.Code)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: access denied: %s", sensor.ErrAuth, env.Msg)
	}
	return envelopeError(status, env)
}

func envelopeError(status int, env acEnvelope) error {
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w %d: %s", errUnexpectedStatus, status, env.Msg)
	}
	if env.Code != 0 && env.Code != acCodeOK {
		return fmt.Errorf("cloud api error code %d: %s", env.Code, env.Msg)
	}
	return nil
}
