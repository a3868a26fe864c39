package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/common"
	"github.com/i474232898/grow-watcher/internal/sensor"
)

// ecowittLivePath is the gateway's current-readings endpoint.
const ecowittLivePath = "/get_livedata_info"

// ecowittField describes how one key of the flat live-data object maps onto a
// sub-device metric.
type ecowittField struct {
	sub    string
	metric string
	unit   string
}

var ecowittFields = map[string]ecowittField{
	"tempinf":        {"indoor", "temperature", "°F"},
	"tempinc":        {"indoor", "temperature", "°C"},
	"humidityin":     {"indoor", "humidity", "%"},
	"baromrelin":     {"indoor", "pressure_relative", "inHg"},
	"baromabsin":     {"indoor", "pressure_absolute", "inHg"},
	"tempf":          {"outdoor", "temperature", "°F"},
	"tempc":          {"outdoor", "temperature", "°C"},
	"humidity":       {"outdoor", "humidity", "%"},
	"solarradiation": {"outdoor", "solar_radiation", "W/m²"},
	"uv":             {"outdoor", "uv_index", ""},
	"windspeedmph":   {"outdoor", "wind_speed", "mph"},
	"rainratein":     {"outdoor", "rain_rate", "in/hr"},
}

// Channel sensors: temp1f..temp8f, temp1c.., humidity1.., soilmoisture1..
var ecowittChannelKey = regexp.MustCompile(`^(temp|humidity|soilmoisture)([1-8])([fc]?)$`)

// ecowittTimeLayout is the gateway's dateutc format.
const ecowittTimeLayout = "2006-01-02 15:04:05"

// EcowittClient reads the live-data object of a LAN gateway. It has no token
// lifecycle: the API key is static.
type EcowittClient struct {
	name      string
	gatewayID string
	client    *http.Client
	circuit   *gobreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewEcowittClient creates a local gateway client. If client is nil,
// http.DefaultClient is used. gatewayID names the gateway when its payload does
// not identify itself.
func NewEcowittClient(client *http.Client, gatewayID string, logger *zap.Logger) *EcowittClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &EcowittClient{
		name:      "ecowitt",
		gatewayID: gatewayID,
		client:    client,
		circuit:   newBreaker("ecowitt", 0),
		logger:    logger,
	}
}

// Name returns the client name.
func (c *EcowittClient) Name() string {
	return c.name
}

// FetchAll returns every recognised reading of the gateway.
func (c *EcowittClient) FetchAll(ctx context.Context, baseURL, apiKey string) ([]sensor.RawMetric, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid local gateway url %q", baseURL)
	}

	buildRequest := func() (*http.Request, error) {
		u := *base
		u.Path += ecowittLivePath
		values := url.Values{}
		if apiKey != "" {
			values.Set("api_key", apiKey)
		}
		u.RawQuery = values.Encode()
		return http.NewRequest(http.MethodGet, u.String(), nil)
	}

	resp, err := doRequestWithResilience(ctx, c.client, c.circuit, buildRequest)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A LAN gateway with a wrong key is an operator problem, not a token
		// lifecycle; it is retried on the next cycle like any failure.
		return nil, fmt.Errorf("%w: ecowitt gateway returned status %d", sensor.ErrNetwork, resp.StatusCode)
	}

	var payload map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode ecowitt payload: %v", sensor.ErrNetwork, err)
	}

	return c.convert(payload, base.Hostname()), nil
}

func (c *EcowittClient) convert(payload map[string]json.RawMessage, host string) []sensor.RawMetric {
	gateway := c.identify(payload, host)
	observed := ecowittObservedAt(payload)

	keys := make(map[string]bool, len(payload))
	for key := range payload {
		keys[strings.ToLower(key)] = true
	}

	var metrics []sensor.RawMetric
	for key, raw := range payload {
		lower := strings.ToLower(key)
		field, ok := ecowittFields[lower]
		if !ok {
			field, ok = ecowittChannelField(lower)
		}
		if !ok {
			continue
		}
		// Gateways may report one temperature in both units; keep Celsius.
		if field.unit == "°F" && keys[strings.TrimSuffix(lower, "f")+"c"] {
			continue
		}

		value, ok := jsonNumber(raw)
		if !ok {
			c.logger.Debug("ecowitt field is not numeric", zap.String("key", key))
			continue
		}

		metrics = append(metrics, sensor.RawMetric{
			Vendor:     sensor.VendorLocal,
			DeviceID:   gateway + ":" + field.sub,
			DeviceName: fmt.Sprintf("%s %s", gateway, field.sub),
			Name:       field.metric,
			Value:      value,
			Unit:       field.unit,
			ObservedAt: observed,
		})
	}
	return metrics
}

func (c *EcowittClient) identify(payload map[string]json.RawMessage, host string) string {
	for _, key := range []string{"mac", "passkey", "PASSKEY", "stationtype"} {
		if raw, ok := payload[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				return s
			}
		}
	}
	if c.gatewayID != "" {
		return c.gatewayID
	}
	return host
}

func ecowittChannelField(key string) (ecowittField, bool) {
	m := ecowittChannelKey.FindStringSubmatch(key)
	if m == nil {
		return ecowittField{}, false
	}
	kind, ch, suffix := m[1], m[2], m[3]
	switch {
	case kind == "temp" && suffix == "f":
		return ecowittField{"ch" + ch, "temperature", "°F"}, true
	case kind == "temp" && suffix == "c":
		return ecowittField{"ch" + ch, "temperature", "°C"}, true
	case kind == "humidity" && suffix == "":
		return ecowittField{"ch" + ch, "humidity", "%"}, true
	case kind == "soilmoisture" && suffix == "":
		return ecowittField{"soil" + ch, "soil_moisture", "%"}, true
	}
	return ecowittField{}, false
}

// ecowittObservedAt reads dateutc; nil means the gateway did not say.
func ecowittObservedAt(payload map[string]json.RawMessage) *time.Time {
	raw, ok := payload["dateutc"]
	if !ok {
		return nil
	}
	if n, ok := jsonNumber(raw); ok && n > 0 {
		ts := time.Unix(int64(n), 0).UTC()
		return &ts
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" || common.HasAnyFold(s, "now") {
		return nil
	}
	ts, err := time.ParseInLocation(ecowittTimeLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	return &ts
}

// jsonNumber accepts numbers and numeric strings, which the gateway mixes.
func jsonNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
