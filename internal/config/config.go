package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// AppConfig is the process configuration read from the environment.
type AppConfig struct {
	Port      string `validate:"required,numeric"`
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	// DatabaseURL selects the Postgres sink; empty runs on the in-memory store.
	DatabaseURL string
	DBMaxConns  int `validate:"gte=1"`

	RedisAddr         string
	RedisPassword     string
	RedisDB           int `validate:"gte=0"`
	RedisStatusPrefix string

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	PollingInterval time.Duration `validate:"gte=1s"`
	SettingsRefresh time.Duration `validate:"gte=1s"`
	CycleTimeout    time.Duration `validate:"gt=0"`
	HTTPTimeout     time.Duration `validate:"gt=0"`

	CloudEnabled           bool
	CloudBaseURL           string        `validate:"omitempty,url"`
	CloudUsername          string        `validate:"required_if=CloudEnabled true"`
	CloudPassword          string        `validate:"required_if=CloudEnabled true"`
	CloudCallTimeout       time.Duration `validate:"gt=0"`
	CredentialSafetyMargin time.Duration `validate:"gte=0"`

	LocalEnabled  bool
	LocalBaseURL  string `validate:"omitempty,url"`
	LocalAPIKey   string
	LocalDeviceID string

	DefaultZoneID string
	DeviceZones   map[string]string

	StreamCaptureEnabled   bool
	Streams                []sensor.StreamSource
	SnapshotDir            string        `validate:"required"`
	StreamFailureThreshold int           `validate:"gte=1"`
	StreamMaxBackoff       time.Duration `validate:"gt=0"`
	StreamCaptureTimeout   time.Duration `validate:"gt=0"`
}

// Load reads configuration from the environment (and a .env file when
// present), applies defaults and validates the result.
func Load() (*AppConfig, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	cfg := &AppConfig{
		Port:              getenvDefault("PORT", "8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		LogFormat:         getenvDefault("LOG_FORMAT", "json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		DBMaxConns:        getenvInt("DB_MAX_CONNS", 10),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getenvInt("REDIS_DB", 0),
		RedisStatusPrefix: getenvDefault("REDIS_STATUS_PREFIX", "growjournal:watcher:status:"),
		MQTTBroker:        os.Getenv("MQTT_BROKER"),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "grow-watcher"),
		MQTTUsername:      os.Getenv("MQTT_USERNAME"),
		MQTTPassword:      os.Getenv("MQTT_PASSWORD"),
		MQTTTopicPrefix:   getenvDefault("MQTT_TOPIC_PREFIX", "growjournal/readings"),

		CloudEnabled:  getenvBool("CLOUD_ENABLED", false),
		CloudBaseURL:  os.Getenv("CLOUD_BASE_URL"),
		CloudUsername: os.Getenv("CLOUD_USERNAME"),
		CloudPassword: os.Getenv("CLOUD_PASSWORD"),

		LocalEnabled:  getenvBool("LOCAL_ENABLED", false),
		LocalBaseURL:  os.Getenv("LOCAL_BASE_URL"),
		LocalAPIKey:   os.Getenv("LOCAL_API_KEY"),
		LocalDeviceID: os.Getenv("LOCAL_DEVICE_ID"),

		DefaultZoneID: os.Getenv("DEFAULT_ZONE_ID"),

		StreamCaptureEnabled:   getenvBool("STREAM_CAPTURE_ENABLED", false),
		SnapshotDir:            getenvDefault("SNAPSHOT_DIR", "data/snapshots"),
		StreamFailureThreshold: getenvInt("STREAM_FAILURE_THRESHOLD", 5),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"POLLING_INTERVAL", "60s", &cfg.PollingInterval},
		{"SETTINGS_REFRESH", "30s", &cfg.SettingsRefresh},
		{"CYCLE_TIMEOUT", "2m", &cfg.CycleTimeout},
		{"HTTP_TIMEOUT", "15s", &cfg.HTTPTimeout},
		{"CLOUD_CALL_TIMEOUT", "10s", &cfg.CloudCallTimeout},
		{"CREDENTIAL_SAFETY_MARGIN", "60s", &cfg.CredentialSafetyMargin},
		{"STREAM_MAX_BACKOFF", "30m", &cfg.StreamMaxBackoff},
		{"STREAM_CAPTURE_TIMEOUT", "15s", &cfg.StreamCaptureTimeout},
	}
	for _, d := range durations {
		v, err := getenvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	zones, err := ParseDeviceZones(os.Getenv("DEVICE_ZONES"))
	if err != nil {
		return nil, err
	}
	cfg.DeviceZones = zones

	streams, err := ParseStreams(os.Getenv("STREAMS"), cfg.PollingInterval)
	if err != nil {
		return nil, err
	}
	cfg.Streams = streams

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.CloudEnabled && c.CloudBaseURL == "" {
		return fmt.Errorf("invalid configuration: CLOUD_BASE_URL is required when CLOUD_ENABLED is set")
	}
	return nil
}

// Settings returns the settings snapshot described by the environment.
func (c *AppConfig) Settings() sensor.Settings {
	return sensor.Settings{
		PollingInterval:      c.PollingInterval,
		CloudEnabled:         c.CloudEnabled,
		LocalEnabled:         c.LocalEnabled,
		LocalBaseURL:         c.LocalBaseURL,
		LocalAPIKey:          c.LocalAPIKey,
		StreamCaptureEnabled: c.StreamCaptureEnabled,
		Streams:              c.Streams,
		DefaultZoneID:        c.DefaultZoneID,
		DeviceZones:          c.DeviceZones,
	}
}

// StaticSettings serves a fixed settings snapshot.
type StaticSettings struct {
	S sensor.Settings
}

// Settings implements sensor.SettingsProvider.
func (s StaticSettings) Settings(context.Context) (sensor.Settings, error) {
	return s.S, nil
}

// ParseDeviceZones parses "vendor/device=zone,..." into a DeviceKey map.
func ParseDeviceZones(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, zone, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid DEVICE_ZONES entry %q: want vendor/device=zone", entry)
		}
		vendor, device, ok := strings.Cut(strings.TrimSpace(key), "/")
		if !ok || device == "" {
			return nil, fmt.Errorf("invalid DEVICE_ZONES entry %q: want vendor/device=zone", entry)
		}
		v := sensor.Vendor(strings.ToLower(vendor))
		if !v.Valid() {
			return nil, fmt.Errorf("invalid DEVICE_ZONES entry %q: unknown vendor %q", entry, vendor)
		}
		out[sensor.DeviceKey(v, device)] = strings.TrimSpace(zone)
	}
	return out, nil
}

// ParseStreams parses "id|zone|url|interval;..." stream definitions. The
// interval is optional and defaults to def.
func ParseStreams(raw string, def time.Duration) ([]sensor.StreamSource, error) {
	var out []sensor.StreamSource
	seen := make(map[string]bool)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid STREAMS entry %q: want id|zone|url|interval", entry)
		}
		id := strings.TrimSpace(parts[0])
		if id == "" {
			return nil, fmt.Errorf("invalid STREAMS entry %q: empty id", entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate stream id %q", id)
		}
		seen[id] = true

		u, err := url.Parse(strings.TrimSpace(parts[2]))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("invalid STREAMS entry %q: bad url", entry)
		}

		interval := def
		if len(parts) == 4 && strings.TrimSpace(parts[3]) != "" {
			interval, err = time.ParseDuration(strings.TrimSpace(parts[3]))
			if err != nil || interval <= 0 {
				return nil, fmt.Errorf("invalid STREAMS entry %q: bad interval", entry)
			}
		}

		out = append(out, sensor.StreamSource{
			StreamID:        id,
			ZoneID:          strings.TrimSpace(parts[1]),
			URL:             u.String(),
			CaptureInterval: interval,
		})
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
