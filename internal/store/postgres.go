package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

// Settings keys understood in watcher_settings.
const (
	keyPollingIntervalSeconds = "polling_interval_seconds"
	keyCloudEnabled           = "cloud_enabled"
	keyLocalEnabled           = "local_enabled"
	keyLocalBaseURL           = "local_base_url"
	keyLocalAPIKey            = "local_api_key"
	keyStreamCaptureEnabled   = "stream_capture_enabled"
	keyDefaultZoneID          = "default_zone_id"
)

// execQuerier is satisfied by both *sql.DB and *sql.Tx.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore is the relational persistence sink. It also persists vendor
// credentials and provides the settings snapshot.
type PostgresStore struct {
	db       *sql.DB
	logger   *zap.Logger
	defaults sensor.Settings
}

// NewPostgresStore creates a PostgresStore. defaults are the settings used for
// keys absent from watcher_settings.
func NewPostgresStore(db *sql.DB, defaults sensor.Settings, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:       db,
		logger:   logger,
		defaults: defaults,
	}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the sensor tables if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const upsertDeviceSQL = `
	INSERT INTO sensor_devices (vendor, device_id, zone_id, display_name, last_seen_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (vendor, device_id) DO UPDATE SET
		zone_id = EXCLUDED.zone_id,
		display_name = EXCLUDED.display_name,
		last_seen_at = GREATEST(sensor_devices.last_seen_at, EXCLUDED.last_seen_at)
	RETURNING zone_id, display_name, last_seen_at, disabled
`

const insertReadingSQL = `
	INSERT INTO sensor_readings (
		vendor, device_id, metric, value, unit, observed_at, zone_id, approximate_time
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (vendor, device_id, metric, observed_at) DO NOTHING
`

func upsertDevice(ctx context.Context, q execQuerier, d sensor.Device) (sensor.Device, error) {
	err := q.QueryRowContext(ctx, upsertDeviceSQL,
		string(d.Vendor), d.DeviceID, d.ZoneID, d.DisplayName, d.LastSeenAt.UTC(),
	).Scan(&d.ZoneID, &d.DisplayName, &d.LastSeenAt, &d.Disabled)
	if err != nil {
		return sensor.Device{}, fmt.Errorf("failed to upsert device %s: %w", d.Key(), err)
	}
	return d, nil
}

// insertReading returns whether a new row was written.
func insertReading(ctx context.Context, q execQuerier, r sensor.SensorReading) (bool, error) {
	res, err := q.ExecContext(ctx, insertReadingSQL,
		string(r.Vendor), r.DeviceID, r.Metric, r.Value, r.Unit, r.ObservedAt.UTC(), r.ZoneID, r.ApproximateTime,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert reading %s: %w", r.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// UpsertDevice implements sensor.Sink.
func (s *PostgresStore) UpsertDevice(ctx context.Context, d sensor.Device) (sensor.Device, error) {
	return upsertDevice(ctx, s.db, d)
}

// InsertReading implements sensor.Sink. Duplicates are silently ignored.
func (s *PostgresStore) InsertReading(ctx context.Context, r sensor.SensorReading) error {
	_, err := insertReading(ctx, s.db, r)
	return err
}

// WriteDeviceReadings upserts the device and inserts its readings in one
// transaction, so a device-cycle is either fully written or not at all.
func (s *PostgresStore) WriteDeviceReadings(ctx context.Context, d sensor.Device, readings []sensor.SensorReading) (sensor.Device, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sensor.Device{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stored, err := upsertDevice(ctx, tx, d)
	if err != nil {
		return sensor.Device{}, 0, err
	}

	inserted := 0
	if !stored.Disabled {
		for _, r := range readings {
			ok, err := insertReading(ctx, tx, r)
			if err != nil {
				return sensor.Device{}, 0, err
			}
			if ok {
				inserted++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return sensor.Device{}, 0, fmt.Errorf("failed to commit device readings: %w", err)
	}
	return stored, inserted, nil
}

// InsertSnapshot implements sensor.Sink.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap sensor.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_snapshots (stream_id, zone_id, captured_at, file_path, content_type, bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (file_path) DO NOTHING
	`, snap.StreamID, snap.ZoneID, snap.CapturedAt.UTC(), snap.FilePath, snap.ContentType, snap.Bytes)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// SetDeviceDisabled soft-disables or re-enables a device.
func (s *PostgresStore) SetDeviceDisabled(ctx context.Context, vendor sensor.Vendor, deviceID string, disabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sensor_devices SET disabled = $3 WHERE vendor = $1 AND device_id = $2`,
		string(vendor), deviceID, disabled)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sensor.ErrNotFound
	}
	return nil
}

// LoadCredential implements credentials.Repository.
func (s *PostgresStore) LoadCredential(ctx context.Context, vendor sensor.Vendor) (sensor.Credential, error) {
	var (
		cred    = sensor.Credential{Vendor: vendor}
		token   sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT username, secret, session_token, token_expires_at
		FROM vendor_credentials
		WHERE vendor = $1
	`, string(vendor)).Scan(&cred.Username, &cred.Secret, &token, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sensor.Credential{}, sensor.ErrNotFound
		}
		return sensor.Credential{}, fmt.Errorf("failed to load credential: %w", err)
	}
	if token.Valid {
		cred.SessionToken = token.String
	}
	if expires.Valid {
		t := expires.Time.UTC()
		cred.TokenExpiresAt = &t
	}
	return cred, nil
}

// SaveCredential implements credentials.Repository.
func (s *PostgresStore) SaveCredential(ctx context.Context, cred sensor.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendor_credentials (vendor, username, secret, session_token, token_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (vendor) DO UPDATE SET
			username = EXCLUDED.username,
			secret = EXCLUDED.secret,
			session_token = EXCLUDED.session_token,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at = NOW()
	`, string(cred.Vendor), cred.Username, cred.Secret, nullString(cred.SessionToken), nullTime(cred.TokenExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// SaveToken implements credentials.Repository.
func (s *PostgresStore) SaveToken(ctx context.Context, vendor sensor.Vendor, token string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE vendor_credentials
		SET session_token = $2, token_expires_at = $3, updated_at = NOW()
		WHERE vendor = $1
	`, string(vendor), nullString(token), nullTime(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sensor.ErrNotFound
	}
	return nil
}

// Settings implements sensor.SettingsProvider: rows of watcher_settings are
// overlaid on the configured defaults. Unparseable values keep the default.
func (s *PostgresStore) Settings(ctx context.Context) (sensor.Settings, error) {
	settings := s.defaults

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM watcher_settings`)
	if err != nil {
		return settings, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		if err := applySetting(&settings, key, value); err != nil {
			s.logger.Warn("ignoring invalid setting", zap.String("key", key), zap.String("value", value), zap.Error(err))
		}
	}
	if err := rows.Err(); err != nil {
		return settings, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return settings, nil
}

func applySetting(settings *sensor.Settings, key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case keyPollingIntervalSeconds:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("polling interval must be a positive number of seconds")
		}
		settings.PollingInterval = time.Duration(n) * time.Second
	case keyCloudEnabled:
		return parseBoolInto(&settings.CloudEnabled, value)
	case keyLocalEnabled:
		return parseBoolInto(&settings.LocalEnabled, value)
	case keyStreamCaptureEnabled:
		return parseBoolInto(&settings.StreamCaptureEnabled, value)
	case keyLocalBaseURL:
		settings.LocalBaseURL = value
	case keyLocalAPIKey:
		settings.LocalAPIKey = value
	case keyDefaultZoneID:
		settings.DefaultZoneID = value
	}
	return nil
}

func parseBoolInto(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
