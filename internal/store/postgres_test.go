package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

func newMockStore(t *testing.T, defaults sensor.Settings) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, defaults, zap.NewNop()), mock
}

var (
	seenAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	device = sensor.Device{DeviceID: "d1", Vendor: sensor.VendorCloud, ZoneID: "veg", DisplayName: "Tent", LastSeenAt: seenAt}
)

func reading(metric string, v float64) sensor.SensorReading {
	return sensor.SensorReading{
		DeviceID: "d1", Vendor: sensor.VendorCloud, Metric: metric, Value: v, Unit: "°C",
		ObservedAt: seenAt, ZoneID: "veg",
	}
}

func deviceRow(disabled bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"zone_id", "display_name", "last_seen_at", "disabled"}).
		AddRow("veg", "Tent", seenAt, disabled)
}

func TestPostgresWriteDeviceReadingsIsTransactional(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sensor_devices").
		WithArgs("cloud", "d1", "veg", "Tent", seenAt).
		WillReturnRows(deviceRow(false))
	mock.ExpectExec("INSERT INTO sensor_readings").
		WithArgs("cloud", "d1", "temperature", 22.5, "°C", seenAt, "veg", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Re-inserting an existing reading hits ON CONFLICT DO NOTHING.
	mock.ExpectExec("INSERT INTO sensor_readings").
		WithArgs("cloud", "d1", "humidity", 55.0, "°C", seenAt, "veg", false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	stored, n, err := s.WriteDeviceReadings(context.Background(), device, []sensor.SensorReading{
		reading("temperature", 22.5),
		reading("humidity", 55),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, stored.Disabled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDuplicateInsertUsesOnConflict(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (vendor, device_id, metric, observed_at) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.InsertReading(context.Background(), reading("temperature", 22.5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDisabledDeviceSkipsReadings(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sensor_devices").WillReturnRows(deviceRow(true))
	mock.ExpectCommit()

	stored, n, err := s.WriteDeviceReadings(context.Background(), device, []sensor.SensorReading{reading("temperature", 22.5)})
	require.NoError(t, err)
	assert.True(t, stored.Disabled)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresWriteDeviceReadingsRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO sensor_devices").WillReturnRows(deviceRow(false))
	mock.ExpectExec("INSERT INTO sensor_readings").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, _, err := s.WriteDeviceReadings(context.Background(), device, []sensor.SensorReading{reading("temperature", 22.5)})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertSnapshot(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	snap := sensor.Snapshot{StreamID: "cam1", ZoneID: "veg", CapturedAt: seenAt, FilePath: "/snap/a.jpg", ContentType: "image/jpeg", Bytes: 42}
	mock.ExpectExec("INSERT INTO stream_snapshots").
		WithArgs("cam1", "veg", seenAt, "/snap/a.jpg", "image/jpeg", int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.InsertSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadCredential(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		s, mock := newMockStore(t, sensor.Settings{})
		mock.ExpectQuery("SELECT username, secret, session_token, token_expires_at").
			WithArgs("cloud").
			WillReturnRows(sqlmock.NewRows([]string{"username", "secret", "session_token", "token_expires_at"}))

		_, err := s.LoadCredential(context.Background(), sensor.VendorCloud)
		assert.True(t, errors.Is(err, sensor.ErrNotFound))
	})

	t.Run("without token", func(t *testing.T) {
		s, mock := newMockStore(t, sensor.Settings{})
		mock.ExpectQuery("SELECT username").
			WillReturnRows(sqlmock.NewRows([]string{"username", "secret", "session_token", "token_expires_at"}).
				AddRow("grower", "pw", nil, nil))

		cred, err := s.LoadCredential(context.Background(), sensor.VendorCloud)
		require.NoError(t, err)
		assert.Equal(t, "grower", cred.Username)
		assert.False(t, cred.HasToken())
	})

	t.Run("with token", func(t *testing.T) {
		s, mock := newMockStore(t, sensor.Settings{})
		mock.ExpectQuery("SELECT username").
			WillReturnRows(sqlmock.NewRows([]string{"username", "secret", "session_token", "token_expires_at"}).
				AddRow("grower", "pw", "tok", seenAt))

		cred, err := s.LoadCredential(context.Background(), sensor.VendorCloud)
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.SessionToken)
		require.NotNil(t, cred.TokenExpiresAt)
		assert.Equal(t, seenAt, *cred.TokenExpiresAt)
	})
}

func TestPostgresSaveToken(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectExec("UPDATE vendor_credentials").
		WithArgs("cloud", "tok", seenAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE vendor_credentials").
		WithArgs("local", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	exp := seenAt
	require.NoError(t, s.SaveToken(context.Background(), sensor.VendorCloud, "tok", &exp))
	err := s.SaveToken(context.Background(), sensor.VendorLocal, "", nil)
	assert.True(t, errors.Is(err, sensor.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSettingsOverlay(t *testing.T) {
	defaults := sensor.Settings{PollingInterval: time.Minute, DefaultZoneID: "house", LocalBaseURL: "http://env"}
	s, mock := newMockStore(t, defaults)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM watcher_settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("polling_interval_seconds", "120").
			AddRow("cloud_enabled", "true").
			AddRow("local_enabled", "maybe").
			AddRow("local_base_url", " http://10.0.0.5 ").
			AddRow("unknown_key", "x"))

	got, err := s.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, got.PollingInterval)
	assert.True(t, got.CloudEnabled)
	assert.False(t, got.LocalEnabled, "invalid values keep the default")
	assert.Equal(t, "http://10.0.0.5", got.LocalBaseURL)
	assert.Equal(t, "house", got.DefaultZoneID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetDeviceDisabled(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})

	mock.ExpectExec("UPDATE sensor_devices SET disabled").
		WithArgs("cloud", "ghost", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SetDeviceDisabled(context.Background(), sensor.VendorCloud, "ghost", true)
	assert.True(t, errors.Is(err, sensor.ErrNotFound))
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t, sensor.Settings{})
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sensor_devices").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
