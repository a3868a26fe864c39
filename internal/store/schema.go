package store

// schema creates the sensor tables. Devices are never deleted while readings
// reference them; the admin layer soft-disables them instead.
const schema = `
CREATE TABLE IF NOT EXISTS sensor_devices (
    vendor       TEXT        NOT NULL,
    device_id    TEXT        NOT NULL,
    zone_id      TEXT        NOT NULL DEFAULT '',
    display_name TEXT        NOT NULL DEFAULT '',
    last_seen_at TIMESTAMPTZ NOT NULL,
    disabled     BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (vendor, device_id)
);

CREATE TABLE IF NOT EXISTS sensor_readings (
    id               BIGSERIAL PRIMARY KEY,
    vendor           TEXT             NOT NULL,
    device_id        TEXT             NOT NULL,
    metric           TEXT             NOT NULL,
    value            DOUBLE PRECISION NOT NULL,
    unit             TEXT             NOT NULL DEFAULT '',
    observed_at      TIMESTAMPTZ      NOT NULL,
    zone_id          TEXT             NOT NULL DEFAULT '',
    approximate_time BOOLEAN          NOT NULL DEFAULT FALSE,
    inserted_at      TIMESTAMPTZ      NOT NULL DEFAULT NOW(),
    UNIQUE (vendor, device_id, metric, observed_at),
    FOREIGN KEY (vendor, device_id) REFERENCES sensor_devices (vendor, device_id) ON DELETE RESTRICT
);

CREATE INDEX IF NOT EXISTS sensor_readings_zone_time_idx ON sensor_readings (zone_id, observed_at DESC);

CREATE TABLE IF NOT EXISTS stream_snapshots (
    id           BIGSERIAL PRIMARY KEY,
    stream_id    TEXT        NOT NULL,
    zone_id      TEXT        NOT NULL DEFAULT '',
    captured_at  TIMESTAMPTZ NOT NULL,
    file_path    TEXT        NOT NULL UNIQUE,
    content_type TEXT        NOT NULL DEFAULT '',
    bytes        BIGINT      NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vendor_credentials (
    vendor           TEXT PRIMARY KEY,
    username         TEXT        NOT NULL,
    secret           TEXT        NOT NULL,
    session_token    TEXT,
    token_expires_at TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Written by the admin layer, read once per cycle by the watcher.
CREATE TABLE IF NOT EXISTS watcher_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
