package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix namespaces the status hashes.
const DefaultKeyPrefix = "growjournal:watcher:status:"

// RedisMirror writes each integration status to a Redis hash so the web layer
// can render "last successful poll" and "degraded" without talking to the
// watcher process.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror creates a RedisMirror. An empty prefix uses DefaultKeyPrefix.
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Key returns the hash key for an integration.
func (m *RedisMirror) Key(name string) string {
	return m.prefix + name
}

// Publish implements Mirror.
func (m *RedisMirror) Publish(ctx context.Context, st IntegrationStatus) error {
	fields := map[string]interface{}{
		"kind":                 string(st.Kind),
		"enabled":              strconv.FormatBool(st.Enabled),
		"running":              strconv.FormatBool(st.Running),
		"degraded":             strconv.FormatBool(st.Degraded),
		"consecutive_failures": strconv.Itoa(st.ConsecutiveFailures),
		"skipped_ticks":        strconv.FormatInt(st.SkippedTicks, 10),
		"last_error":           st.LastError,
		"last_duration_ms":     strconv.FormatInt(st.LastDuration.Milliseconds(), 10),
		"effective_interval_s": strconv.FormatInt(int64(st.EffectiveInterval/time.Second), 10),
		"last_run_at":          formatTime(st.LastRunAt),
		"last_success_at":      formatTime(st.LastSuccessAt),
	}
	if err := m.client.HSet(ctx, m.Key(st.Name), fields).Err(); err != nil {
		return fmt.Errorf("failed to mirror status of %s: %w", st.Name, err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
