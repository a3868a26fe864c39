package stream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
	"github.com/i474232898/grow-watcher/internal/store"
)

var (
	pngFrame  = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), bytes.Repeat([]byte{0}, 32)...)
	jpegFrame = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, bytes.Repeat([]byte{0}, 32)...)
)

func TestEffectiveIntervalBackoff(t *testing.T) {
	base, maxBackoff := time.Minute, 30*time.Minute

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{4, time.Minute},
		{5, 2 * time.Minute},
		{6, 4 * time.Minute},
		{7, 8 * time.Minute},
		{8, 16 * time.Minute},
		{9, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EffectiveInterval(base, tt.failures, 5, maxBackoff), "failures=%d", tt.failures)
	}

	prev := time.Duration(0)
	for f := 0; f < 100; f++ {
		got := EffectiveInterval(base, f, 5, maxBackoff)
		assert.GreaterOrEqual(t, got, prev)
		assert.LessOrEqual(t, got, maxBackoff)
		prev = got
	}
}

func TestCaptureSingleImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngFrame)
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := NewGrabber(Config{Dir: dir}, store.NewMemoryStore(0, 0), zap.NewNop())

	snap, err := g.Capture(context.Background(), sensor.StreamSource{StreamID: "cam1", ZoneID: "veg", URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "image/png", snap.ContentType)
	assert.Equal(t, int64(len(pngFrame)), snap.Bytes)
	assert.Equal(t, filepath.Join(dir, "veg", "cam1"), filepath.Dir(snap.FilePath))
	name := filepath.Base(snap.FilePath)
	assert.True(t, strings.HasPrefix(name, "cam1_"), name)
	assert.Equal(t, ".png", filepath.Ext(name))

	data, err := os.ReadFile(snap.FilePath)
	require.NoError(t, err)
	assert.Equal(t, pngFrame, data)

	entries, err := os.ReadDir(filepath.Dir(snap.FilePath))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestCaptureMJPEGTakesFirstFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for i := 0; i < 2; i++ {
			_, _ = w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
			_, _ = w.Write(jpegFrame)
			_, _ = w.Write([]byte("\r\n"))
		}
		_, _ = w.Write([]byte("--frame--\r\n"))
	}))
	defer srv.Close()

	g := NewGrabber(Config{Dir: t.TempDir()}, store.NewMemoryStore(0, 0), zap.NewNop())
	snap, err := g.Capture(context.Background(), sensor.StreamSource{StreamID: "cam2", URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", snap.ContentType)
	assert.Equal(t, ".jpg", filepath.Ext(snap.FilePath))
	assert.Equal(t, "unassigned", filepath.Base(filepath.Dir(filepath.Dir(snap.FilePath))))
	data, err := os.ReadFile(snap.FilePath)
	require.NoError(t, err)
	assert.Equal(t, jpegFrame, data)
}

func TestCaptureRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>login required</body></html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := NewGrabber(Config{Dir: dir}, store.NewMemoryStore(0, 0), zap.NewNop())
	_, err := g.Capture(context.Background(), sensor.StreamSource{StreamID: "cam1", ZoneID: "veg", URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sensor.ErrCapture))

	_, statErr := os.Stat(filepath.Join(dir, "veg"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestTickBacksOffAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(pngFrame)
	}))
	defer srv.Close()

	sink := store.NewMemoryStore(0, 0)
	g := NewGrabber(Config{Dir: t.TempDir(), FailureThreshold: 2, MaxBackoff: 8 * time.Minute}, sink, zap.NewNop())
	src := sensor.StreamSource{StreamID: "cam1", ZoneID: "veg", URL: srv.URL, CaptureInterval: time.Minute}
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	captured, err := g.Tick(ctx, src, t0)
	assert.True(t, captured)
	assert.True(t, errors.Is(err, sensor.ErrCapture))
	st := g.State("cam1")
	assert.Equal(t, 1, st.Failures)
	assert.False(t, st.Degraded)
	assert.Equal(t, time.Minute, st.EffectiveInterval)

	captured, _ = g.Tick(ctx, src, t0.Add(time.Minute))
	assert.True(t, captured)
	st = g.State("cam1")
	assert.True(t, st.Degraded)
	assert.Equal(t, 2*time.Minute, st.EffectiveInterval)

	// Inside the backoff window the tick is skipped.
	assert.False(t, g.Due("cam1", t0.Add(2*time.Minute)))
	captured, err = g.Tick(ctx, src, t0.Add(2*time.Minute))
	assert.False(t, captured)
	assert.NoError(t, err)
	assert.Equal(t, 2, g.State("cam1").Failures)

	captured, _ = g.Tick(ctx, src, t0.Add(3*time.Minute))
	assert.True(t, captured)
	st = g.State("cam1")
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, 4*time.Minute, st.EffectiveInterval)
	assert.Empty(t, sink.Snapshots())

	healthy.Store(true)
	next := t0.Add(7 * time.Minute)
	require.True(t, g.Due("cam1", next))
	captured, err = g.Tick(ctx, src, next)
	require.NoError(t, err)
	assert.True(t, captured)

	st = g.State("cam1")
	assert.Equal(t, 0, st.Failures)
	assert.False(t, st.Degraded)
	assert.Equal(t, time.Minute, st.EffectiveInterval)
	require.NotNil(t, st.LastSuccessAt)
	assert.Equal(t, next, *st.LastSuccessAt)
	require.Len(t, sink.Snapshots(), 1)
	assert.Equal(t, "cam1", sink.Snapshots()[0].StreamID)
}

func TestForgetDropsState(t *testing.T) {
	g := NewGrabber(Config{Dir: t.TempDir()}, store.NewMemoryStore(0, 0), zap.NewNop())
	g.record(sensor.StreamSource{StreamID: "cam1", CaptureInterval: time.Minute}, time.Now(), errors.New("boom"))
	require.Equal(t, 1, g.State("cam1").Failures)

	g.Forget("cam1")
	assert.Equal(t, 0, g.State("cam1").Failures)
}
