// Package stream captures still frames from camera streams on a schedule and
// backs off streams that keep failing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
)

const (
	DefaultFailureThreshold = 5
	DefaultMaxBackoff       = 30 * time.Minute
	DefaultCaptureTimeout   = 15 * time.Second

	// maxFrameBytes bounds how much of a response is buffered for one frame.
	maxFrameBytes = 20 << 20
)

// Config holds grabber settings.
type Config struct {
	Dir              string
	FailureThreshold int
	MaxBackoff       time.Duration
	CaptureTimeout   time.Duration
	Client           *http.Client
}

// StreamState is the backoff state of one stream.
type StreamState struct {
	StreamID          string        `json:"streamId"`
	Failures          int           `json:"failures"`
	Degraded          bool          `json:"degraded"`
	EffectiveInterval time.Duration `json:"effectiveIntervalNs"`
	LastSuccessAt     *time.Time    `json:"lastSuccessAt,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	NextAttempt       time.Time     `json:"nextAttempt"`
}

// Grabber captures snapshots and records them through the sink.
type Grabber struct {
	cfg    Config
	sink   sensor.Sink
	logger *zap.Logger

	mu       sync.Mutex
	states   map[string]*StreamState
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGrabber creates a Grabber. Zero config values fall back to defaults.
func NewGrabber(cfg Config, sink sensor.Sink, logger *zap.Logger) *Grabber {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = DefaultCaptureTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &Grabber{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		states:   make(map[string]*StreamState),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// EffectiveInterval returns the capture interval after failures consecutive
// failures. Below threshold it is base; from there it doubles per failure and
// never exceeds maxBackoff (unless base itself does).
func EffectiveInterval(base time.Duration, failures, threshold int, maxBackoff time.Duration) time.Duration {
	if failures < threshold || base <= 0 || base >= maxBackoff {
		return base
	}
	interval := base
	for i := 0; i <= failures-threshold; i++ {
		interval *= 2
		if interval >= maxBackoff {
			return maxBackoff
		}
	}
	return interval
}

// State returns a copy of the stream's backoff state.
func (g *Grabber) State(streamID string) StreamState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.states[streamID]; ok {
		return *st
	}
	return StreamState{StreamID: streamID}
}

// Due reports whether a tick at now would attempt a capture.
func (g *Grabber) Due(streamID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[streamID]
	return !ok || !now.Before(st.NextAttempt)
}

// Forget drops the state of a stream that is no longer configured.
func (g *Grabber) Forget(streamID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.states, streamID)
	delete(g.breakers, streamID)
}

func (g *Grabber) breaker(streamID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[streamID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stream:" + streamID,
			MaxRequests: 1,
			Interval:    5 * time.Minute,
			Timeout:     2 * time.Minute,
		})
		g.breakers[streamID] = cb
	}
	return cb
}

// Tick runs one scheduled attempt for the stream. It returns false without
// capturing when the stream is still inside its backoff window.
func (g *Grabber) Tick(ctx context.Context, src sensor.StreamSource, now time.Time) (bool, error) {
	g.mu.Lock()
	st, ok := g.states[src.StreamID]
	if !ok {
		st = &StreamState{StreamID: src.StreamID, EffectiveInterval: src.CaptureInterval}
		g.states[src.StreamID] = st
	}
	if now.Before(st.NextAttempt) {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	snap, err := g.Capture(ctx, src)
	if err == nil {
		if err = g.sink.InsertSnapshot(ctx, snap); err != nil {
			err = fmt.Errorf("failed to record snapshot of %s: %w", src.StreamID, err)
		}
	}
	g.record(src, now, err)
	return true, err
}

func (g *Grabber) record(src sensor.StreamSource, now time.Time, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[src.StreamID]
	if st == nil {
		st = &StreamState{StreamID: src.StreamID}
		g.states[src.StreamID] = st
	}

	if err != nil {
		st.Failures++
		st.LastError = err.Error()
		wasDegraded := st.Degraded
		st.Degraded = st.Failures >= g.cfg.FailureThreshold
		if st.Degraded && !wasDegraded {
			g.logger.Warn("stream degraded",
				zap.String("stream", src.StreamID),
				zap.Int("failures", st.Failures),
				zap.Error(err))
		} else {
			g.logger.Info("stream capture failed",
				zap.String("stream", src.StreamID),
				zap.Int("failures", st.Failures),
				zap.Error(err))
		}
	} else {
		if st.Degraded {
			g.logger.Info("stream recovered", zap.String("stream", src.StreamID))
		}
		st.Failures = 0
		st.Degraded = false
		st.LastError = ""
		at := now.UTC()
		st.LastSuccessAt = &at
	}

	st.EffectiveInterval = EffectiveInterval(src.CaptureInterval, st.Failures, g.cfg.FailureThreshold, g.cfg.MaxBackoff)
	if st.Degraded {
		// Ticks arrive every base interval; half a tick of slack keeps a
		// slightly early tick from pushing the attempt a full period later.
		st.NextAttempt = now.Add(st.EffectiveInterval - src.CaptureInterval/2)
	} else {
		st.NextAttempt = time.Time{}
	}
}

// Capture fetches one frame and writes it to disk. Every failure wraps
// sensor.ErrCapture.
func (g *Grabber) Capture(ctx context.Context, src sensor.StreamSource) (sensor.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CaptureTimeout)
	defer cancel()

	data, err := g.fetchFrame(ctx, src)
	if err != nil {
		return sensor.Snapshot{}, fmt.Errorf("%w: stream %s: %v", sensor.ErrCapture, src.StreamID, err)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return sensor.Snapshot{}, fmt.Errorf("%w: stream %s returned %s, not an image", sensor.ErrCapture, src.StreamID, mt.String())
	}

	capturedAt := time.Now().UTC()
	path, err := g.write(src, capturedAt, mt.Extension(), data)
	if err != nil {
		return sensor.Snapshot{}, fmt.Errorf("%w: stream %s: %v", sensor.ErrCapture, src.StreamID, err)
	}

	return sensor.Snapshot{
		StreamID:    src.StreamID,
		ZoneID:      src.ZoneID,
		CapturedAt:  capturedAt,
		FilePath:    path,
		ContentType: mt.String(),
		Bytes:       int64(len(data)),
	}, nil
}

func (g *Grabber) fetchFrame(ctx context.Context, src sensor.StreamSource) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}

	result, err := g.breaker(src.StreamID).Execute(func() (interface{}, error) {
		resp, err := g.cfg.Client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart stream without boundary")
		}
		part, err := multipart.NewReader(resp.Body, strings.TrimPrefix(boundary, "--")).NextPart()
		if err != nil {
			return nil, fmt.Errorf("failed to read first frame: %v", err)
		}
		defer part.Close()
		body = part
	}

	data, err := io.ReadAll(io.LimitReader(body, maxFrameBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty frame")
	}
	return data, nil
}

// write stores the frame under <dir>/<zone>/<stream>/ via temp file + rename so
// readers never see a partial image.
func (g *Grabber) write(src sensor.StreamSource, capturedAt time.Time, ext string, data []byte) (string, error) {
	dir := filepath.Join(g.cfg.Dir, pathSegment(src.ZoneID), pathSegment(src.StreamID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s_%s%s",
		pathSegment(src.StreamID),
		capturedAt.Format("20060102T150405Z"),
		uuid.NewString()[:8],
		ext)
	final := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".capture-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return final, nil
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")

func pathSegment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "unassigned"
	}
	return s
}
