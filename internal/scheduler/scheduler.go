// Package scheduler runs one periodic task per vendor integration and per
// camera stream, and keeps the task set in line with the current settings.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/grow-watcher/internal/sensor"
	"github.com/i474232898/grow-watcher/internal/status"
	"github.com/i474232898/grow-watcher/internal/stream"
)

const (
	TaskCloud = "cloud"
	TaskLocal = "local"

	streamTaskPrefix = "stream:"
	reconcileTag     = "reconcile"

	defaultInterval        = 60 * time.Second
	defaultSettingsRefresh = 30 * time.Second
	defaultCycleTimeout    = 2 * time.Minute
)

var (
	// ErrUnknownTask is returned by RunNow for a name that is not registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrOverrun is returned when a tick arrives while the previous cycle of
	// the same task is still running.
	ErrOverrun = errors.New("cycle overrun: previous cycle still running")
)

// Runner executes one vendor cycle against a settings snapshot.
type Runner interface {
	RunCycle(ctx context.Context, settings sensor.Settings) (sensor.CycleResult, error)
}

// Config holds scheduler timings.
type Config struct {
	SettingsRefresh time.Duration
	CycleTimeout    time.Duration
}

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name      string        `json:"name"`
	Kind      status.Kind   `json:"kind"`
	Scheduled bool          `json:"scheduled"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"intervalNs"`
}

type task struct {
	name    string
	kind    status.Kind
	running atomic.Bool

	// guarded by Scheduler.mu
	interval  time.Duration
	scheduled bool

	runner  Runner
	enabled func(sensor.Settings) bool

	streamID string
}

// Scheduler owns the gocron scheduler and the per-integration tasks.
type Scheduler struct {
	cron     *gocron.Scheduler
	settings sensor.SettingsProvider
	tracker  *status.Tracker
	grabber  *stream.Grabber
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. grabber may be nil when stream capture is not
// wired.
func New(settings sensor.SettingsProvider, tracker *status.Tracker, grabber *stream.Grabber, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SettingsRefresh <= 0 {
		cfg.SettingsRefresh = defaultSettingsRefresh
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		settings: settings,
		tracker:  tracker,
		grabber:  grabber,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		tasks:    make(map[string]*task),
	}
}

// AddVendor registers a vendor integration. It is scheduled by the next
// reconcile when enabled reports true for the current settings.
func (s *Scheduler) AddVendor(name string, runner Runner, enabled func(sensor.Settings) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[name] = &task{name: name, kind: status.KindVendor, runner: runner, enabled: enabled}
	s.tracker.Register(name, status.KindVendor, false)
}

// Start schedules every enabled task and the reconcile job. Tasks scheduled
// here run once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.Reconcile(); err != nil {
		return err
	}

	_, err := s.cron.Every(s.cfg.SettingsRefresh).WaitForSchedule().Tag(reconcileTag).Do(func() {
		if err := s.Reconcile(); err != nil {
			s.logger.Error("settings reconcile failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}

	s.cron.StartAsync()
	s.logger.Info("scheduler started", zap.Duration("settings_refresh", s.cfg.SettingsRefresh))
	return nil
}

// Stop cancels the root context, aborting in-flight calls, and stops the
// scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.cron.Stop()
	s.logger.Info("scheduler stopped")
}

// RunNow runs one tick of the named task synchronously. It honors overrun
// protection: if the task is already running it returns ErrOverrun.
func (s *Scheduler) RunNow(name string) (sensor.CycleResult, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return sensor.CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(t)
}

// Tasks lists the registered tasks ordered by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			Name:      t.name,
			Kind:      t.kind,
			Scheduled: t.scheduled,
			Running:   t.running.Load(),
			Interval:  t.interval,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconcile reads the settings and starts or stops tasks to match them.
func (s *Scheduler) Reconcile() error {
	settings, err := s.settings.Settings(s.rootContext())
	if err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	interval := intervalOr(settings.PollingInterval)
	for _, t := range s.tasks {
		if t.kind != status.KindVendor {
			continue
		}
		want := t.enabled(settings)
		switch {
		case want && !t.scheduled:
			t.interval = interval
			if err := s.schedule(t, false); err != nil {
				return err
			}
			s.tracker.Register(t.name, t.kind, true)
		case !want && t.scheduled:
			s.unschedule(t)
			s.tracker.Register(t.name, t.kind, false)
		}
	}

	if s.grabber == nil {
		return nil
	}

	desired := make(map[string]sensor.StreamSource)
	if settings.StreamCaptureEnabled {
		for _, src := range settings.Streams {
			desired[streamTaskPrefix+src.StreamID] = src
		}
	}

	for name, t := range s.tasks {
		if t.kind != status.KindStream {
			continue
		}
		if _, ok := desired[name]; !ok {
			s.unschedule(t)
			delete(s.tasks, name)
			s.grabber.Forget(t.streamID)
			s.tracker.Register(name, status.KindStream, false)
		}
	}

	for name, src := range desired {
		t, ok := s.tasks[name]
		if !ok {
			t = &task{name: name, kind: status.KindStream, streamID: src.StreamID}
			s.tasks[name] = t
		}
		streamInterval := intervalOr(src.CaptureInterval)
		switch {
		case !t.scheduled:
			t.interval = streamInterval
			if err := s.schedule(t, false); err != nil {
				return err
			}
			s.tracker.Register(name, status.KindStream, true)
		case t.interval != streamInterval:
			s.reschedule(t, streamInterval)
		}
	}
	return nil
}

// schedule adds the gocron job for t. Caller holds s.mu.
func (s *Scheduler) schedule(t *task, waitForSchedule bool) error {
	job := s.cron.Every(t.interval).Tag(t.name)
	if waitForSchedule {
		job = job.WaitForSchedule()
	}
	if _, err := job.Do(func() { s.tick(t) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", t.name, err)
	}
	t.scheduled = true
	s.logger.Info("task scheduled", zap.String("integration", t.name), zap.Duration("interval", t.interval))
	return nil
}

// unschedule removes the gocron job for t. Caller holds s.mu.
func (s *Scheduler) unschedule(t *task) {
	if err := s.cron.RemoveByTag(t.name); err != nil {
		s.logger.Debug("no job to remove", zap.String("integration", t.name), zap.Error(err))
	}
	t.scheduled = false
	s.logger.Info("task stopped", zap.String("integration", t.name))
}

// reschedule restarts t's job with a new interval. Caller holds s.mu.
func (s *Scheduler) reschedule(t *task, interval time.Duration) {
	old := t.interval
	s.unschedule(t)
	t.interval = interval
	if err := s.schedule(t, true); err != nil {
		s.logger.Error("failed to reschedule task", zap.String("integration", t.name), zap.Error(err))
		return
	}
	s.logger.Info("task interval changed",
		zap.String("integration", t.name),
		zap.Duration("from", old),
		zap.Duration("to", interval))
}

// retime applies an interval read during a cycle, once the cycle is done.
func (s *Scheduler) retime(t *task, interval time.Duration) {
	interval = intervalOr(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !t.scheduled || t.interval == interval {
		return
	}
	s.reschedule(t, interval)
}

func (s *Scheduler) tick(t *task) {
	// Overruns and failures are already logged and recorded by run.
	_, _ = s.run(t)
}

// run executes one cycle of t, skipping when the previous one is still going.
func (s *Scheduler) run(t *task) (res sensor.CycleResult, err error) {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.Warn("cycle overrun, skipping tick", zap.String("integration", t.name))
		s.tracker.TickSkipped(t.name, t.kind)
		return res, ErrOverrun
	}
	defer t.running.Store(false)

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cycle panicked",
				zap.String("integration", t.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("cycle panicked: %v", r)
			s.tracker.CycleFinished(t.name, t.kind, s.now(), s.now().Sub(started), res, err)
		}
	}()

	root := s.rootContext()
	if err := root.Err(); err != nil {
		return res, err
	}

	settings, err := s.settings.Settings(root)
	if err != nil {
		s.logger.Error("failed to read settings", zap.String("integration", t.name), zap.Error(err))
		s.tracker.CycleFinished(t.name, t.kind, s.now(), 0, res, err)
		return res, err
	}

	if t.kind == status.KindStream {
		return res, s.runStream(root, t, settings, started)
	}
	return s.runVendor(root, t, settings, started)
}

func (s *Scheduler) runVendor(root context.Context, t *task, settings sensor.Settings, started time.Time) (sensor.CycleResult, error) {
	if !t.enabled(settings) {
		s.logger.Debug("integration disabled, skipping cycle", zap.String("integration", t.name))
		return sensor.CycleResult{}, nil
	}

	cycleID := uuid.NewString()
	log := s.logger.With(zap.String("integration", t.name), zap.String("cycle_id", cycleID))

	ctx, cancel := context.WithTimeout(root, s.cfg.CycleTimeout)
	defer cancel()

	s.tracker.CycleStarted(t.name, t.kind, started)
	res, err := t.runner.RunCycle(ctx, settings)
	took := s.now().Sub(started)
	s.tracker.CycleFinished(t.name, t.kind, s.now(), took, res, err)

	fields := []zap.Field{
		zap.Duration("duration", took),
		zap.Int("devices", res.Devices),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("readings", res.Readings),
		zap.Int("dropped", res.Dropped),
		zap.Int("logins", res.Logins),
	}
	switch {
	case err != nil:
		log.Error("cycle failed", append(fields, zap.Error(err))...)
	case res.Partial():
		log.Warn("cycle completed with failures", fields...)
	default:
		log.Info("cycle completed", fields...)
	}

	s.retime(t, settings.PollingInterval)
	return res, err
}

func (s *Scheduler) runStream(root context.Context, t *task, settings sensor.Settings, started time.Time) error {
	if s.grabber == nil || !settings.StreamCaptureEnabled {
		return nil
	}
	var (
		src   sensor.StreamSource
		found bool
	)
	for _, candidate := range settings.Streams {
		if candidate.StreamID == t.streamID {
			src, found = candidate, true
			break
		}
	}
	if !found || !s.grabber.Due(src.StreamID, started) {
		return nil
	}

	ctx, cancel := context.WithTimeout(root, s.cfg.CycleTimeout)
	defer cancel()

	s.tracker.CycleStarted(t.name, t.kind, started)
	_, err := s.grabber.Tick(ctx, src, started)
	took := s.now().Sub(started)
	s.tracker.CycleFinished(t.name, t.kind, s.now(), took, sensor.CycleResult{}, err)

	st := s.grabber.State(src.StreamID)
	s.tracker.StreamBackoff(t.name, st.Failures, st.Degraded, st.EffectiveInterval)
	if err == nil {
		s.logger.Debug("snapshot captured", zap.String("stream_id", src.StreamID), zap.Duration("duration", took))
	}

	s.retime(t, src.CaptureInterval)
	return err
}

func (s *Scheduler) rootContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func intervalOr(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultInterval
	}
	return d
}
