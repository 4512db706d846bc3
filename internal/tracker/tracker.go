// Package tracker runs the foreground tracking loops while a session is
// being recorded: a throttled location watch and a push-plus-poll step feed.
// All writes go through the session machine, targeted at the id of the
// session the loops were started for.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/logging"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/pedometer"
	"github.com/sstent/steptrack-go/internal/session"
	"github.com/sstent/steptrack-go/internal/telemetry"
)

var (
	ErrTrackingUnavailable = errors.New("tracker: step tracking is not available")
	ErrAlreadyTracking     = errors.New("tracker: already tracking")
	ErrNotTracking         = errors.New("tracker: not tracking")
)

// WatchOptions are passed to the native location watch.
type WatchOptions struct {
	Interval       time.Duration
	DistanceMeters float64
}

// LocationWatcher streams foreground fixes until ctx is done.
type LocationWatcher interface {
	WatchPosition(ctx context.Context, opts WatchOptions) (<-chan models.Fix, error)
}

type Permissions interface {
	RequestLocationPermission(ctx context.Context) (bool, error)
}

// StepSource is the part of the step counter bridge the step loop uses.
type StepSource interface {
	TodaySteps(ctx context.Context) (int, bool)
	OnStepUpdate(fn pedometer.Listener) pedometer.ListenerID
	RemoveStepUpdateListener(id pedometer.ListenerID)
}

// Sessions is the session machine surface the orchestrator drives.
type Sessions interface {
	Start() (models.StepSession, error)
	Stop(ctx context.Context) (models.StepSession, error)
	Active() (models.StepSession, bool)
	EnsureBaseline(id string, cumulative int) bool
	AppendCoordinateTo(id string, fix models.Fix) bool
	RecomputeStepsFor(id string, cumulative int) bool
}

type Config struct {
	LocationInterval  time.Duration
	LocationDistanceM float64
	ForwardThrottle   time.Duration
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		LocationInterval:  5 * time.Second,
		LocationDistanceM: 2,
		ForwardThrottle:   3 * time.Second,
		PollInterval:      time.Second,
	}
}

// Orchestrator owns the loops of at most one tracking run.
type Orchestrator struct {
	sessions Sessions
	steps    StepSource
	watcher  LocationWatcher
	perms    Permissions
	cfg      Config
	logger   *slog.Logger
	metrics  *telemetry.Instruments
	now      func() time.Time

	mu          sync.Mutex
	run         *run
	locationErr string
}

type run struct {
	sessionID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listener  pedometer.ListenerID
	poller    *cron.Cron

	// only touched by the location goroutine
	lastForward time.Time
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithInstruments(m *telemetry.Instruments) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(sessions Sessions, steps StepSource, watcher LocationWatcher, perms Permissions, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		steps:    steps,
		watcher:  watcher,
		perms:    perms,
		cfg:      cfg,
		logger:   logger.With("component", "tracker"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = telemetry.Default()
	}
	return o
}

// StartTracking starts a new session and its loops. It refuses to run unless
// the sensors were initialized and permissions granted.
func (o *Orchestrator) StartTracking(ctx context.Context, status models.InitializationStatus) (models.StepSession, error) {
	if !status.CanTrack() {
		return models.StepSession{}, ErrTrackingUnavailable
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != nil {
		return models.StepSession{}, ErrAlreadyTracking
	}

	s, err := o.sessions.Start()
	if err != nil {
		return models.StepSession{}, fmt.Errorf("tracker: start session: %w", err)
	}
	o.startLoops(ctx, s.ID)
	o.logger.Info("tracking started", "session", s.ID)
	return s, nil
}

// ResumeTracking attaches the loops to a session that is already active,
// typically one restored from a checkpoint. A missing baseline is captured
// again; an existing one is kept.
func (o *Orchestrator) ResumeTracking(ctx context.Context, status models.InitializationStatus) (models.StepSession, error) {
	if !status.CanTrack() {
		return models.StepSession{}, ErrTrackingUnavailable
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run != nil {
		return models.StepSession{}, ErrAlreadyTracking
	}

	s, ok := o.sessions.Active()
	if !ok {
		return models.StepSession{}, session.ErrNoActiveSession
	}
	o.startLoops(ctx, s.ID)
	o.logger.Info("tracking resumed", "session", s.ID)
	return s, nil
}

// StopTracking tears down every loop and only then finalizes the session, so
// nothing started by this run can write after finalization.
func (o *Orchestrator) StopTracking(ctx context.Context) (models.StepSession, error) {
	o.mu.Lock()
	r := o.run
	o.run = nil
	o.mu.Unlock()

	if r != nil {
		r.cancel()
		o.steps.RemoveStepUpdateListener(r.listener)
		<-r.poller.Stop().Done()
		r.wg.Wait()
		o.logger.Debug("tracking loops stopped", "session", r.sessionID)
	}

	final, err := o.sessions.Stop(ctx)
	if errors.Is(err, session.ErrNoActiveSession) {
		return models.StepSession{}, ErrNotTracking
	}
	if err != nil {
		return models.StepSession{}, err
	}
	o.logger.Info("tracking stopped", "session", final.ID, "steps", final.Steps)
	return final, nil
}

func (o *Orchestrator) IsTracking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run != nil
}

// LocationError is the user-visible location problem of the current run, if any.
func (o *Orchestrator) LocationError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.locationErr
}

// startLoops must be called with o.mu held. The loops outlive the caller's
// ctx; only StopTracking ends them.
func (o *Orchestrator) startLoops(ctx context.Context, id string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{sessionID: id, cancel: cancel}
	o.locationErr = ""

	r.listener = o.steps.OnStepUpdate(func(u models.StepUpdate) error {
		o.sessions.RecomputeStepsFor(id, u.Steps)
		return nil
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		o.captureBaseline(runCtx, id)
	}()

	cronLog := logging.CronLogger{Logger: o.logger}
	r.poller = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	r.poller.Schedule(cron.Every(o.cfg.PollInterval), cron.FuncJob(func() {
		o.pollSteps(runCtx, id)
	}))
	r.poller.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		o.locationLoop(runCtx, r)
	}()

	o.run = r
}

func (o *Orchestrator) captureBaseline(ctx context.Context, id string) {
	cur, ok := o.steps.TodaySteps(ctx)
	if !ok || ctx.Err() != nil {
		o.logger.Debug("baseline not captured yet", "session", id)
		return
	}
	o.sessions.EnsureBaseline(id, cur)
}

// pollSteps is the redundant step path. It also fills in the baseline if the
// initial capture failed.
func (o *Orchestrator) pollSteps(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	cur, ok := o.steps.TodaySteps(ctx)
	if !ok || ctx.Err() != nil {
		return
	}
	if o.sessions.EnsureBaseline(id, cur) {
		return
	}
	o.sessions.RecomputeStepsFor(id, cur)
}

func (o *Orchestrator) locationLoop(ctx context.Context, r *run) {
	granted, err := o.perms.RequestLocationPermission(ctx)
	if err != nil || !granted {
		if ctx.Err() != nil {
			return
		}
		o.setLocationError("location permission denied")
		o.logger.Warn("location permission denied", "session", r.sessionID, "error", err)
		return
	}

	fixes, err := o.watcher.WatchPosition(ctx, WatchOptions{
		Interval:       o.cfg.LocationInterval,
		DistanceMeters: o.cfg.LocationDistanceM,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.setLocationError("failed to start location updates")
		o.logger.Error("location watch failed", "session", r.sessionID, "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				o.logger.Debug("location watch closed", "session", r.sessionID)
				return
			}
			o.forward(ctx, r, fix)
		}
	}
}

// forward applies the wall-clock throttle and the geo filter, then appends.
// Fixes that fail validation do not count against the throttle.
func (o *Orchestrator) forward(ctx context.Context, r *run, fix models.Fix) bool {
	now := o.now()
	if !r.lastForward.IsZero() && now.Sub(r.lastForward) < o.cfg.ForwardThrottle {
		return false
	}
	if !geo.ValidPosition(fix.Lat, fix.Lon) || !geo.AccurateEnough(fix.Accuracy) {
		o.reject(ctx, fix, "invalid")
		return false
	}
	// Only a usable fix opens the next throttle window.
	r.lastForward = now
	active, ok := o.sessions.Active()
	if !ok || active.ID != r.sessionID {
		return false
	}
	if !geo.AcceptFix(fix, active.LastCoordinate()) {
		o.reject(ctx, fix, "too close")
		return false
	}
	if !o.sessions.AppendCoordinateTo(r.sessionID, fix) {
		return false
	}
	telemetry.Inc(ctx, o.metrics.Fixes, "source", "foreground", "result", telemetry.ResultAccepted)
	return true
}

func (o *Orchestrator) reject(ctx context.Context, fix models.Fix, reason string) {
	telemetry.Inc(ctx, o.metrics.Fixes, "source", "foreground", "result", telemetry.ResultRejected)
	o.logger.Debug("fix rejected", "reason", reason, "lat", fix.Lat, "lon", fix.Lon)
}

func (o *Orchestrator) setLocationError(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locationErr = msg
}
