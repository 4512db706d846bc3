// Package pedometer adapts the native cumulative step counter into polled and
// pushed step data for the rest of the app.
//
// Native failures never escape this package: point queries fall back to safe
// defaults and history lookups fall back to an empty day.
package pedometer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/telemetry"
)

// Native is the platform step counter.
type Native interface {
	GetTodaySteps(ctx context.Context) (int, error)
	GetTodayCalories(ctx context.Context) (float64, error)
	// GetStepTimestampsForDate returns a JSON array of step events for the
	// given YYYY-MM-DD day, or a JSON string wrapping such an array.
	GetStepTimestampsForDate(ctx context.Context, date string) ([]byte, error)
	// SubscribeSteps registers handler for raw step events. The returned
	// cancel func removes the native subscription.
	SubscribeSteps(handler func(models.StepUpdate)) (cancel func(), err error)
}

// Listener receives throttled step updates. Returning an error unsubscribes it.
type Listener func(models.StepUpdate) error

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Listener
}

// Config tunes the bridge.
type Config struct {
	CaloriesPerStep  float64
	ThrottleInterval time.Duration
	CacheSize        int
	CacheTTL         time.Duration
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		CaloriesPerStep:  0.04,
		ThrottleInterval: time.Second,
		CacheSize:        7,
		CacheTTL:         15 * time.Minute,
	}
}

// Bridge is the single step counter adapter of the process.
type Bridge struct {
	native  Native
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Instruments
	now     func() time.Time

	mu           sync.Mutex
	listeners    []listener
	nextID       ListenerID
	hasLast      bool
	lastSteps    int
	lastAt       time.Time
	cancelNative func()

	cacheMu sync.Mutex
	cache   *historyCache
	fetches singleflight.Group
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock overrides the wall clock. Tests use it to drive throttling and cache expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

func WithInstruments(m *telemetry.Instruments) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a bridge over native. Call Initialize to start receiving push events.
func New(native Native, cfg Config, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		native: native,
		cfg:    cfg,
		logger: logger.With("component", "pedometer"),
		now:    time.Now,
		cache:  newHistoryCache(cfg.CacheSize, cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = telemetry.Default()
	}
	return b
}

// Initialize subscribes to native step events. Calling it again while
// subscribed is a no-op.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelNative != nil {
		return nil
	}
	cancel, err := b.native.SubscribeSteps(b.handleNative)
	if err != nil {
		telemetry.Inc(ctx, b.metrics.NativeFailure, "call", "subscribe")
		return fmt.Errorf("pedometer: subscribe to native steps: %w", err)
	}
	b.cancelNative = cancel
	b.logger.Debug("subscribed to native step events")
	return nil
}

// Suspend tears down the native subscription while the host is in the
// background. Registered listeners are kept.
func (b *Bridge) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelNative != nil {
		b.cancelNative()
		b.cancelNative = nil
		b.logger.Debug("native step subscription suspended")
	}
}

// Resume re-establishes the native subscription after Suspend.
func (b *Bridge) Resume(ctx context.Context) error {
	return b.Initialize(ctx)
}

// Cleanup drops the native subscription and every listener.
func (b *Bridge) Cleanup() {
	b.Suspend()

	b.mu.Lock()
	b.listeners = nil
	b.hasLast = false
	b.mu.Unlock()
}

// Subscribed reports whether the native subscription is live.
func (b *Bridge) Subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelNative != nil
}

// GetTodaySteps returns today's cumulative step count, or 0 if the native
// layer fails.
func (b *Bridge) GetTodaySteps(ctx context.Context) int {
	steps, _ := b.TodaySteps(ctx)
	return steps
}

// TodaySteps is GetTodaySteps that also reports whether the native layer
// answered, so callers can keep their last known value on failure.
func (b *Bridge) TodaySteps(ctx context.Context) (int, bool) {
	steps, err := b.native.GetTodaySteps(ctx)
	if err != nil {
		telemetry.Inc(ctx, b.metrics.NativeFailure, "call", "today_steps")
		b.logger.Warn("native step query failed", "error", err)
		return 0, false
	}
	if steps < 0 {
		return 0, true
	}
	return steps, true
}

// GetTodayCalories returns today's calories, estimated from steps if the
// native layer fails.
func (b *Bridge) GetTodayCalories(ctx context.Context) float64 {
	calories, err := b.native.GetTodayCalories(ctx)
	if err != nil {
		telemetry.Inc(ctx, b.metrics.NativeFailure, "call", "today_calories")
		b.logger.Warn("native calorie query failed, estimating from steps", "error", err)
		return float64(b.GetTodaySteps(ctx)) * b.cfg.CaloriesPerStep
	}
	return calories
}

// CaloriesPerStep is the flat per-step estimate used for fallbacks.
func (b *Bridge) CaloriesPerStep() float64 {
	return b.cfg.CaloriesPerStep
}

// OnStepUpdate registers fn for throttled step updates.
func (b *Bridge) OnStepUpdate(fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners = append(b.listeners, listener{id: b.nextID, fn: fn})
	return b.nextID
}

// RemoveStepUpdateListener unregisters a listener. Unknown or already removed
// ids are ignored.
func (b *Bridge) RemoveStepUpdateListener(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (b *Bridge) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// handleNative receives raw native events. An event is forwarded only if the
// throttle interval has passed since the last forwarded event and the step
// count changed.
func (b *Bridge) handleNative(ev models.StepUpdate) {
	ctx := context.Background()

	b.mu.Lock()
	now := b.now()
	if b.hasLast && (now.Sub(b.lastAt) < b.cfg.ThrottleInterval || ev.Steps == b.lastSteps) {
		b.mu.Unlock()
		telemetry.Inc(ctx, b.metrics.StepEvents, "result", "throttled")
		b.logger.Debug("step event throttled", "steps", ev.Steps)
		return
	}
	b.hasLast = true
	b.lastSteps = ev.Steps
	b.lastAt = now
	targets := make([]listener, len(b.listeners))
	copy(targets, b.listeners)
	b.mu.Unlock()

	telemetry.Inc(ctx, b.metrics.StepEvents, "result", "forwarded")
	for _, l := range targets {
		if err := deliver(l.fn, ev); err != nil {
			b.logger.Warn("step listener failed, unsubscribing", "listener", l.id, "error", err)
			b.RemoveStepUpdateListener(l.id)
		}
	}
}

func deliver(fn Listener, ev models.StepUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ev)
}
