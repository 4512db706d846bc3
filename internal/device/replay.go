// Package device provides a simulated native sensor layer that plays back a
// recorded track. It stands in for the phone's pedometer and location
// services: steps are derived from the distance walked along the track,
// every point is offered to foreground watchers and queued for the
// background location task.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/parser"
	"github.com/sstent/steptrack-go/internal/pedometer"
	"github.com/sstent/steptrack-go/internal/relay"
	"github.com/sstent/steptrack-go/internal/startup"
	"github.com/sstent/steptrack-go/internal/tracker"
)

var ErrLocationDenied = errors.New("device: location permission denied")

type Config struct {
	// Speed multiplies playback; 2 replays a track twice as fast as recorded.
	Speed           float64
	StrideMeters    float64
	CaloriesPerStep float64
	// BatchSize is how many fixes the background task receives at once.
	BatchSize    int
	AccuracyM    float64
	DenyLocation bool
	// Untimed tracks advance one point per UntimedGap.
	UntimedGap time.Duration
}

func DefaultConfig() Config {
	return Config{
		Speed:           1,
		StrideMeters:    0.75,
		CaloriesPerStep: 0.04,
		BatchSize:       5,
		AccuracyM:       5,
		UntimedGap:      time.Second,
	}
}

// Replay implements every native interface the app consumes.
type Replay struct {
	track   *parser.Track
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	loc     *time.Location
	batches chan relay.Batch

	mu        sync.Mutex
	idx       int
	walkedM   float64
	walked    int // steps since playback began
	dayKey    string
	dayOffset int // walked steps before the current day began
	tracking  bool
	watchers  map[int]chan models.Fix
	nextWatch int
	history   map[string][]models.StepTimestamp
	pending   []models.Fix

	handler func(models.StepUpdate)
	// bumped per SubscribeSteps so a stale cancel is a no-op
	subscription int
}

var (
	_ pedometer.Native        = (*Replay)(nil)
	_ startup.Sensors         = (*Replay)(nil)
	_ tracker.LocationWatcher = (*Replay)(nil)
	_ tracker.Permissions     = (*Replay)(nil)
)

type Option func(*Replay)

func WithClock(now func() time.Time) Option {
	return func(r *Replay) { r.now = now }
}

// WithLocation sets the time zone that decides which day a step belongs to.
func WithLocation(loc *time.Location) Option {
	return func(r *Replay) { r.loc = loc }
}

func New(track *parser.Track, cfg Config, logger *slog.Logger, opts ...Option) (*Replay, error) {
	if track == nil || len(track.Points) == 0 {
		return nil, parser.ErrNoTrackData
	}
	if cfg.StrideMeters <= 0 {
		return nil, fmt.Errorf("device: stride must be positive, got %v", cfg.StrideMeters)
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.UntimedGap <= 0 {
		cfg.UntimedGap = time.Second
	}
	r := &Replay{
		track:    track,
		cfg:      cfg,
		logger:   logger.With("component", "device", "track", track.Name),
		now:      time.Now,
		loc:      time.Local,
		batches:  make(chan relay.Batch, 16),
		watchers: make(map[int]chan models.Fix),
		history:  make(map[string][]models.StepTimestamp),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Load parses a GPX, TCX or FIT file and builds a replay device from it.
func Load(path string, cfg Config, logger *slog.Logger, opts ...Option) (*Replay, error) {
	track, err := parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return New(track, cfg, logger, opts...)
}

// Batches delivers background location batches for the relay.
func (r *Replay) Batches() <-chan relay.Batch {
	return r.batches
}

func (r *Replay) GetTodaySteps(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.todayLocked(r.now()), nil
}

func (r *Replay) GetTodayCalories(ctx context.Context) (float64, error) {
	steps, err := r.GetTodaySteps(ctx)
	if err != nil {
		return 0, err
	}
	return float64(steps) * r.cfg.CaloriesPerStep, nil
}

// GetStepTimestampsForDate returns the recorded step events of date as a JSON array.
func (r *Replay) GetStepTimestampsForDate(_ context.Context, date string) ([]byte, error) {
	r.mu.Lock()
	events := append([]models.StepTimestamp{}, r.history[date]...)
	r.mu.Unlock()
	return json.Marshal(events)
}

// SubscribeSteps registers the single native step listener.
func (r *Replay) SubscribeSteps(handler func(models.StepUpdate)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
	r.subscription++
	sub := r.subscription
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.subscription == sub {
			r.handler = nil
		}
	}, nil
}

func (r *Replay) IsStepCountingAvailable(context.Context) (bool, error) {
	return true, nil
}

func (r *Replay) RequestPermissions(context.Context, startup.PermissionMode) (bool, error) {
	return true, nil
}

func (r *Replay) IsTrackingActive(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracking, nil
}

func (r *Replay) StartTracking(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracking = true
	return true, nil
}

func (r *Replay) RequestLocationPermission(context.Context) (bool, error) {
	return !r.cfg.DenyLocation, nil
}

// WatchPosition streams played-back fixes until ctx is done. Fixes are
// dropped for a watcher that is not keeping up.
func (r *Replay) WatchPosition(ctx context.Context, opts tracker.WatchOptions) (<-chan models.Fix, error) {
	if r.cfg.DenyLocation {
		return nil, ErrLocationDenied
	}
	ch := make(chan models.Fix, 16)

	r.mu.Lock()
	r.nextWatch++
	id := r.nextWatch
	r.watchers[id] = ch
	r.mu.Unlock()

	r.logger.Debug("location watch started", "interval", opts.Interval, "distance_m", opts.DistanceMeters)
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, id)
		close(ch)
		r.mu.Unlock()
	}()
	return ch, nil
}

// Watchers is the number of open location watches.
func (r *Replay) Watchers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Finished reports whether every track point has been played.
func (r *Replay) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idx >= len(r.track.Points)
}

// Run plays the track back in real time (scaled by Speed) until it ends or
// ctx is done. Pending background fixes are flushed at the end.
func (r *Replay) Run(ctx context.Context) error {
	r.logger.Info("replay started", "points", len(r.track.Points), "speed", r.cfg.Speed)
	for {
		gap, ok := r.Step()
		if !ok {
			r.Flush()
			r.logger.Info("replay finished")
			return nil
		}
		timer := time.NewTimer(time.Duration(float64(gap) / r.cfg.Speed))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.Flush()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Step plays the next point and returns the recorded gap to the point after
// it. ok is false once the track is exhausted.
func (r *Replay) Step() (gap time.Duration, ok bool) {
	r.mu.Lock()
	if r.idx >= len(r.track.Points) {
		r.mu.Unlock()
		return 0, false
	}

	now := r.now()
	points := r.track.Points
	p := points[r.idx]
	if r.idx > 0 {
		prev := points[r.idx-1]
		r.walkedM += geo.DistanceKm(
			models.Coordinate{Lat: prev.Lat, Lon: prev.Lon},
			models.Coordinate{Lat: p.Lat, Lon: p.Lon},
		) * 1000
	}

	before := r.todayLocked(now)
	r.walked = int(r.walkedM / r.cfg.StrideMeters)
	today := r.todayLocked(now)

	var update *models.StepUpdate
	if delta := today - before; delta > 0 {
		ts := models.Millis(now)
		r.history[r.dayKey] = append(r.history[r.dayKey], models.StepTimestamp{
			Timestamp:       ts,
			Steps:           delta,
			CumulativeSteps: today,
		})
		calories := float64(today) * r.cfg.CaloriesPerStep
		update = &models.StepUpdate{Steps: today, Calories: &calories, Timestamp: ts}
	}

	accuracy := r.cfg.AccuracyM
	fix := models.Fix{Lat: p.Lat, Lon: p.Lon, Accuracy: &accuracy, Timestamp: models.Millis(now)}
	for id, ch := range r.watchers {
		select {
		case ch <- fix:
		default:
			r.logger.Debug("watcher lagging, fix dropped", "watch", id)
		}
	}

	r.pending = append(r.pending, fix)
	var batch []models.Fix
	if len(r.pending) >= r.cfg.BatchSize {
		batch, r.pending = r.pending, nil
	}

	r.idx++
	gap = r.cfg.UntimedGap
	if r.idx < len(points) && r.track.Timed() {
		gap = points[r.idx].Time.Sub(p.Time)
		if gap < 0 {
			gap = 0
		}
	}
	handler := r.handler
	r.mu.Unlock()

	if update != nil && handler != nil {
		handler(*update)
	}
	if batch != nil {
		r.deliver(batch)
	}
	return gap, true
}

// Flush hands any queued fixes to the background task.
func (r *Replay) Flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()
	if len(batch) > 0 {
		r.deliver(batch)
	}
}

func (r *Replay) deliver(fixes []models.Fix) {
	select {
	case r.batches <- relay.Batch{Locations: fixes}:
	default:
		r.logger.Warn("background queue full, batch dropped", "fixes", len(fixes))
	}
}

// todayLocked returns today's cumulative steps, rolling the counter over at
// local midnight.
func (r *Replay) todayLocked(now time.Time) int {
	key := now.In(r.loc).Format("2006-01-02")
	if key != r.dayKey {
		r.dayKey = key
		r.dayOffset = r.walked
	}
	return r.walked - r.dayOffset
}
