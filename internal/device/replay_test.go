package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstent/steptrack-go/internal/logging"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/parser"
	"github.com/sstent/steptrack-go/internal/pedometer"
	"github.com/sstent/steptrack-go/internal/relay"
	"github.com/sstent/steptrack-go/internal/session"
	"github.com/sstent/steptrack-go/internal/startup"
	"github.com/sstent/steptrack-go/internal/tracker"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// straightWalk is four points 0.001° of latitude apart, about 111 m each.
func straightWalk() *parser.Track {
	return &parser.Track{Name: "test", Points: []parser.TrackPoint{
		{Lat: 46.000, Lon: 7.0},
		{Lat: 46.001, Lon: 7.0},
		{Lat: 46.002, Lon: 7.0},
		{Lat: 46.003, Lon: 7.0},
	}}
}

func newTestReplay(t *testing.T, cfg Config) (*Replay, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)}
	r, err := New(straightWalk(), cfg, logging.Discard(), WithClock(clock.Now), WithLocation(time.UTC))
	require.NoError(t, err)
	return r, clock
}

func playAll(r *Replay, clock *manualClock) {
	for {
		clock.Advance(10 * time.Second)
		if _, ok := r.Step(); !ok {
			return
		}
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(&parser.Track{}, DefaultConfig(), logging.Discard())
	assert.ErrorIs(t, err, parser.ErrNoTrackData)

	cfg := DefaultConfig()
	cfg.StrideMeters = 0
	_, err = New(straightWalk(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestReplay_StepsFromDistance(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())
	ctx := context.Background()

	var updates []models.StepUpdate
	_, err := r.SubscribeSteps(func(u models.StepUpdate) { updates = append(updates, u) })
	require.NoError(t, err)

	playAll(r, clock)
	assert.True(t, r.Finished())

	steps, err := r.GetTodaySteps(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 333.6/0.75, float64(steps), 2)

	require.Len(t, updates, 3, "the first point covers no distance")
	assert.Equal(t, steps, updates[2].Steps)
	require.NotNil(t, updates[2].Calories)
	assert.InDelta(t, float64(steps)*0.04, *updates[2].Calories, 1e-9)

	calories, err := r.GetTodayCalories(ctx)
	require.NoError(t, err)
	assert.InDelta(t, float64(steps)*0.04, calories, 1e-9)
}

func TestReplay_StepHistoryIsServedAsJSON(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())
	playAll(r, clock)

	raw, err := r.GetStepTimestampsForDate(context.Background(), "2025-06-15")
	require.NoError(t, err)
	var events []models.StepTimestamp
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 3)

	total := 0
	for _, e := range events {
		total += e.Steps
	}
	steps, _ := r.GetTodaySteps(context.Background())
	assert.Equal(t, steps, total)
	assert.Equal(t, steps, events[2].CumulativeSteps)

	hourly := pedometer.ConvertTimestampsToHourly(events, time.UTC)
	assert.Equal(t, steps, hourly[8])

	raw, err = r.GetStepTimestampsForDate(context.Background(), "2025-06-14")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestReplay_CounterRollsOverAtMidnight(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())

	clock.Advance(time.Second)
	r.Step()
	r.Step()
	before, _ := r.GetTodaySteps(context.Background())
	assert.Positive(t, before)

	clock.Advance(24 * time.Hour)
	after, _ := r.GetTodaySteps(context.Background())
	assert.Zero(t, after)

	r.Step()
	next, _ := r.GetTodaySteps(context.Background())
	assert.InDelta(t, float64(before), float64(next), 2, "one more segment on the new day")
}

func TestReplay_BatchesForBackgroundTask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	r, clock := newTestReplay(t, cfg)

	playAll(r, clock)
	r.Flush()

	first := <-r.Batches()
	second := <-r.Batches()
	assert.Len(t, first.Locations, 3)
	assert.Len(t, second.Locations, 1)
	assert.Equal(t, 46.003, second.Locations[0].Lat)
	require.NotNil(t, first.Locations[0].Accuracy)
	assert.Equal(t, 5.0, *first.Locations[0].Accuracy)
}

func TestReplay_WatchPosition(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	fixes, err := r.WatchPosition(ctx, tracker.WatchOptions{Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Watchers())

	clock.Advance(time.Second)
	r.Step()
	fix := <-fixes
	assert.Equal(t, 46.0, fix.Lat)
	assert.Equal(t, models.Millis(clock.Now()), fix.Timestamp)

	cancel()
	require.Eventually(t, func() bool { return r.Watchers() == 0 }, time.Second, time.Millisecond)
	_, open := <-fixes
	assert.False(t, open)
}

func TestReplay_DeniedLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DenyLocation = true
	r, _ := newTestReplay(t, cfg)

	ok, err := r.RequestLocationPermission(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.WatchPosition(context.Background(), tracker.WatchOptions{})
	assert.ErrorIs(t, err, ErrLocationDenied)
}

func TestReplay_StaleCancelKeepsNewSubscription(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())

	cancelOld, err := r.SubscribeSteps(func(models.StepUpdate) {})
	require.NoError(t, err)
	got := 0
	_, err = r.SubscribeSteps(func(models.StepUpdate) { got++ })
	require.NoError(t, err)
	cancelOld()

	playAll(r, clock)
	assert.Equal(t, 3, got)
}

func TestReplay_RunUntimedTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UntimedGap = time.Millisecond
	r, _ := newTestReplay(t, cfg)

	require.NoError(t, r.Run(context.Background()))
	assert.True(t, r.Finished())
	assert.Len(t, r.Batches(), 1)
}

func TestReplay_RunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UntimedGap = time.Hour
	r, _ := newTestReplay(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Run(ctx), context.DeadlineExceeded)
	assert.False(t, r.Finished())
	assert.Len(t, r.Batches(), 1, "played points are flushed")
}

type memorySink struct {
	mu       sync.Mutex
	sessions []models.StepSession
}

func (s *memorySink) AppendSession(_ context.Context, sess models.StepSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sess)
	return nil
}

// TestReplay_DrivesForegroundTracking wires the device through the real
// bridge, gate and orchestrator.
func TestReplay_DrivesForegroundTracking(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())
	ctx := context.Background()
	logger := logging.Discard()

	bridge := pedometer.New(r, pedometer.DefaultConfig(), logger, pedometer.WithClock(clock.Now))
	require.NoError(t, bridge.Initialize(ctx))
	defer bridge.Cleanup()

	status := startup.New(r, logger).Initialize(ctx)
	require.True(t, status.CanTrack())
	active, _ := r.IsTrackingActive(ctx)
	assert.True(t, active)

	machine := session.New(&memorySink{}, logger)
	orch := tracker.New(machine, bridge, r, r, tracker.DefaultConfig(), logger, tracker.WithClock(clock.Now))

	_, err := orch.StartTracking(ctx, status)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := machine.Active()
		return ok && s.SessionStartSteps != nil && r.Watchers() == 1
	}, time.Second, time.Millisecond)

	for i := 1; i <= 4; i++ {
		clock.Advance(10 * time.Second)
		r.Step()
		want := i
		require.Eventually(t, func() bool {
			s, _ := machine.Active()
			return len(s.Coordinates) == want
		}, time.Second, time.Millisecond)
	}

	final, err := orch.StopTracking(ctx)
	require.NoError(t, err)
	steps, _ := r.GetTodaySteps(ctx)
	assert.Equal(t, steps, final.Steps)
	assert.Len(t, final.Coordinates, 4)
	require.NotNil(t, final.Distance)
	assert.InDelta(t, 0.3336, *final.Distance, 0.001)
	require.Eventually(t, func() bool { return r.Watchers() == 0 }, time.Second, time.Millisecond)
}

// TestReplay_FeedsBackgroundRelay runs device batches through the relay: no
// session, nothing appended; with a session, the batch lands.
func TestReplay_FeedsBackgroundRelay(t *testing.T) {
	r, clock := newTestReplay(t, DefaultConfig())
	logger := logging.Discard()
	machine := session.New(&memorySink{}, logger)
	rl := relay.New(machine, logger, nil)

	playAll(r, clock)
	r.Flush()

	assert.Zero(t, rl.HandleBatch(context.Background(), <-r.Batches()))
	assert.Equal(t, session.Idle, machine.State())

	_, err := machine.Start()
	require.NoError(t, err)
	n := rl.HandleBatch(context.Background(), relay.Batch{Locations: []models.Fix{
		{Lat: 46.0, Lon: 7.0}, {Lat: 46.001, Lon: 7.0},
	}})
	assert.Equal(t, 2, n)
}
