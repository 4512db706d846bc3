// Package session owns the single active tracking session.
//
// Every writer goes through Machine, which re-reads the active slot under a
// mutex for each read-modify-write. Writers that know which session they are
// feeding use the id-guarded methods so a callback arriving after Stop cannot
// touch the next session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/telemetry"
)

var (
	ErrSessionActive   = errors.New("session: a session is already active")
	ErrNoActiveSession = errors.New("session: no active session")
	ErrNotResumable    = errors.New("session: only unfinalized sessions can be restored")
)

// State of the machine.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Sink receives finalized sessions.
type Sink interface {
	AppendSession(ctx context.Context, s models.StepSession) error
}

// Patch lists the fields to merge into the active session. Nil fields are
// left unchanged. AppendCoordinates go through the same geo filter as fixes.
type Patch struct {
	Steps                *int
	Calories             *float64
	SessionStartSteps    *int
	SessionStartCalories *float64
	AppendCoordinates    []models.Coordinate
}

// Machine holds at most one active session.
type Machine struct {
	sink            Sink
	logger          *slog.Logger
	metrics         *telemetry.Instruments
	now             func() time.Time
	newID           func() string
	caloriesPerStep float64
	hooks           []func(models.StepSession)

	mu     sync.Mutex
	active *models.StepSession
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// WithCaloriesPerStep sets the flat estimate used to derive session calories.
func WithCaloriesPerStep(v float64) Option {
	return func(m *Machine) { m.caloriesPerStep = v }
}

// WithFinalizeHook registers fn to run after a session is persisted by Stop.
func WithFinalizeHook(fn func(models.StepSession)) Option {
	return func(m *Machine) { m.hooks = append(m.hooks, fn) }
}

func WithInstruments(inst *telemetry.Instruments) Option {
	return func(m *Machine) { m.metrics = inst }
}

// New creates an idle machine that hands finalized sessions to sink.
func New(sink Sink, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		sink:            sink,
		logger:          logger.With("component", "session"),
		now:             time.Now,
		newID:           func() string { return ulid.Make().String() },
		caloriesPerStep: 0.04,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = telemetry.Default()
	}
	return m
}

// State reports whether a session is active.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return Active
	}
	return Idle
}

// Active returns a copy of the active session.
func (m *Machine) Active() (models.StepSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return models.StepSession{}, false
	}
	return m.active.Clone(), true
}

// Snapshot returns a copy of the active session for checkpointing, or nil when idle.
func (m *Machine) Snapshot() *models.StepSession {
	s, ok := m.Active()
	if !ok {
		return nil
	}
	return &s
}

// Start creates a new active session. The step baseline is not captured here;
// the caller fills it in with UpdateSession once the counter answers.
func (m *Machine) Start() (models.StepSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return models.StepSession{}, ErrSessionActive
	}
	s := &models.StepSession{
		ID:          m.newID(),
		StartTime:   models.Millis(m.now()),
		Coordinates: []models.Coordinate{},
	}
	m.active = s

	telemetry.Inc(context.Background(), m.metrics.Sessions, "transition", "started")
	m.logger.Info("session started", "session", s.ID)
	return s.Clone(), nil
}

// Restore reinstates a checkpointed, unfinalized session. Only valid while idle.
func (m *Machine) Restore(s models.StepSession) error {
	if s.Finalized() || s.ID == "" {
		return ErrNotResumable
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return ErrSessionActive
	}
	restored := s.Clone()
	if restored.Coordinates == nil {
		restored.Coordinates = []models.Coordinate{}
	}
	m.active = &restored
	m.logger.Info("session restored", "session", s.ID, "coordinates", len(s.Coordinates), "steps", s.Steps)
	return nil
}

// UpdateActiveSession merges p into whichever session is active. It returns
// false, and changes nothing, when no session is active.
func (m *Machine) UpdateActiveSession(p Patch) bool {
	return m.apply("", "update", func(s *models.StepSession) bool {
		applyPatch(s, p)
		return true
	})
}

// UpdateSession merges p into the active session only if its id is id.
func (m *Machine) UpdateSession(id string, p Patch) bool {
	return m.apply(id, "update", func(s *models.StepSession) bool {
		applyPatch(s, p)
		return true
	})
}

// AppendCoordinate appends fix to the active session's path if it passes the
// geo filter against the last accepted coordinate.
func (m *Machine) AppendCoordinate(fix models.Fix) bool {
	return m.AppendCoordinateTo("", fix)
}

// AppendCoordinateTo is AppendCoordinate restricted to the session with the
// given id. An empty id targets whichever session is active.
func (m *Machine) AppendCoordinateTo(id string, fix models.Fix) bool {
	return m.apply(id, "append", func(s *models.StepSession) bool {
		if !geo.AcceptFix(fix, s.LastCoordinate()) {
			m.logger.Debug("fix rejected", "session", s.ID, "lat", fix.Lat, "lon", fix.Lon)
			return false
		}
		s.Coordinates = append(s.Coordinates, fix.Coordinate())
		return true
	})
}

// EnsureBaseline captures cumulative as the step baseline of session id and
// resets its steps, unless a baseline is already present.
func (m *Machine) EnsureBaseline(id string, cumulative int) bool {
	return m.apply(id, "baseline", func(s *models.StepSession) bool {
		if s.SessionStartSteps != nil {
			return false
		}
		applyPatch(s, Patch{SessionStartSteps: &cumulative, Steps: models.Ptr(0)})
		m.logger.Debug("step baseline captured", "session", s.ID, "baseline", cumulative)
		return true
	})
}

// RecomputeStepsFromCumulative derives session steps from a cumulative device
// reading. It is a no-op until the baseline has been captured.
func (m *Machine) RecomputeStepsFromCumulative(cumulative int) bool {
	return m.RecomputeStepsFor("", cumulative)
}

// RecomputeStepsFor is RecomputeStepsFromCumulative restricted to one session.
func (m *Machine) RecomputeStepsFor(id string, cumulative int) bool {
	return m.apply(id, "recompute", func(s *models.StepSession) bool {
		if s.SessionStartSteps == nil {
			return false
		}
		steps := cumulative - *s.SessionStartSteps
		if steps < 0 {
			steps = 0
		}
		s.Steps = steps
		calories := float64(steps) * m.caloriesPerStep
		s.Calories = &calories
		return true
	})
}

// Stop finalizes the active session: the path length and end time are frozen,
// the session is handed to the sink and the slot is cleared. If the sink
// fails the session stays active so the stop can be retried.
func (m *Machine) Stop(ctx context.Context) (models.StepSession, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return models.StepSession{}, ErrNoActiveSession
	}

	final := m.active.Clone()
	end := models.Millis(m.now())
	if end < final.StartTime {
		end = final.StartTime
	}
	distance := geo.TotalDistanceKm(final.Coordinates)
	final.EndTime = &end
	final.Distance = &distance
	if final.Calories == nil {
		calories := float64(final.Steps) * m.caloriesPerStep
		final.Calories = &calories
	}

	if err := m.sink.AppendSession(ctx, final); err != nil {
		m.mu.Unlock()
		return models.StepSession{}, fmt.Errorf("session: persist %s: %w", final.ID, err)
	}
	m.active = nil
	m.mu.Unlock()

	telemetry.Inc(ctx, m.metrics.Sessions, "transition", "stopped")
	m.logger.Info("session stopped",
		"session", final.ID,
		"steps", final.Steps,
		"coordinates", len(final.Coordinates),
		"distance_km", distance,
	)
	for _, hook := range m.hooks {
		hook(final.Clone())
	}
	return final, nil
}

// apply runs fn against the active session under the lock. id, when set, must
// match the active session; otherwise the write is a late write and dropped.
func (m *Machine) apply(id, op string, fn func(*models.StepSession) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		if id == "" {
			m.logger.Warn("no active session", "op", op)
		} else {
			m.logger.Debug("late write ignored", "op", op, "session", id)
		}
		return false
	}
	if id != "" && m.active.ID != id {
		m.logger.Debug("late write ignored", "op", op, "session", id, "active", m.active.ID)
		return false
	}
	return fn(m.active)
}

func applyPatch(s *models.StepSession, p Patch) {
	if p.SessionStartSteps != nil {
		v := *p.SessionStartSteps
		s.SessionStartSteps = &v
	}
	if p.SessionStartCalories != nil {
		v := *p.SessionStartCalories
		s.SessionStartCalories = &v
	}
	if p.Steps != nil {
		v := *p.Steps
		if v < 0 {
			v = 0
		}
		s.Steps = v
	}
	if p.Calories != nil {
		v := *p.Calories
		s.Calories = &v
	}
	for _, c := range p.AppendCoordinates {
		if geo.Accept(c, s.LastCoordinate(), nil) {
			s.Coordinates = append(s.Coordinates, c)
		}
	}
}
