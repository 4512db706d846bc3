// Package startup runs the one-shot sensor initialization sequence and keeps
// its result for the rest of the process.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sstent/steptrack-go/internal/models"
)

// PermissionMode selects how the sensor permissions are requested.
type PermissionMode int

const (
	// PermissionsMinimal is the non-intrusive request made at startup.
	PermissionsMinimal PermissionMode = iota
	// PermissionsFull is used when the user explicitly retries.
	PermissionsFull
)

func (m PermissionMode) String() string {
	if m == PermissionsFull {
		return "full"
	}
	return "minimal"
}

// Sensors is the native step sensor surface the gate talks to.
type Sensors interface {
	IsStepCountingAvailable(ctx context.Context) (bool, error)
	RequestPermissions(ctx context.Context, mode PermissionMode) (bool, error)
	IsTrackingActive(ctx context.Context) (bool, error)
	StartTracking(ctx context.Context) (bool, error)
}

// Gate shares one in-flight initialization between concurrent callers.
type Gate struct {
	sensors Sensors
	logger  *slog.Logger
	group   singleflight.Group

	mu     sync.Mutex
	status *models.InitializationStatus

	// runs are numbered as they start; an older run never replaces the
	// result of a newer one
	started uint64
	stored  uint64
}

func New(sensors Sensors, logger *slog.Logger) *Gate {
	return &Gate{sensors: sensors, logger: logger.With("component", "startup")}
}

// Initialize returns the memoised status, running the sequence if nobody has
// yet. Callers arriving while it runs wait for the same result. The sequence
// is detached from ctx so a caller giving up does not fail the others.
func (g *Gate) Initialize(ctx context.Context) models.InitializationStatus {
	if st, ok := g.Status(); ok {
		return st
	}
	v, _, _ := g.group.Do("initialize", func() (any, error) {
		if st, ok := g.Status(); ok {
			return st, nil
		}
		gen := g.begin()
		g.store(g.run(context.WithoutCancel(ctx), PermissionsMinimal), gen)
		return nil, nil
	})
	return g.latest(v)
}

// Retry runs the sequence again with the full permission request and
// replaces the memoised status.
func (g *Gate) Retry(ctx context.Context) models.InitializationStatus {
	v, _, _ := g.group.Do("retry", func() (any, error) {
		gen := g.begin()
		g.store(g.run(context.WithoutCancel(ctx), PermissionsFull), gen)
		return nil, nil
	})
	return g.latest(v)
}

// Status returns the last result, if the sequence has completed once.
func (g *Gate) Status() (models.InitializationStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.status == nil {
		return models.InitializationStatus{}, false
	}
	return *g.status, true
}

func (g *Gate) begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
	return g.started
}

func (g *Gate) store(st models.InitializationStatus, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen < g.stored {
		g.logger.Debug("stale initialization result dropped", "run", gen, "current", g.stored)
		return
	}
	g.stored = gen
	g.status = &st
}

// latest returns the memoised status, which may come from a newer run than
// the one the caller waited on.
func (g *Gate) latest(v any) models.InitializationStatus {
	if st, ok := g.Status(); ok {
		return st
	}
	if st, ok := v.(models.InitializationStatus); ok {
		return st
	}
	return models.InitializationStatus{}
}

func (g *Gate) run(ctx context.Context, mode PermissionMode) (st models.InitializationStatus) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("initialization panicked", "panic", r)
			st = models.InitializationStatus{
				IsInitialized: true,
				Error:         fmt.Sprintf("initialization failed: %v", r),
			}
		}
	}()
	st.IsInitialized = true

	available, err := g.sensors.IsStepCountingAvailable(ctx)
	if err != nil || !available {
		g.logger.Warn("step counting unavailable", "error", err)
		st.Error = "Step counting is not available on this device"
		return st
	}

	granted, err := g.sensors.RequestPermissions(ctx, mode)
	if err != nil {
		g.logger.Warn("permission request failed", "mode", mode, "error", err)
		st.Error = fmt.Sprintf("Failed to request permissions: %v", err)
		return st
	}
	st.HasPermissions = granted

	active, err := g.sensors.IsTrackingActive(ctx)
	if err != nil {
		g.logger.Warn("tracking state query failed", "error", err)
		active = false
	}

	if !granted {
		st.IsTrackingActive = active
		st.Error = "Permissions not granted"
		g.logger.Info("initialization finished without permissions", "mode", mode)
		return st
	}

	if !active {
		started, err := g.sensors.StartTracking(ctx)
		switch {
		case err != nil:
			g.logger.Warn("native tracking start failed", "error", err)
			st.Error = "Failed to start step tracking"
		case !started:
			st.Error = "Failed to start step tracking"
		default:
			active = true
		}
	}
	st.IsTrackingActive = active

	g.logger.Info("initialization finished",
		"mode", mode,
		"permissions", st.HasPermissions,
		"tracking", st.IsTrackingActive,
		"error", st.Error,
	)
	return st
}
