// Package relay is the background location task. The OS hands it batches of
// fixes independently of any foreground screen; it forwards the accepted
// ones into the active session.
package relay

import (
	"context"
	"log/slog"

	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/telemetry"
)

// Batch is one invocation of the background task. Err is set when the
// native task itself failed.
type Batch struct {
	Locations []models.Fix
	Err       error
}

// Sessions is the part of the session machine the relay writes through.
type Sessions interface {
	Active() (models.StepSession, bool)
	AppendCoordinateTo(id string, fix models.Fix) bool
}

// Relay holds no session state between invocations; it re-reads the active
// session for every fix.
type Relay struct {
	sessions Sessions
	logger   *slog.Logger
	metrics  *telemetry.Instruments
}

func New(sessions Sessions, logger *slog.Logger, metrics *telemetry.Instruments) *Relay {
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &Relay{
		sessions: sessions,
		logger:   logger.With("component", "relay"),
		metrics:  metrics,
	}
}

// HandleBatch processes one batch in order and returns how many fixes were
// appended. Without an active session the whole batch is discarded.
func (r *Relay) HandleBatch(ctx context.Context, b Batch) int {
	if b.Err != nil {
		r.logger.Error("background location task failed", "error", b.Err)
		return 0
	}
	if len(b.Locations) == 0 {
		return 0
	}
	if _, ok := r.sessions.Active(); !ok {
		r.logger.Debug("no active session, discarding batch", "fixes", len(b.Locations))
		return 0
	}

	appended := 0
	for i, fix := range b.Locations {
		select {
		case <-ctx.Done():
			r.logger.Warn("batch interrupted", "processed", i, "fixes", len(b.Locations))
			return appended
		default:
		}

		if !geo.ValidPosition(fix.Lat, fix.Lon) || !geo.AccurateEnough(fix.Accuracy) {
			r.reject(ctx, fix, "invalid")
			continue
		}

		active, ok := r.sessions.Active()
		if !ok {
			r.logger.Debug("session ended mid-batch", "remaining", len(b.Locations)-i)
			return appended
		}
		if !geo.AcceptFix(fix, active.LastCoordinate()) {
			r.reject(ctx, fix, "too close")
			continue
		}
		if r.sessions.AppendCoordinateTo(active.ID, fix) {
			appended++
			telemetry.Inc(ctx, r.metrics.Fixes, "source", "background", "result", telemetry.ResultAccepted)
		}
	}

	r.logger.Debug("batch processed", "fixes", len(b.Locations), "appended", appended)
	return appended
}

func (r *Relay) reject(ctx context.Context, fix models.Fix, reason string) {
	telemetry.Inc(ctx, r.metrics.Fixes, "source", "background", "result", telemetry.ResultRejected)
	r.logger.Debug("fix rejected", "reason", reason, "lat", fix.Lat, "lon", fix.Lon)
}

// Run consumes batches until ctx is done or the channel is closed.
func (r *Relay) Run(ctx context.Context, batches <-chan Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-batches:
			if !ok {
				return
			}
			r.HandleBatch(ctx, b)
		}
	}
}
