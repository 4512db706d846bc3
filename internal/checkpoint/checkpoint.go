// Package checkpoint carries the session being recorded across restarts: the
// active session is saved on a schedule and put back at startup.
package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sstent/steptrack-go/internal/database"
	"github.com/sstent/steptrack-go/internal/models"
)

// Store is the persistence the keeper needs.
type Store interface {
	Session(ctx context.Context, id string) (models.StepSession, error)
	SaveActiveSession(ctx context.Context, s *models.StepSession) error
	ActiveSession(ctx context.Context) (*models.StepSession, error)
}

type Sessions interface {
	Snapshot() *models.StepSession
	Restore(s models.StepSession) error
}

// Resumer reattaches the tracking loops to a restored session.
type Resumer interface {
	ResumeTracking(ctx context.Context, status models.InitializationStatus) (models.StepSession, error)
}

type Keeper struct {
	store    Store
	sessions Sessions
	tracker  Resumer
	logger   *slog.Logger
	timeout  time.Duration
}

func New(store Store, sessions Sessions, tracker Resumer, logger *slog.Logger) *Keeper {
	return &Keeper{
		store:    store,
		sessions: sessions,
		tracker:  tracker,
		logger:   logger.With("component", "checkpoint"),
		timeout:  5 * time.Second,
	}
}

// Save persists the active session, or clears the checkpoint when idle. A
// snapshot of a session that was stopped meanwhile is dropped by the store.
func (k *Keeper) Save(ctx context.Context) error {
	snap := k.sessions.Snapshot()
	err := k.store.SaveActiveSession(ctx, snap)
	if errors.Is(err, database.ErrSessionFinalized) {
		k.logger.Debug("session stopped during checkpoint, snapshot dropped", "session", snap.ID)
		return nil
	}
	return err
}

// Run is the cron job form of Save.
func (k *Keeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	if err := k.Save(ctx); err != nil {
		k.logger.Error("checkpoint failed", "error", err)
	}
}

// Restore reinstates the checkpointed session and resumes tracking it. A
// checkpoint of a session that is already finalized is discarded. ok reports
// whether a session was restored; tracking may still be unavailable.
func (k *Keeper) Restore(ctx context.Context, status models.InitializationStatus) (restored models.StepSession, ok bool) {
	saved, err := k.store.ActiveSession(ctx)
	if err != nil {
		k.logger.Error("failed to read session checkpoint", "error", err)
		return models.StepSession{}, false
	}
	if saved == nil {
		return models.StepSession{}, false
	}

	_, err = k.store.Session(ctx, saved.ID)
	switch {
	case err == nil:
		k.logger.Warn("checkpoint of a finalized session discarded", "session", saved.ID)
		if err := k.store.SaveActiveSession(ctx, nil); err != nil {
			k.logger.Error("failed to clear checkpoint", "session", saved.ID, "error", err)
		}
		return models.StepSession{}, false
	case !errors.Is(err, database.ErrSessionNotFound):
		k.logger.Error("failed to check checkpointed session", "session", saved.ID, "error", err)
		return models.StepSession{}, false
	}

	if err := k.sessions.Restore(*saved); err != nil {
		k.logger.Warn("discarding session checkpoint", "session", saved.ID, "error", err)
		return models.StepSession{}, false
	}
	if _, err := k.tracker.ResumeTracking(ctx, status); err != nil {
		k.logger.Warn("restored session is not being tracked", "session", saved.ID, "error", err)
	}
	return *saved, true
}
