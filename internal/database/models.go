package database

import (
	"context"
	"errors"
	"time"

	"github.com/sstent/steptrack-go/internal/models"
)

var (
	ErrSessionNotFound = errors.New("database: session not found")
	// ErrSessionFinalized is returned when a checkpoint is offered for a
	// session that has already been appended.
	ErrSessionFinalized = errors.New("database: session already finalized")
)

// Stats summarises all finalized sessions.
type Stats struct {
	Total           int     `json:"total"`
	TotalSteps      int     `json:"totalSteps"`
	TotalDistanceKm float64 `json:"totalDistanceKm"`
	TotalCalories   float64 `json:"totalCalories"`
	TotalDuration   int64   `json:"totalDurationSeconds"`
}

// document is the JSON blob stored under the store name. Finalized sessions
// live in their own table so they can be filtered.
type document struct {
	Profile       models.UserProfile  `json:"userProfile"`
	Preferences   models.Preferences  `json:"preferences"`
	ActiveSession *models.StepSession `json:"activeSession,omitempty"`
}

func defaultDocument() document {
	return document{
		Profile:     models.UserProfile{DailyStepGoal: models.DefaultDailyStepGoal},
		Preferences: models.Preferences{ChartMode: models.ChartModeDaily},
	}
}

// Database is what the rest of the app needs from persistence.
type Database interface {
	// Sessions
	Sessions(ctx context.Context) ([]models.StepSession, error)
	Session(ctx context.Context, id string) (models.StepSession, error)
	AppendSession(ctx context.Context, s models.StepSession) error
	DeleteSession(ctx context.Context, id string) error
	FilterSessions(ctx context.Context, filters SessionFilters) ([]models.StepSession, error)

	// Stats
	Stats(ctx context.Context) (*Stats, error)

	// Profile and preferences
	Profile(ctx context.Context) (models.UserProfile, error)
	UpdateProfile(ctx context.Context, p models.ProfilePatch) (models.UserProfile, error)
	Preferences(ctx context.Context) (models.Preferences, error)
	UpdatePreferences(ctx context.Context, p models.PreferencesPatch) (models.Preferences, error)

	// Checkpoint of the session being recorded
	SaveActiveSession(ctx context.Context, s *models.StepSession) error
	ActiveSession(ctx context.Context) (*models.StepSession, error)

	Close() error
}

type SessionFilters struct {
	DateFrom    *time.Time
	DateTo      *time.Time
	MinDistance float64
	MaxDistance float64
	MinSteps    int
	Limit       int
	Offset      int
	SortBy      string // start_time, steps, distance or duration
	SortOrder   string // asc or desc
}
