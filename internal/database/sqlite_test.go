package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sstent/steptrack-go/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), "fitness-storage")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func finalized(id string, start time.Time, minutes, steps int, distanceKm float64) models.StepSession {
	end := models.Millis(start.Add(time.Duration(minutes) * time.Minute))
	calories := float64(steps) * 0.04
	return models.StepSession{
		ID:        id,
		StartTime: models.Millis(start),
		EndTime:   &end,
		Coordinates: []models.Coordinate{
			{Lat: 46.0, Lon: 7.0, Timestamp: models.Millis(start)},
		},
		Steps:    steps,
		Distance: &distanceKm,
		Calories: &calories,
	}
}

var day = time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)

func TestStore_AppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.AppendSession(ctx, finalized("b", day.Add(time.Hour), 30, 3000, 2.1)))
	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 1000, 0.8)))

	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "append order")
	assert.Equal(t, "a", all[1].ID)
	assert.Len(t, all[0].Coordinates, 1)

	got, err := s.Session(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1000, got.Steps)
	require.NotNil(t, got.Distance)
	assert.InDelta(t, 0.8, *got.Distance, 1e-9)
}

func TestStore_AppendRejectsActiveAndDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendSession(ctx, models.StepSession{ID: "open", StartTime: 1})
	assert.Error(t, err)

	sess := finalized("x", day, 5, 10, 0.1)
	require.NoError(t, s.AppendSession(ctx, sess))
	assert.Error(t, s.AppendSession(ctx, sess))
}

func TestStore_DeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 1000, 0.8)))
	require.NoError(t, s.DeleteSession(ctx, "a"))

	_, err := s.Session(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, s.DeleteSession(ctx, "a"), ErrSessionNotFound)
}

func TestStore_FilterSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSession(ctx, finalized("morning", day, 20, 2000, 1.5)))
	require.NoError(t, s.AppendSession(ctx, finalized("noon", day.Add(4*time.Hour), 60, 6000, 4.2)))
	require.NoError(t, s.AppendSession(ctx, finalized("next", day.Add(24*time.Hour), 5, 300, 0.2)))

	ids := func(ss []models.StepSession) []string {
		out := make([]string, len(ss))
		for i, x := range ss {
			out[i] = x.ID
		}
		return out
	}

	all, err := s.FilterSessions(ctx, SessionFilters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"next", "noon", "morning"}, ids(all))

	to := day.Add(23 * time.Hour)
	sameDay, err := s.FilterSessions(ctx, SessionFilters{DateFrom: &day, DateTo: &to, SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"morning", "noon"}, ids(sameDay))

	far, err := s.FilterSessions(ctx, SessionFilters{MinDistance: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"noon", "morning"}, ids(far))

	bySteps, err := s.FilterSessions(ctx, SessionFilters{SortBy: "steps", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"noon"}, ids(bySteps))

	page, err := s.FilterSessions(ctx, SessionFilters{SortBy: "duration", SortOrder: "asc", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"morning"}, ids(page))

	injected, err := s.FilterSessions(ctx, SessionFilters{SortBy: "id; DROP TABLE sessions", MinSteps: 1000})
	require.NoError(t, err)
	assert.Equal(t, []string{"noon", "morning"}, ids(injected))
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)

	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 1000, 0.8)))
	require.NoError(t, s.AppendSession(ctx, finalized("b", day.Add(time.Hour), 30, 3000, 2.2)))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 4000, stats.TotalSteps)
	assert.InDelta(t, 3.0, stats.TotalDistanceKm, 1e-9)
	assert.InDelta(t, 160.0, stats.TotalCalories, 1e-9)
	assert.Equal(t, int64(40*60), stats.TotalDuration)
}

func TestStore_ProfileMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDailyStepGoal, p.DailyStepGoal)
	assert.False(t, p.HasCompletedOnboarding)

	name := "Sam"
	p, err = s.UpdateProfile(ctx, models.ProfilePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Sam", p.Name)
	assert.Equal(t, models.DefaultDailyStepGoal, p.DailyStepGoal)

	goal, done := 8000, true
	_, err = s.UpdateProfile(ctx, models.ProfilePatch{DailyStepGoal: &goal, HasCompletedOnboarding: &done})
	require.NoError(t, err)

	p, err = s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Sam", p.Name)
	assert.Equal(t, 8000, p.DailyStepGoal)
	assert.True(t, p.HasCompletedOnboarding)
}

func TestStore_Preferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ChartModeDaily, prefs.ChartMode)

	mode := models.ChartModeWeekly
	rng := models.DateRange{Start: "2025-06-09", End: "2025-06-15"}
	prefs, err = s.UpdatePreferences(ctx, models.PreferencesPatch{ChartMode: &mode, SelectedRange: &rng})
	require.NoError(t, err)
	assert.Equal(t, models.ChartModeWeekly, prefs.ChartMode)

	bad := "hourly"
	_, err = s.UpdatePreferences(ctx, models.PreferencesPatch{ChartMode: &bad})
	assert.Error(t, err)

	prefs, err = s.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ChartModeWeekly, prefs.ChartMode)
	assert.Equal(t, rng, prefs.SelectedRange)
}

func TestStore_CheckpointClearedOnAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	none, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	active := models.StepSession{ID: "a", StartTime: models.Millis(day), Steps: 12, SessionStartSteps: models.Ptr(100)}
	require.NoError(t, s.SaveActiveSession(ctx, &active))

	got, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12, got.Steps)
	assert.Equal(t, 100, *got.SessionStartSteps)

	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 12, 0)))
	got, err = s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_StatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(path, "fitness-storage")
	require.NoError(t, err)
	name := "Alex"
	_, err = s.UpdateProfile(ctx, models.ProfilePatch{Name: &name})
	require.NoError(t, err)
	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 1000, 0.8)))
	require.NoError(t, s.Close())

	s, err = Open(path, "fitness-storage")
	require.NoError(t, err)
	defer s.Close()

	p, err := s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alex", p.Name)
	all, err := s.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	other, err := NewStoreFromDB(s.db, "other-store")
	require.NoError(t, err)
	p, err = other.Profile(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.Name, "blob is keyed by store name")
}

func TestStore_CheckpointRefusedOnceFinalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snapshot := models.StepSession{ID: "a", StartTime: models.Millis(day), Steps: 12}
	require.NoError(t, s.AppendSession(ctx, finalized("a", day, 10, 12, 0)))

	err := s.SaveActiveSession(ctx, &snapshot)
	assert.ErrorIs(t, err, ErrSessionFinalized)
	got, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "a snapshot taken before stop must not come back")

	other := models.StepSession{ID: "b", StartTime: models.Millis(day)}
	require.NoError(t, s.SaveActiveSession(ctx, &other))
	got, err = s.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}
