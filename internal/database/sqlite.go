package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sstent/steptrack-go/internal/models"
)

// Store persists finalized sessions in their own table and the rest of the
// app state as one JSON blob keyed by the store name.
type Store struct {
	db   *sql.DB
	name string

	// serialises read-modify-write of the blob
	mu sync.Mutex
}

var _ Database = (*Store)(nil)

func Open(dbPath, name string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", dbPath, err)
	}
	s, err := NewStoreFromDB(db, name)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreFromDB wraps an existing sql.DB connection and creates the tables.
func NewStoreFromDB(db *sql.DB, name string) (*Store, error) {
	s := &Store{db: db, name: name}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("database: create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		steps INTEGER NOT NULL DEFAULT 0,
		distance REAL NOT NULL DEFAULT 0,
		calories REAL NOT NULL DEFAULT 0,
		coordinates INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time);

	CREATE TABLE IF NOT EXISTS kv_store (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Sessions returns every finalized session in the order they were appended.
func (s *Store) Sessions(ctx context.Context) ([]models.StepSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("database: list sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *Store) Session(ctx context.Context, id string) (models.StepSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StepSession{}, ErrSessionNotFound
	}
	if err != nil {
		return models.StepSession{}, fmt.Errorf("database: get session %s: %w", id, err)
	}
	var sess models.StepSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return models.StepSession{}, fmt.Errorf("database: decode session %s: %w", id, err)
	}
	return sess, nil
}

// AppendSession stores a finalized session. A checkpoint of the same session
// is cleared in the same transaction.
func (s *Store) AppendSession(ctx context.Context, sess models.StepSession) error {
	if !sess.Finalized() {
		return fmt.Errorf("database: session %s is not finalized", sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("database: encode session %s: %w", sess.ID, err)
	}
	var distance, calories float64
	if sess.Distance != nil {
		distance = *sess.Distance
	}
	if sess.Calories != nil {
		calories = *sess.Calories
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (id, start_time, end_time, steps, distance, calories, coordinates, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StartTime, *sess.EndTime, sess.Steps,
		distance, calories, len(sess.Coordinates), string(data),
	)
	if err != nil {
		return fmt.Errorf("database: insert session %s: %w", sess.ID, err)
	}

	doc, err := s.loadDocument(ctx, tx)
	if err != nil {
		return err
	}
	if doc.ActiveSession != nil && doc.ActiveSession.ID == sess.ID {
		doc.ActiveSession = nil
		if err := s.saveDocument(ctx, tx, doc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("database: delete session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: delete session %s: %w", id, err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

var sortColumns = map[string]string{
	"start_time": "start_time",
	"steps":      "steps",
	"distance":   "distance",
	"duration":   "(end_time - start_time)",
}

func (s *Store) FilterSessions(ctx context.Context, filters SessionFilters) ([]models.StepSession, error) {
	query := `SELECT data FROM sessions WHERE 1=1`

	var args []interface{}
	var conditions []string

	if filters.DateFrom != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, models.Millis(*filters.DateFrom))
	}
	if filters.DateTo != nil {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, models.Millis(*filters.DateTo))
	}
	if filters.MinDistance > 0 {
		conditions = append(conditions, "distance >= ?")
		args = append(args, filters.MinDistance)
	}
	if filters.MaxDistance > 0 {
		conditions = append(conditions, "distance <= ?")
		args = append(args, filters.MaxDistance)
	}
	if filters.MinSteps > 0 {
		conditions = append(conditions, "steps >= ?")
		args = append(args, filters.MinSteps)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	orderBy := "start_time"
	if col, ok := sortColumns[filters.SortBy]; ok {
		orderBy = col
	}
	order := "DESC"
	if strings.EqualFold(filters.SortOrder, "asc") {
		order = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s, rowid %s", orderBy, order, order)

	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)

		if filters.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filters.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: filter sessions: %w", err)
	}
	return scanSessions(rows)
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var durationMillis int64
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(steps), 0),
	       COALESCE(SUM(distance), 0),
	       COALESCE(SUM(calories), 0),
	       COALESCE(SUM(end_time - start_time), 0)
	FROM sessions`).Scan(
		&stats.Total, &stats.TotalSteps, &stats.TotalDistanceKm,
		&stats.TotalCalories, &durationMillis,
	)
	if err != nil {
		return nil, fmt.Errorf("database: stats: %w", err)
	}
	stats.TotalDuration = durationMillis / 1000
	return stats, nil
}

func (s *Store) Profile(ctx context.Context) (models.UserProfile, error) {
	doc, err := s.loadDocument(ctx, s.db)
	if err != nil {
		return models.UserProfile{}, err
	}
	return doc.Profile, nil
}

// UpdateProfile merges p into the stored profile and returns the result.
func (s *Store) UpdateProfile(ctx context.Context, p models.ProfilePatch) (models.UserProfile, error) {
	var out models.UserProfile
	err := s.updateDocument(ctx, func(_ queryer, doc *document) error {
		doc.Profile = p.Apply(doc.Profile)
		if doc.Profile.DailyStepGoal <= 0 {
			doc.Profile.DailyStepGoal = models.DefaultDailyStepGoal
		}
		out = doc.Profile
		return nil
	})
	return out, err
}

func (s *Store) Preferences(ctx context.Context) (models.Preferences, error) {
	doc, err := s.loadDocument(ctx, s.db)
	if err != nil {
		return models.Preferences{}, err
	}
	return doc.Preferences, nil
}

func (s *Store) UpdatePreferences(ctx context.Context, p models.PreferencesPatch) (models.Preferences, error) {
	var out models.Preferences
	err := s.updateDocument(ctx, func(_ queryer, doc *document) error {
		next := p.Apply(doc.Preferences)
		switch next.ChartMode {
		case models.ChartModeDaily, models.ChartModeWeekly, models.ChartModeMonthly:
		default:
			return fmt.Errorf("database: unknown chart mode %q", next.ChartMode)
		}
		doc.Preferences = next
		out = next
		return nil
	})
	return out, err
}

// SaveActiveSession checkpoints the session being recorded. nil clears it.
// A session that is already in the sessions table is never checkpointed
// again: any checkpoint of it is cleared and ErrSessionFinalized returned.
func (s *Store) SaveActiveSession(ctx context.Context, sess *models.StepSession) error {
	finalized := false
	err := s.updateDocument(ctx, func(q queryer, doc *document) error {
		if sess == nil {
			doc.ActiveSession = nil
			return nil
		}
		exists, err := s.sessionExists(ctx, q, sess.ID)
		if err != nil {
			return err
		}
		if exists {
			finalized = true
			if doc.ActiveSession != nil && doc.ActiveSession.ID == sess.ID {
				doc.ActiveSession = nil
			}
			return nil
		}
		c := sess.Clone()
		doc.ActiveSession = &c
		return nil
	})
	if err != nil {
		return err
	}
	if finalized {
		return ErrSessionFinalized
	}
	return nil
}

// ActiveSession returns the last checkpoint, or nil if there is none.
func (s *Store) ActiveSession(ctx context.Context) (*models.StepSession, error) {
	doc, err := s.loadDocument(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return doc.ActiveSession, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) loadDocument(ctx context.Context, q queryer) (document, error) {
	doc := defaultDocument()
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE name = ?`, s.name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("database: load %s: %w", s.name, err)
	}
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return doc, fmt.Errorf("database: decode %s: %w", s.name, err)
	}
	if doc.Profile.DailyStepGoal <= 0 {
		doc.Profile.DailyStepGoal = models.DefaultDailyStepGoal
	}
	if doc.Preferences.ChartMode == "" {
		doc.Preferences.ChartMode = models.ChartModeDaily
	}
	return doc, nil
}

func (s *Store) saveDocument(ctx context.Context, e execer, doc document) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("database: encode %s: %w", s.name, err)
	}
	_, err = e.ExecContext(ctx, `
	INSERT INTO kv_store (name, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		s.name, string(value),
	)
	if err != nil {
		return fmt.Errorf("database: save %s: %w", s.name, err)
	}
	return nil
}

// updateDocument runs fn against the blob inside one transaction, so reads
// fn makes through q see the same snapshot the write is based on.
func (s *Store) updateDocument(ctx context.Context, fn func(q queryer, doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin: %w", err)
	}
	defer tx.Rollback()

	doc, err := s.loadDocument(ctx, tx)
	if err != nil {
		return err
	}
	if err := fn(tx, &doc); err != nil {
		return err
	}
	if err := s.saveDocument(ctx, tx, doc); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) sessionExists(ctx context.Context, q queryer, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database: look up session %s: %w", id, err)
	}
	return true, nil
}

func scanSessions(rows *sql.Rows) ([]models.StepSession, error) {
	defer rows.Close()

	sessions := []models.StepSession{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("database: scan session: %w", err)
		}
		var sess models.StepSession
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("database: decode session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database: list sessions: %w", err)
	}
	return sessions, nil
}
