// Package web is the HTTP facade the UI shell talks to. It exposes the
// session operations, the initialization status and the persisted store.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sstent/steptrack-go/internal/database"
	"github.com/sstent/steptrack-go/internal/geo"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/session"
	"github.com/sstent/steptrack-go/internal/tracker"
)

const dateLayout = "2006-01-02"

type Initializer interface {
	Initialize(ctx context.Context) models.InitializationStatus
	Retry(ctx context.Context) models.InitializationStatus
	Status() (models.InitializationStatus, bool)
}

type Tracker interface {
	StartTracking(ctx context.Context, status models.InitializationStatus) (models.StepSession, error)
	StopTracking(ctx context.Context) (models.StepSession, error)
	IsTracking() bool
	LocationError() string
}

type Sessions interface {
	Active() (models.StepSession, bool)
}

// Steps is the read side of the step counter bridge plus its lifecycle.
type Steps interface {
	GetTodaySteps(ctx context.Context) int
	GetTodayCalories(ctx context.Context) float64
	HourlySteps(ctx context.Context, date string) [24]int
	Suspend()
	Resume(ctx context.Context) error
}

type WebHandler struct {
	db       database.Database
	gate     Initializer
	tracker  Tracker
	sessions Sessions
	steps    Steps
	logger   *slog.Logger
	now      func() time.Time
}

func NewWebHandler(db database.Database, gate Initializer, t Tracker, sessions Sessions, steps Steps, logger *slog.Logger) *WebHandler {
	return &WebHandler{
		db:       db,
		gate:     gate,
		tracker:  t,
		sessions: sessions,
		steps:    steps,
		logger:   logger.With("component", "web"),
		now:      time.Now,
	}
}

// NewRouter builds the gin engine with recovery, request logging and every route.
func NewRouter(h *WebHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	if err := h.LoadTemplates(router); err != nil {
		h.logger.Error("failed to load templates", "error", err)
	}
	h.RegisterRoutes(router)
	return router
}

func (h *WebHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.Index)
	router.GET("/health", h.Health)

	router.GET("/status", h.Status)
	router.POST("/status/retry", h.RetryInitialization)

	router.GET("/session", h.ActiveSession)
	router.POST("/session/start", h.StartSession)
	router.POST("/session/stop", h.StopSession)

	router.GET("/sessions", h.SessionList)
	router.GET("/sessions/:id", h.SessionDetail)
	router.DELETE("/sessions/:id", h.DeleteSession)
	router.GET("/stats", h.Stats)

	router.GET("/profile", h.Profile)
	router.PATCH("/profile", h.UpdateProfile)
	router.GET("/preferences", h.Preferences)
	router.PATCH("/preferences", h.UpdatePreferences)

	router.GET("/steps/today", h.TodaySteps)
	router.GET("/steps/hourly", h.HourlySteps)

	router.POST("/lifecycle/background", h.Background)
	router.POST("/lifecycle/foreground", h.Foreground)
}

func (h *WebHandler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *WebHandler) Health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

type statusResponse struct {
	models.InitializationStatus
	IsTracking    bool   `json:"isTracking"`
	LocationError string `json:"locationError,omitempty"`
}

func (h *WebHandler) statusResponse(st models.InitializationStatus) statusResponse {
	return statusResponse{
		InitializationStatus: st,
		IsTracking:           h.tracker.IsTracking(),
		LocationError:        h.tracker.LocationError(),
	}
}

// Status reports the initialization snapshot. Before the gate has finished
// it reports isInitialized=false so the shell keeps its loading screen.
func (h *WebHandler) Status(c *gin.Context) {
	st, _ := h.gate.Status()
	c.JSON(http.StatusOK, h.statusResponse(st))
}

func (h *WebHandler) RetryInitialization(c *gin.Context) {
	st := h.gate.Retry(c.Request.Context())
	c.JSON(http.StatusOK, h.statusResponse(st))
}

type liveSession struct {
	Active          bool                `json:"active"`
	Session         *models.StepSession `json:"session,omitempty"`
	DurationSeconds int64               `json:"durationSeconds"`
	DistanceKm      float64             `json:"distanceKm"`
	IsTracking      bool                `json:"isTracking"`
	LocationError   string              `json:"locationError,omitempty"`
}

func (h *WebHandler) ActiveSession(c *gin.Context) {
	resp := liveSession{
		IsTracking:    h.tracker.IsTracking(),
		LocationError: h.tracker.LocationError(),
	}
	if s, ok := h.sessions.Active(); ok {
		resp.Active = true
		resp.Session = &s
		resp.DurationSeconds = int64(s.Duration(h.now()) / time.Second)
		resp.DistanceKm = geo.TotalDistanceKm(s.Coordinates)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *WebHandler) StartSession(c *gin.Context) {
	ctx := c.Request.Context()
	st := h.gate.Initialize(ctx)

	s, err := h.tracker.StartTracking(ctx, st)
	switch {
	case errors.Is(err, tracker.ErrTrackingUnavailable):
		msg := st.Error
		if msg == "" {
			msg = "step tracking is not available"
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg})
	case errors.Is(err, tracker.ErrAlreadyTracking), errors.Is(err, session.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": "a session is already active"})
	case err != nil:
		h.logger.Error("start session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start tracking"})
	default:
		c.JSON(http.StatusCreated, s)
	}
}

func (h *WebHandler) StopSession(c *gin.Context) {
	s, err := h.tracker.StopTracking(c.Request.Context())
	switch {
	case errors.Is(err, tracker.ErrNotTracking):
		c.JSON(http.StatusConflict, gin.H{"error": "no active session"})
	case err != nil:
		h.logger.Error("stop session failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save session"})
	default:
		c.JSON(http.StatusOK, s)
	}
}

// SessionList returns every finalized session in append order, or a filtered
// page when query parameters are given.
func (h *WebHandler) SessionList(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Request.URL.RawQuery == "" {
		sessions, err := h.db.Sessions(ctx)
		if err != nil {
			h.internalError(c, "list sessions", err)
			return
		}
		c.JSON(http.StatusOK, sessions)
		return
	}

	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.db.FilterSessions(ctx, filters)
	if err != nil {
		h.internalError(c, "filter sessions", err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func parseFilters(c *gin.Context) (database.SessionFilters, error) {
	f := database.SessionFilters{
		SortBy:    c.Query("sort"),
		SortOrder: c.Query("order"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return f, errors.New("from must be YYYY-MM-DD")
		}
		f.DateFrom = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.ParseInLocation(dateLayout, v, time.Local)
		if err != nil {
			return f, errors.New("to must be YYYY-MM-DD")
		}
		end := t.Add(24*time.Hour - time.Millisecond)
		f.DateTo = &end
	}
	var err error
	if f.MinDistance, err = queryFloat(c, "min_distance"); err != nil {
		return f, err
	}
	if f.MaxDistance, err = queryFloat(c, "max_distance"); err != nil {
		return f, err
	}
	if f.MinSteps, err = queryInt(c, "min_steps"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func queryFloat(c *gin.Context, key string) (float64, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, errors.New(key + " must be a non-negative number")
	}
	return f, nil
}

func (h *WebHandler) SessionDetail(c *gin.Context) {
	s, err := h.db.Session(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get session", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *WebHandler) DeleteSession(c *gin.Context) {
	err := h.db.DeleteSession(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		h.internalError(c, "delete session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebHandler) Stats(c *gin.Context) {
	stats, err := h.db.Stats(c.Request.Context())
	if err != nil {
		h.internalError(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *WebHandler) Profile(c *gin.Context) {
	p, err := h.db.Profile(c.Request.Context())
	if err != nil {
		h.internalError(c, "get profile", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *WebHandler) UpdateProfile(c *gin.Context) {
	var patch models.ProfilePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile: " + err.Error()})
		return
	}
	if patch.DailyStepGoal != nil && *patch.DailyStepGoal <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dailyStepGoal must be positive"})
		return
	}
	if patch.Age != nil && *patch.Age < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "age must not be negative"})
		return
	}
	p, err := h.db.UpdateProfile(c.Request.Context(), patch)
	if err != nil {
		h.internalError(c, "update profile", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *WebHandler) Preferences(c *gin.Context) {
	p, err := h.db.Preferences(c.Request.Context())
	if err != nil {
		h.internalError(c, "get preferences", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *WebHandler) UpdatePreferences(c *gin.Context) {
	var patch models.PreferencesPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid preferences: " + err.Error()})
		return
	}
	if patch.ChartMode != nil {
		switch *patch.ChartMode {
		case models.ChartModeDaily, models.ChartModeWeekly, models.ChartModeMonthly:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "chartMode must be daily, weekly or monthly"})
			return
		}
	}
	p, err := h.db.UpdatePreferences(c.Request.Context(), patch)
	if err != nil {
		h.internalError(c, "update preferences", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type todaySteps struct {
	Steps    int     `json:"steps"`
	Calories float64 `json:"calories"`
	Goal     int     `json:"goal"`
	Progress float64 `json:"progress"`
}

func (h *WebHandler) today(ctx context.Context) todaySteps {
	t := todaySteps{
		Steps:    h.steps.GetTodaySteps(ctx),
		Calories: h.steps.GetTodayCalories(ctx),
		Goal:     models.DefaultDailyStepGoal,
	}
	if p, err := h.db.Profile(ctx); err == nil && p.DailyStepGoal > 0 {
		t.Goal = p.DailyStepGoal
	}
	t.Progress = float64(t.Steps) / float64(t.Goal)
	return t
}

func (h *WebHandler) TodaySteps(c *gin.Context) {
	c.JSON(http.StatusOK, h.today(c.Request.Context()))
}

func (h *WebHandler) HourlySteps(c *gin.Context) {
	date := c.DefaultQuery("date", h.now().Format(dateLayout))
	if _, err := time.Parse(dateLayout, date); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return
	}
	hourly := h.steps.HourlySteps(c.Request.Context(), date)
	c.JSON(http.StatusOK, gin.H{"date": date, "hourly": hourly})
}

// Background and Foreground mirror the host app's lifecycle: the native step
// subscription is dropped while backgrounded.
func (h *WebHandler) Background(c *gin.Context) {
	h.steps.Suspend()
	c.Status(http.StatusNoContent)
}

func (h *WebHandler) Foreground(c *gin.Context) {
	if err := h.steps.Resume(c.Request.Context()); err != nil {
		h.internalError(c, "resume step updates", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WebHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
