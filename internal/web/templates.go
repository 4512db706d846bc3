package web

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sstent/steptrack-go/internal/database"
	"github.com/sstent/steptrack-go/internal/models"
)

var recentSessions = database.SessionFilters{Limit: 10}

const indexTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>steptrack</title></head>
<body>
<h1>Today</h1>
{{if not .Status.IsInitialized}}<p>Starting sensors&hellip;</p>
{{else if .Status.Error}}<p class="error">{{.Status.Error}}</p>{{end}}
<p>{{.Today.Steps}} / {{.Today.Goal}} steps ({{percent .Today.Progress}}), {{printf "%.0f" .Today.Calories}} kcal</p>
{{with .Active}}<h2>Recording</h2>
<p>{{.Steps}} steps, {{len .Coordinates}} points</p>
{{end}}
<h2>Sessions</h2>
<table>
<tr><th>Started</th><th>Steps</th><th>Distance (km)</th></tr>
{{range .Sessions}}<tr><td>{{millis .StartTime}}</td><td>{{.Steps}}</td><td>{{km .Distance}}</td></tr>
{{end}}
</table>
</body>
</html>`

// LoadTemplates installs the dashboard template on the router.
func (h *WebHandler) LoadTemplates(router *gin.Engine) error {
	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"percent": func(f float64) string { return strconv.Itoa(int(f*100)) + "%" },
		"millis":  func(ms int64) string { return time.UnixMilli(ms).Format("2006-01-02 15:04") },
		"km": func(d *float64) string {
			if d == nil {
				return "-"
			}
			return strconv.FormatFloat(*d, 'f', 2, 64)
		},
	}).Parse(indexTemplate)
	if err != nil {
		return err
	}
	router.SetHTMLTemplate(tmpl)
	return nil
}

type indexData struct {
	Status   models.InitializationStatus
	Today    todaySteps
	Active   *models.StepSession
	Sessions []models.StepSession
}

// Index renders a small dashboard: today's progress, the live session and
// the ten most recent sessions.
func (h *WebHandler) Index(c *gin.Context) {
	ctx := c.Request.Context()
	data := indexData{Today: h.today(ctx)}
	data.Status, _ = h.gate.Status()
	if s, ok := h.sessions.Active(); ok {
		data.Active = &s
	}

	recent, err := h.db.FilterSessions(ctx, recentSessions)
	if err != nil {
		h.internalError(c, "recent sessions", err)
		return
	}
	data.Sessions = recent
	c.HTML(http.StatusOK, "index.html", data)
}
