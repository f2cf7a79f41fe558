// Package admin exposes the operator HTTP API of the email queue: stats,
// failed-job inspection, retry, pause/resume, cleanup and a dashboard
// summary.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/modernshop/mailq"
)

// API serves the queue admin endpoints.
type API struct {
	q        *mailq.Queue
	producer *mailq.Producer
	logger   *zap.Logger

	// testInjector enables the POST /test-email endpoint. Never enable in
	// production.
	testInjector bool
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithTestInjector enables the test-email endpoint.
func WithTestInjector() Option {
	return func(a *API) { a.testInjector = true }
}

// New returns an API over the given queue.
func New(q *mailq.Queue, opts ...Option) *API {
	a := &API{
		q:        q,
		producer: mailq.NewProducer(q),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router builds the chi router for the admin API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/stats", a.handleStats)
	r.Get("/failed-jobs", a.handleFailedJobs)
	r.Get("/dashboard", a.handleDashboard)
	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", a.metricsHandler())

	r.Post("/retry-job/{id}", a.handleRetryJob)
	r.Post("/retry-all-failed", a.handleRetryAllFailed)
	r.Post("/pause", a.handlePause)
	r.Post("/resume", a.handleResume)
	r.Post("/clean", a.handleClean)
	if a.testInjector {
		r.Post("/test-email", a.handleTestEmail)
	}
	return r
}

func (a *API) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("cannot write response", zap.Error(err))
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	a.respond(w, status, map[string]interface{}{
		"success": false,
		"message": msg,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.q.Stats(r.Context())
	if err != nil {
		a.logger.Error("cannot read queue stats", zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   stats,
	})
}

type failedJobView struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	AttemptsMade int       `json:"attemptsMade"`
	MaxAttempts  int       `json:"maxAttempts"`
	FailedReason string    `json:"failedReason"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

func failedView(j *mailq.Job) failedJobView {
	return failedJobView{
		ID:           j.ID,
		Type:         j.Type,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.MaxAttempts,
		FailedReason: j.FailedReason,
		EnqueuedAt:   j.EnqueuedAt,
		FinishedAt:   j.FinishedAt,
	}
}

func (a *API) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	page := cast.ToInt64(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit := cast.ToInt64(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	jobs, err := a.q.ListFailed(r.Context(), (page-1)*limit, limit)
	if err != nil {
		a.logger.Error("cannot list failed jobs", zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	views := make([]failedJobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, failedView(j))
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"page":    page,
		"limit":   limit,
		"jobs":    views,
	})
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := a.q.Stats(r.Context())
	if err != nil {
		a.logger.Error("cannot read queue stats", zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	recent, err := a.q.ListFailed(r.Context(), 0, 5)
	if err != nil {
		a.logger.Error("cannot list failed jobs", zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	views := make([]failedJobView, 0, len(recent))
	for _, j := range recent {
		views = append(views, failedView(j))
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"dashboard": map[string]interface{}{
			"stats":          stats,
			"recentFailures": views,
			"isHealthy":      stats.Failed < 10,
			"lastUpdated":    time.Now().UTC(),
		},
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := a.q.Stats(r.Context()); err != nil {
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{"success": true, "status": "ok"})
}

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.q.Retry(r.Context(), id)
	if err != nil {
		a.logger.Error("cannot retry job", zap.String("job_id", id), zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if !ok {
		a.respondError(w, http.StatusNotFound, "job not found in failed state")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "job queued for retry",
		"jobId":   id,
	})
}

func (a *API) handleRetryAllFailed(w http.ResponseWriter, r *http.Request) {
	n, err := a.q.RetryAll(r.Context())
	if err != nil {
		a.logger.Error("cannot retry failed jobs", zap.Error(err))
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"retried": n,
	})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.q.Pause(r.Context()); err != nil {
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "queue paused",
	})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.q.Resume(r.Context()); err != nil {
		a.respondError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "queue resumed",
	})
}

type cleanRequest struct {
	OlderThan string   `json:"olderThan"`
	States    []string `json:"states"`
}

func (a *API) handleClean(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	states := []mailq.State{mailq.StateCompleted, mailq.StateFailed}
	if len(req.States) > 0 {
		states = states[:0]
		for _, s := range req.States {
			states = append(states, mailq.State(s))
		}
	}
	olderThan := 24 * time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid olderThan duration")
			return
		}
		olderThan = d
	}
	n, err := a.q.Clean(r.Context(), olderThan, states...)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"removed": n,
	})
}

type testEmailRequest struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

// handleTestEmail enqueues a real job with synthetic data so operators can
// verify delivery end to end in non-production environments.
func (a *API) handleTestEmail(w http.ResponseWriter, r *http.Request) {
	var req testEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		a.respondError(w, http.StatusBadRequest, "email is required")
		return
	}
	var id string
	var err error
	switch req.Type {
	case mailq.TypeWelcome, "":
		id, err = a.producer.EnqueueWelcome(r.Context(), mailq.UserSnapshot{
			Email: req.Email,
			Name:  "Test User",
		})
	case mailq.TypePasswordReset:
		id, err = a.producer.EnqueuePasswordReset(r.Context(), req.Email, "test-token")
	default:
		a.respondError(w, http.StatusBadRequest, "unsupported test email type")
		return
	}
	if err != nil {
		a.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "test email queued",
		"jobId":   id,
	})
}

func (a *API) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatsCollector(a.q))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
