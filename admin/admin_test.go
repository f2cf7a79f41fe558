package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modernshop/mailq"
	"github.com/modernshop/mailq/internal/memq"
)

func newTestAPI(t *testing.T, opts ...Option) (*API, *mailq.Queue) {
	t.Helper()
	q, err := mailq.NewQueue(memq.NewBroker(), mailq.WithDefaultMaxAttempts(1))
	require.NoError(t, err)
	return New(q, opts...), q
}

func failJobs(t *testing.T, q *mailq.Queue, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, mailq.TypeWelcome,
			&mailq.WelcomePayload{Email: "a@b.com", Name: "Ada"})
		require.NoError(t, err)
		ids = append(ids, id)
		jobs, err := q.FetchNext(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		_, err = q.MarkFailed(ctx, jobs[0], errors.New("smtp timeout"))
		require.NoError(t, err)
	}
	return ids
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestStatsEndpoint(t *testing.T) {
	api, q := newTestAPI(t)
	_, err := q.Enqueue(context.Background(), mailq.TypeWelcome,
		&mailq.WelcomePayload{Email: "a@b.com", Name: "Ada"})
	require.NoError(t, err)

	rec, body := doJSON(t, api.Router(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	stats := body["stats"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["waiting"])
	assert.Equal(t, false, stats["paused"])
}

func TestFailedJobsPagination(t *testing.T) {
	api, q := newTestAPI(t)
	failJobs(t, q, 5)

	rec, body := doJSON(t, api.Router(), http.MethodGet, "/failed-jobs?page=1&limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 3)

	rec, body = doJSON(t, api.Router(), http.MethodGet, "/failed-jobs?page=2&limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 2)

	// Bogus paging parameters fall back to defaults.
	rec, body = doJSON(t, api.Router(), http.MethodGet, "/failed-jobs?page=zero&limit=-4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 5)
}

func TestDashboard(t *testing.T) {
	api, q := newTestAPI(t)
	failJobs(t, q, 6)

	rec, body := doJSON(t, api.Router(), http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := body["dashboard"].(map[string]interface{})
	assert.Equal(t, true, dash["isHealthy"], "fewer than 10 failures is healthy")
	assert.Len(t, dash["recentFailures"], 5, "dashboard shows at most five recent failures")

	failJobs(t, q, 5)
	rec, body = doJSON(t, api.Router(), http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash = body["dashboard"].(map[string]interface{})
	assert.Equal(t, false, dash["isHealthy"], "ten or more failures flips the health flag")
}

func TestRetryJobEndpoint(t *testing.T) {
	api, q := newTestAPI(t)
	ids := failJobs(t, q, 1)

	rec, body := doJSON(t, api.Router(), http.MethodPost, "/retry-job/"+ids[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	job, err := q.Job(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, mailq.StateWaiting, job.State)

	rec, body = doJSON(t, api.Router(), http.MethodPost, "/retry-job/no-such-id", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestRetryAllFailedEndpoint(t *testing.T) {
	api, q := newTestAPI(t)
	failJobs(t, q, 3)

	rec, body := doJSON(t, api.Router(), http.MethodPost, "/retry-all-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["retried"])
}

func TestPauseResumeEndpoints(t *testing.T) {
	api, q := newTestAPI(t)
	ctx := context.Background()

	rec, _ := doJSON(t, api.Router(), http.MethodPost, "/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Paused)

	rec, _ = doJSON(t, api.Router(), http.MethodPost, "/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Paused)
}

func TestCleanEndpoint(t *testing.T) {
	api, q := newTestAPI(t)
	failJobs(t, q, 2)

	rec, body := doJSON(t, api.Router(), http.MethodPost, "/clean",
		cleanRequest{OlderThan: "0s", States: []string{"failed"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["removed"])

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)

	rec, _ = doJSON(t, api.Router(), http.MethodPost, "/clean",
		cleanRequest{States: []string{"waiting"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, api.Router(), http.MethodPost, "/clean",
		cleanRequest{OlderThan: "not-a-duration"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestEmailEndpointGated(t *testing.T) {
	api, _ := newTestAPI(t)
	rec, _ := doJSON(t, api.Router(), http.MethodPost, "/test-email",
		testEmailRequest{Email: "a@b.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "injector must be off by default")

	api, q := newTestAPI(t, WithTestInjector())
	rec, body := doJSON(t, api.Router(), http.MethodPost, "/test-email",
		testEmailRequest{Type: mailq.TypePasswordReset, Email: "a@b.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	id := body["jobId"].(string)

	job, err := q.Job(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mailq.TypePasswordReset, job.Type)

	rec, _ = doJSON(t, api.Router(), http.MethodPost, "/test-email",
		testEmailRequest{Type: "bogus", Email: "a@b.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, api.Router(), http.MethodPost, "/test-email",
		testEmailRequest{Type: mailq.TypeWelcome})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	api, q := newTestAPI(t)
	_, err := q.Enqueue(context.Background(), mailq.TypeWelcome,
		&mailq.WelcomePayload{Email: "a@b.com", Name: "Ada"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mailq_queue_jobs{queue="email",state="waiting"} 1`)
	assert.Contains(t, rec.Body.String(), `mailq_queue_paused{queue="email"} 0`)
}

func TestHealthz(t *testing.T) {
	api, _ := newTestAPI(t)
	rec, body := doJSON(t, api.Router(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
