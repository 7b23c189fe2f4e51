package gamification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/moments-app/backend/internal/middleware"
	"github.com/moments-app/backend/internal/models"
	"github.com/moments-app/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-test-secret"

func newTestRouter(t *testing.T, svc *Service) http.Handler {
	t.Helper()
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.AuthMiddleware(testSecret))
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminOnly)
	NewHandler(svc).Register(api, admin)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := middleware.IssueToken(testSecret, userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ActivityFlow(t *testing.T) {
	f := newFixture(t)
	f.template(t, models.AchievementTemplate{Name: "First Moment", Metric: "moments_created", Target: 1, Points: 10})
	h := newTestRouter(t, f.svc)

	rec := doRequest(t, h, "POST", "/api/v1/activity", "u1", "", map[string]any{"metric": "moments_created", "delta": 1})
	require.Equal(t, http.StatusOK, rec.Code)

	var res ApplyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Unlocks, 1)
	assert.Equal(t, 10, res.Unlocks[0].PointsAwarded)

	rec = doRequest(t, h, "GET", "/api/v1/achievements/stats", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.AggregateStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 10, stats.TotalPoints)

	rec = doRequest(t, h, "GET", "/api/v1/leaderboard?metric=achievement_count&period=week&limit=5", "u2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lb models.Leaderboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lb))
	require.Len(t, lb.Entries, 1)
	assert.Equal(t, "u1", lb.Entries[0].UserID)

	rec = doRequest(t, h, "GET", "/api/v1/achievements", "u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "First Moment")
}

func TestHandler_RequestErrors(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(t, f.svc)

	tests := []struct {
		name   string
		method string
		path   string
		userID string
		role   string
		body   any
		want   int
	}{
		{"no token", "GET", "/api/v1/achievements", "", "", nil, http.StatusUnauthorized},
		{"missing metric", "POST", "/api/v1/activity", "u1", "", map[string]any{"delta": 1}, http.StatusBadRequest},
		{"bad leaderboard period", "GET", "/api/v1/leaderboard?period=decade", "u1", "", nil, http.StatusBadRequest},
		{"admin route as user", "GET", "/api/v1/admin/templates", "u1", "", nil, http.StatusForbidden},
		{"unknown template", "GET", "/api/v1/admin/templates/nope", "root", "admin", nil, http.StatusNotFound},
		{"invalid template", "POST", "/api/v1/admin/templates", "root", "admin",
			map[string]any{"name": "Broken", "condition_type": "count", "metric": "m", "target": 0}, http.StatusBadRequest},
		{"grant without reason", "POST", "/api/v1/admin/grants", "root", "admin",
			map[string]any{"user_id": "u1", "template_id": "x"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, tt.method, tt.path, tt.userID, tt.role, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var body models.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestHandler_AdminTemplateLifecycle(t *testing.T) {
	f := newFixture(t)
	h := newTestRouter(t, f.svc)

	rec := doRequest(t, h, "POST", "/api/v1/admin/templates", "root", "admin", map[string]any{
		"name": "Night Owl", "condition_type": "count", "metric": "late_posts", "target": 2, "points": 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created models.AchievementTemplate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.IsActive)
	assert.Equal(t, "night-owl", created.Slug)

	rec = doRequest(t, h, "POST", "/api/v1/admin/templates", "root", "admin", map[string]any{
		"name": "Night Owl", "condition_type": "count", "metric": "late_posts", "target": 3,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, "POST", "/api/v1/admin/grants", "root", "admin", map[string]any{
		"user_id": "u9", "template_id": created.ID, "reason": "beta tester",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, h, "POST", "/api/v1/admin/stats/u9/recompute", "root", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.AggregateStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 15, stats.TotalPoints)

	rec = doRequest(t, h, "DELETE", "/api/v1/admin/templates/"+created.ID, "root", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"deprecated"}`, rec.Body.String())

	rec = doRequest(t, h, "DELETE", "/api/v1/admin/templates/"+created.ID+"?hard=true", "root", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"deleted"}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{validationErr("op", "bad"), http.StatusBadRequest},
		{wrap("op", "", store.ErrNotFound), http.StatusNotFound},
		{wrap("op", "", fmt.Errorf("save: %w", store.ErrDuplicate)), http.StatusConflict},
		{wrap("op", "", store.Transient(errors.New("timeout"))), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("pq: connection refused at 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}
