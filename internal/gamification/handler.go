package gamification

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/moments-app/backend/internal/middleware"
	"github.com/moments-app/backend/internal/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the user routes on api and the admin routes on admin.
func (h *Handler) Register(api, admin *mux.Router) {
	api.HandleFunc("/activity", h.ApplyActivity).Methods("POST")
	api.HandleFunc("/achievements", h.ListAchievements).Methods("GET")
	api.HandleFunc("/achievements/initialize", h.InitializeAchievements).Methods("POST")
	api.HandleFunc("/achievements/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/leaderboard", h.GetLeaderboard).Methods("GET")

	admin.HandleFunc("/templates", h.ListTemplates).Methods("GET")
	admin.HandleFunc("/templates", h.CreateTemplate).Methods("POST")
	admin.HandleFunc("/templates/{id}", h.GetTemplate).Methods("GET")
	admin.HandleFunc("/templates/{id}", h.UpdateTemplate).Methods("PUT")
	admin.HandleFunc("/templates/{id}", h.DeleteTemplate).Methods("DELETE")
	admin.HandleFunc("/templates/{id}/deprecate", h.DeprecateTemplate).Methods("POST")
	admin.HandleFunc("/grants", h.GrantAchievement).Methods("POST")
	admin.HandleFunc("/stats/{userID}/recompute", h.RecomputeStats).Methods("POST")
}

// ── Activity ────────────────────────────────────────────

type activityRequest struct {
	Metric     string         `json:"metric"`
	Delta      int            `json:"delta"`
	EventDate  *time.Time     `json:"event_date,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (h *Handler) ApplyActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	ev := models.ActivityEvent{
		UserID:     userID,
		Metric:     req.Metric,
		Delta:      req.Delta,
		Attributes: req.Attributes,
	}
	if req.EventDate != nil {
		ev.EventDate = *req.EventDate
	}

	resp, err := h.service.ApplyEvent(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ── Achievements ────────────────────────────────────────

func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	views, err := h.service.UserAchievements(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"achievements": views})
}

func (h *Handler) InitializeAchievements(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	created, err := h.service.InitializeUserTemplates(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"created": created})
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	stats, err := h.service.UserStats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ── Leaderboard ─────────────────────────────────────────

func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := models.LeaderboardMetric(stringQueryParam(q, "metric", string(models.MetricTotalPoints)))
	period := models.LeaderboardPeriod(stringQueryParam(q, "period", string(models.PeriodAllTime)))
	limit := intQueryParam(q, "limit", DefaultLeaderboardLimit)

	lb, err := h.service.Leaderboard(r.Context(), metric, period, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lb)
}

// ── Template Admin ──────────────────────────────────────

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.service.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"templates": ts})
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	t := models.AchievementTemplate{IsActive: true}
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	created, err := h.service.CreateTemplate(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	t := models.AchievementTemplate{IsActive: true}
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	updated, err := h.service.UpdateTemplate(r.Context(), mux.Vars(r)["id"], &t)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeprecateTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.DeprecateTemplate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))

	deleted, err := h.service.DeleteTemplate(r.Context(), mux.Vars(r)["id"], hard)
	if err != nil {
		writeError(w, err)
		return
	}

	status := "deleted"
	if !deleted {
		status = "deprecated"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type grantRequest struct {
	UserID     string `json:"user_id"`
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

func (h *Handler) GrantAchievement(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.UserID(r.Context())

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	rec, err := h.service.GrantManually(r.Context(), adminID, req.UserID, req.TemplateID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) RecomputeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.RecomputeStats(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Helpers ─────────────────────────────────────────────

func statusFor(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQueryParam(query url.Values, key string, defaultVal int) int {
	s := query.Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

func stringQueryParam(query url.Values, key, defaultVal string) string {
	s := strings.TrimSpace(query.Get(key))
	if s == "" {
		return defaultVal
	}
	return s
}
