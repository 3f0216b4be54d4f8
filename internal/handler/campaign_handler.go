// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

// CampaignHandler serves the read side of campaigns and operator opt-outs.
type CampaignHandler struct {
	Service   *service.CampaignService
	Analytics *service.AnalyticsService
	OptOut    *service.OptOutRegistry
	Log       *zap.Logger
	Now       func() time.Time
}

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns/{id}", h.GetCampaignHandlerWithStats)
	r.Get("/campaigns/{id}/analytics", h.GetCampaignAnalyticsHandler)
	r.Post("/opt-outs", h.RegisterOptOutHandler)
}

func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to fetch campaign", err)
		return
	}

	writeJSON(w, http.StatusOK, details)
}

// GetCampaignAnalyticsHandler reports per-variant counts and response rates.
func (h *CampaignHandler) GetCampaignAnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}

	report, err := h.Analytics.CampaignAnalytics(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to build analytics", err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// RegisterOptOutHandler records an opt-out requested through support.
func (h *CampaignHandler) RegisterOptOutHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}
	registered, err := h.OptOut.Register(r.Context(), payload.Phone, service.OptOutSourceOperator, now)
	if err != nil {
		h.fail(w, "failed to register opt-out", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phone":      payload.Phone,
		"registered": registered,
	})
}

func (h *CampaignHandler) fail(w http.ResponseWriter, msg string, err error) {
	status := appErrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.Log.Error(msg, zap.Error(err))
		http.Error(w, msg, status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
