// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/model"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

// Routes mounts the campaign endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", c.CreateCampaign)
	r.Get("/campaigns", c.ListCampaigns)
	r.Post("/campaigns/{id}/activate", c.Activate)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/resume", c.Resume)
	r.Post("/campaigns/{id}/run", c.RunNow)
	r.Post("/campaigns/{id}/recipients", c.AddRecipients)
	r.Post("/campaigns/{id}/personalized-preview", c.PersonalizedPreview)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		RecipientID      int           `json:"recipient_id"`
		Variant          model.Variant `json:"variant"`
		OverrideTemplate *string       `json:"override_template"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Variant == "" {
		body.Variant = model.VariantA
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), campaignID, body.RecipientID, body.Variant, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"variant":          body.Variant,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Activate)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Pause)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.lifecycle(w, r, c.CampaignService.Resume)
}

func (c *CampaignController) lifecycle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int) (*model.Campaign, error)) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := fn(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// RunNow runs one cycle synchronously and returns its counts.
func (c *CampaignController) RunNow(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	result, err := c.CampaignService.RunNow(r.Context(), id)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := c.campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		SourceList string                 `json:"source_list"`
		Recipients []model.RecipientInput `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(body.Recipients) == 0 {
		http.Error(w, "recipients cannot be empty", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.AddRecipients(r.Context(), id, body.Recipients, body.SourceList)
	if err != nil {
		c.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (c *CampaignController) writeError(w http.ResponseWriter, err error) {
	status := appErrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		c.Log.Error("campaign request failed", zap.Error(err))
		http.Error(w, "internal error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
