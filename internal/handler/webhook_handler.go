package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/smsleopard-messaging/internal/errors"
	"github.com/unclebandit/smsleopard-messaging/internal/service"
)

// Provider webhook headers.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Timestamp"
)

// maxWebhookBody bounds what we read from the provider.
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	Ingestion *service.IngestionService
	Log       *zap.Logger
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhooks/sms-provider", h.ProviderWebhook)
	r.Get("/webhooks/needs-attention", h.NeedsAttention)
}

// ProviderWebhook answers 200 only once the event is stored. Bad signatures
// get 401 and malformed envelopes 422, both without touching the store.
func (h *WebhookHandler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	res, err := h.Ingestion.Ingest(r.Context(), raw, r.Header.Get(SignatureHeader), r.Header.Get(TimestampHeader))
	if err != nil {
		status := appErrors.HTTPStatus(err)
		switch status {
		case http.StatusUnauthorized:
			http.Error(w, "invalid signature", status)
		case http.StatusUnprocessableEntity:
			writeJSON(w, status, map[string]string{"error": err.Error()})
		default:
			// The provider retries on 5xx, and the dedup key makes that safe.
			h.Log.Error("webhook ingestion failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// NeedsAttention lists failed and unmatched events for operators.
func (h *WebhookHandler) NeedsAttention(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	events, err := h.Ingestion.NeedsAttention(r.Context(), limit)
	if err != nil {
		h.Log.Error("failed to list events", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": events})
}
