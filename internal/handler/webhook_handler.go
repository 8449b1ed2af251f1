package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/ledger"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/status"
)

// WebhookHandler receives asynchronous delivery receipts from the
// messaging channel and applies them to the recipient ledger. Receipts for
// recipients that already advanced are no-ops, so redelivered webhooks are
// harmless.
type WebhookHandler struct {
	ledger     *ledger.Ledger
	aggregator *status.Aggregator
	events     events.Publisher
	logger     *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(
	ldg *ledger.Ledger,
	aggregator *status.Aggregator,
	publisher events.Publisher,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		ledger:     ldg,
		aggregator: aggregator,
		events:     publisher,
		logger:     logger,
	}
}

// ReceiptRequest is one delivery or read receipt from the channel.
type ReceiptRequest struct {
	RecipientID int64  `json:"recipient_id"`
	Status      string `json:"status"`
}

// Receipt handles POST /webhooks/receipts
func (h *WebhookHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return
	}
	if req.RecipientID == 0 {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "recipient_id is required")
		return
	}

	var (
		prev      string
		err       error
		eventType string
	)

	switch req.Status {
	case models.RecipientStatusDelivered:
		prev, err = h.ledger.MarkDelivered(r.Context(), req.RecipientID)
		eventType = events.MessageDelivered
	case models.RecipientStatusRead:
		prev, err = h.ledger.MarkRead(r.Context(), req.RecipientID)
		eventType = events.MessageRead
	default:
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "status must be 'delivered' or 'read'")
		return
	}

	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	if prev == "" {
		// stale or duplicate receipt
		respondSuccess(w, map[string]any{"applied": false})
		return
	}

	rec, err := h.ledger.Recipient(r.Context(), req.RecipientID)
	if err != nil {
		handleError(w, err, h.logger)
		return
	}

	if err := h.aggregator.Update(r.Context(), rec.CampaignID, prev, req.Status); err != nil {
		h.logger.Error("failed to update campaign counters",
			slog.Int64("campaign_id", rec.CampaignID),
			slog.String("error", err.Error()),
		)
	}

	h.events.Publish(r.Context(), events.Event{
		Type:        eventType,
		CampaignID:  rec.CampaignID,
		RecipientID: rec.ID,
	})

	respondSuccess(w, map[string]any{"applied": true})
}
