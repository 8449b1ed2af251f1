package service

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chatleap/broadcast-backend/internal/models"
)

var validate = validator.New()

// RecipientInput is one entry of the materialized recipient set handed to
// campaign creation by the recipient-resolution layer.
type RecipientInput struct {
	ContactID   int64  `json:"contact_id" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
}

// CreateCampaignRequest represents a request to create a campaign
type CreateCampaignRequest struct {
	TenantID    int64            `json:"tenant_id" validate:"required"`
	SessionID   int64            `json:"session_id" validate:"required"`
	Name        string           `json:"name" validate:"required,min=3,max=100"`
	Body        string           `json:"body" validate:"required"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	SendNow     bool             `json:"send_now,omitempty"`
	Recipients  []RecipientInput `json:"recipients" validate:"required,min=1,dive"`
}

// Validate performs validation on the create campaign request
func (r *CreateCampaignRequest) Validate(now time.Time) error {
	if err := validate.Struct(r); err != nil {
		return models.ErrInvalidInput(err.Error())
	}
	if r.ScheduledAt != nil && !r.ScheduledAt.After(now) {
		return models.ErrInvalidInput("scheduled_at must be in the future")
	}
	if r.SendNow && r.ScheduledAt != nil {
		return models.ErrInvalidInput("send_now and scheduled_at are mutually exclusive")
	}
	return nil
}

// CampaignListResult represents paginated campaign list results
type CampaignListResult struct {
	Data       []*models.Campaign      `json:"data"`
	Pagination models.PaginationResult `json:"pagination"`
}
