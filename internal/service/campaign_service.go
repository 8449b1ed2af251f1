package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/queue"
	"github.com/chatleap/broadcast-backend/internal/repository"
)

// CampaignService owns the campaign lifecycle: it is the only component
// the API layer talks to. Create validates and persists the campaign and
// its recipient set; Start/Cancel drive the status state machine and hand
// work to the pipeline over the job queue; OnRecipientsTerminal closes a
// campaign once the status aggregator reports every recipient resolved.
type CampaignService interface {
	Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error)
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error)
	Start(ctx context.Context, id int64) (*models.Campaign, error)
	Cancel(ctx context.Context, id int64) (*models.Campaign, error)
	OnRecipientsTerminal(ctx context.Context, campaignID, failedCount int64) error
}

type campaignService struct {
	campaignRepo  repository.CampaignRepository
	recipientRepo repository.RecipientRepository
	queueClient   queue.Client
	logger        *slog.Logger
	now           func() time.Time
}

// NewCampaignService creates a new campaign service
func NewCampaignService(
	campaignRepo repository.CampaignRepository,
	recipientRepo repository.RecipientRepository,
	queueClient queue.Client,
	logger *slog.Logger,
) CampaignService {
	return &campaignService{
		campaignRepo:  campaignRepo,
		recipientRepo: recipientRepo,
		queueClient:   queueClient,
		logger:        logger,
		now:           time.Now,
	}
}

// Create validates the request, deduplicates the recipient set by
// normalized phone number, and persists the campaign with its recipients.
func (s *campaignService) Create(ctx context.Context, req *CreateCampaignRequest) (*models.Campaign, error) {
	if err := req.Validate(s.now()); err != nil {
		return nil, err
	}

	recipients, err := buildRecipients(req.Recipients)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, models.ErrInvalidInput("recipient set is empty after deduplication")
	}

	status := models.CampaignStatusDraft
	if req.ScheduledAt != nil {
		status = models.CampaignStatusScheduled
	}

	campaign := &models.Campaign{
		TenantID:        req.TenantID,
		SessionID:       req.SessionID,
		Name:            req.Name,
		Body:            req.Body,
		Status:          status,
		TotalRecipients: int64(len(recipients)),
		ScheduledAt:     req.ScheduledAt,
	}

	if err := s.campaignRepo.Create(ctx, campaign); err != nil {
		s.logger.Error("failed to create campaign",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	for _, rec := range recipients {
		rec.CampaignID = campaign.ID
	}
	if err := s.recipientRepo.CreateBatch(ctx, recipients); err != nil {
		s.logger.Error("failed to create recipients",
			slog.Int64("campaign_id", campaign.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to create recipients: %w", err)
	}

	s.logger.Info("campaign created",
		slog.Int64("campaign_id", campaign.ID),
		slog.String("name", campaign.Name),
		slog.String("status", campaign.Status),
		slog.Int64("recipients", campaign.TotalRecipients),
	)

	if req.SendNow {
		return s.Start(ctx, campaign.ID)
	}

	return campaign, nil
}

// GetByID retrieves a campaign with its counters
func (s *campaignService) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	return s.campaignRepo.GetByID(ctx, id)
}

// List retrieves campaigns with pagination
func (s *campaignService) List(ctx context.Context, filter models.CampaignFilter) (*CampaignListResult, error) {
	campaigns, totalCount, err := s.campaignRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}

	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	return &CampaignListResult{
		Data:       campaigns,
		Pagination: models.NewPaginationResult(filter.Page, filter.PageSize, totalCount),
	}, nil
}

// Start moves a campaign to sending and hands it to the pipeline worker.
// Allowed from draft and scheduled, and from failed as the manual retry of
// the remaining pending recipients.
func (s *campaignService) Start(ctx context.Context, id int64) (*models.Campaign, error) {
	campaign, err := s.transition(ctx, id, models.CampaignStatusSending)
	if err != nil {
		return nil, err
	}

	job := &models.CampaignJob{CampaignID: id, Op: models.JobOpStart}
	if err := s.queueClient.Publish(ctx, job); err != nil {
		s.logger.Error("failed to publish start job",
			slog.Int64("campaign_id", id),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to queue campaign start: %w", err)
	}

	s.logger.Info("campaign started", slog.Int64("campaign_id", id))
	return campaign, nil
}

// Cancel stops future dispatch for the campaign. In-flight sends run to
// completion and their outcome is still recorded; recipients never
// dispatched stay pending.
func (s *campaignService) Cancel(ctx context.Context, id int64) (*models.Campaign, error) {
	campaign, err := s.transition(ctx, id, models.CampaignStatusCancelled)
	if err != nil {
		return nil, err
	}

	// Best effort: claims for a cancelled campaign are refused regardless,
	// the job only clears already-queued items promptly.
	job := &models.CampaignJob{CampaignID: id, Op: models.JobOpCancel}
	if err := s.queueClient.Publish(ctx, job); err != nil {
		s.logger.Warn("failed to publish cancel job",
			slog.Int64("campaign_id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("campaign cancelled", slog.Int64("campaign_id", id))
	return campaign, nil
}

// OnRecipientsTerminal closes out a sending campaign: completed when no
// recipient failed, failed otherwise.
func (s *campaignService) OnRecipientsTerminal(ctx context.Context, campaignID, failedCount int64) error {
	to := models.CampaignStatusCompleted
	if failedCount > 0 {
		to = models.CampaignStatusFailed
	}

	changed, err := s.campaignRepo.TransitionStatus(ctx, campaignID, models.CampaignStatusSending, to)
	if err != nil {
		return err
	}
	if !changed {
		// already closed by a concurrent update
		return nil
	}

	s.logger.Info("campaign finished",
		slog.Int64("campaign_id", campaignID),
		slog.String("status", to),
		slog.Int64("failed_count", failedCount),
	)
	return nil
}

// transition validates and applies one status change with a CAS update.
func (s *campaignService) transition(ctx context.Context, id int64, to string) (*models.Campaign, error) {
	campaign, err := s.campaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(campaign.Status, to) {
		return nil, models.ErrTransition(campaign.Status, to)
	}

	changed, err := s.campaignRepo.TransitionStatus(ctx, id, campaign.Status, to)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, models.ErrConflictWithMsg(
			fmt.Sprintf("campaign %d changed status concurrently", id),
		)
	}

	campaign.Status = to
	return campaign, nil
}

// buildRecipients normalizes phone numbers and drops duplicates within the
// campaign. Invalid numbers reject the whole request: they indicate a bad
// recipient resolution, not a per-recipient delivery failure.
func buildRecipients(inputs []RecipientInput) ([]*models.Recipient, error) {
	seen := make(map[string]struct{}, len(inputs))
	recipients := make([]*models.Recipient, 0, len(inputs))

	for _, input := range inputs {
		phone, err := models.NormalizePhone(input.PhoneNumber)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}

		recipients = append(recipients, &models.Recipient{
			ContactID:   input.ContactID,
			PhoneNumber: phone,
			Status:      models.RecipientStatusPending,
		})
	}

	return recipients, nil
}
