package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chatleap/broadcast-backend/internal/dispatch"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
	"github.com/chatleap/broadcast-backend/internal/status"
)

// JobRunner consumes campaign jobs from the cross-process queue: start
// seeds the dispatch queue with the campaign's pending recipients, cancel
// drops its queued items.
type JobRunner struct {
	recipients repository.RecipientRepository
	campaigns  repository.CampaignRepository
	finisher   status.Finisher
	queue      *dispatch.Queue
	logger     *slog.Logger
}

// NewJobRunner creates a campaign job runner.
func NewJobRunner(
	recipients repository.RecipientRepository,
	campaigns repository.CampaignRepository,
	finisher status.Finisher,
	queue *dispatch.Queue,
	logger *slog.Logger,
) *JobRunner {
	return &JobRunner{
		recipients: recipients,
		campaigns:  campaigns,
		finisher:   finisher,
		queue:      queue,
		logger:     logger,
	}
}

// Handle processes one campaign job.
func (r *JobRunner) Handle(ctx context.Context, job *models.CampaignJob) error {
	switch job.Op {
	case models.JobOpStart:
		return r.seed(ctx, job.CampaignID)
	case models.JobOpCancel:
		dropped := r.queue.DropCampaign(job.CampaignID)
		r.logger.Info("campaign cancelled, queued work dropped",
			slog.Int64("campaign_id", job.CampaignID),
			slog.Int("dropped", dropped),
		)
		return nil
	default:
		return fmt.Errorf("unknown campaign job op %q", job.Op)
	}
}

func (r *JobRunner) seed(ctx context.Context, campaignID int64) error {
	campaign, err := r.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to fetch campaign: %w", err)
	}

	if campaign.Status != models.CampaignStatusSending {
		r.logger.Warn("start job for campaign that is not sending",
			slog.Int64("campaign_id", campaignID),
			slog.String("status", campaign.Status),
		)
		return nil
	}

	pending, err := r.recipients.ListPending(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to list pending recipients: %w", err)
	}

	// A retry of a campaign whose recipients all resolved seeds nothing;
	// close it right back out instead of leaving it sending forever.
	if len(pending) == 0 && campaign.SentCount+campaign.FailedCount >= campaign.TotalRecipients {
		r.logger.Info("start job found no remaining recipients, closing campaign",
			slog.Int64("campaign_id", campaignID),
		)
		return r.finisher.OnRecipientsTerminal(ctx, campaignID, campaign.FailedCount)
	}

	enqueued := 0
	for _, rec := range pending {
		if r.queue.Enqueue(models.WorkItem{
			CampaignID:  campaign.ID,
			RecipientID: rec.ID,
			SessionID:   campaign.SessionID,
		}) {
			enqueued++
		}
	}

	r.logger.Info("campaign seeded into dispatch queue",
		slog.Int64("campaign_id", campaignID),
		slog.Int("recipients", enqueued),
	)
	return nil
}
