// Package status keeps campaign-level counters consistent with recipient
// transitions. Counters form a cumulative funnel (sent_count counts
// "reached sent or later") so every update is a monotonic increment.
package status

import (
	"context"
	"log/slog"

	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
)

// Finisher is told when every recipient of a sending campaign has resolved
// to sent-or-later or failed. Implemented by the campaign manager.
type Finisher interface {
	OnRecipientsTerminal(ctx context.Context, campaignID, failedCount int64) error
}

// Aggregator is the single writer of campaign counters.
type Aggregator struct {
	campaigns repository.CampaignRepository
	finisher  Finisher
	logger    *slog.Logger
}

// New creates an aggregator. The finisher is attached separately because
// the campaign manager and the aggregator reference each other.
func New(campaigns repository.CampaignRepository, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		campaigns: campaigns,
		logger:    logger,
	}
}

// SetFinisher attaches the completion callback.
func (a *Aggregator) SetFinisher(f Finisher) {
	a.finisher = f
}

// Update applies one recipient transition to the campaign's counters and
// fires the completion callback when all recipients have resolved.
func (a *Aggregator) Update(ctx context.Context, campaignID int64, from, to string) error {
	delta := funnelDelta(from, to)
	if delta.IsZero() {
		return nil
	}

	campaign, err := a.campaigns.AddCounters(ctx, campaignID, delta)
	if err != nil {
		return err
	}

	a.logger.Debug("campaign counters updated",
		slog.Int64("campaign_id", campaignID),
		slog.String("from", from),
		slog.String("to", to),
		slog.Int64("sent", campaign.SentCount),
		slog.Int64("failed", campaign.FailedCount),
	)

	if campaign.Status == models.CampaignStatusSending &&
		campaign.SentCount+campaign.FailedCount >= campaign.TotalRecipients &&
		a.finisher != nil {
		return a.finisher.OnRecipientsTerminal(ctx, campaignID, campaign.FailedCount)
	}

	return nil
}

// funnelDelta computes the cumulative-funnel increments for one transition.
// A recipient jumping sent -> read bumps both delivered_count and
// read_count: it has reached "delivered or later" too.
func funnelDelta(from, to string) models.CounterDelta {
	if to == models.RecipientStatusFailed {
		return models.CounterDelta{Failed: 1}
	}

	fromRank := models.RecipientRank(from)
	toRank := models.RecipientRank(to)

	delta := models.CounterDelta{}
	if crossed(fromRank, toRank, models.RecipientStatusSent) {
		delta.Sent = 1
	}
	if crossed(fromRank, toRank, models.RecipientStatusDelivered) {
		delta.Delivered = 1
	}
	if crossed(fromRank, toRank, models.RecipientStatusRead) {
		delta.Read = 1
	}
	return delta
}

func crossed(fromRank, toRank int, status string) bool {
	rank := models.RecipientRank(status)
	return fromRank < rank && rank <= toRank
}
