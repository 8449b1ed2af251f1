package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatleap/broadcast-backend/internal/dispatch"
	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/ledger"
	"github.com/chatleap/broadcast-backend/internal/metrics"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
	"github.com/chatleap/broadcast-backend/internal/status"
)

// Pool is the fixed-size delivery worker pool. Each worker loops:
// dequeue, claim, send with a per-call timeout, record the outcome.
type Pool struct {
	queue       *dispatch.Queue
	ledger      *ledger.Ledger
	campaigns   repository.CampaignRepository
	client      Client
	aggregator  *status.Aggregator
	events      events.Publisher
	size        int
	sendTimeout time.Duration
	logger      *slog.Logger
}

// NewPool creates a delivery worker pool.
func NewPool(
	queue *dispatch.Queue,
	ldg *ledger.Ledger,
	campaigns repository.CampaignRepository,
	client Client,
	aggregator *status.Aggregator,
	publisher events.Publisher,
	size int,
	sendTimeout time.Duration,
	logger *slog.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:       queue,
		ledger:      ldg,
		campaigns:   campaigns,
		client:      client,
		aggregator:  aggregator,
		events:      publisher,
		size:        size,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Run starts the workers and blocks until the context ends and all
// in-flight sends have resolved.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting delivery workers", slog.Int("size", p.size))

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("delivery workers stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.process(ctx, item)
	}
}

func (p *Pool) process(ctx context.Context, item models.WorkItem) {
	rec, err := p.ledger.Claim(ctx, item.RecipientID)
	if err != nil {
		p.logger.Error("failed to claim recipient",
			slog.Int64("recipient_id", item.RecipientID),
			slog.String("error", err.Error()),
		)
		return
	}
	if rec == nil {
		// lost the claim, not due yet, or the campaign stopped sending
		p.logger.Debug("recipient not claimable",
			slog.Int64("recipient_id", item.RecipientID),
		)
		return
	}

	campaign, err := p.campaigns.GetByID(ctx, rec.CampaignID)
	if err != nil {
		p.logger.Error("failed to fetch campaign",
			slog.Int64("campaign_id", rec.CampaignID),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, item, rec, err, true)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	externalID, err := p.client.Send(sctx, item.SessionID, rec.PhoneNumber, campaign.Body)
	cancel()

	if err != nil {
		p.logger.Warn("send failed",
			slog.Int64("recipient_id", rec.ID),
			slog.Int64("campaign_id", rec.CampaignID),
			slog.Int("attempt_count", rec.AttemptCount),
			slog.String("error", err.Error()),
		)
		p.recordFailure(ctx, item, rec, err, classifyRetryable(err))
		return
	}

	ok, err := p.ledger.MarkSent(ctx, rec.ID, externalID)
	if err != nil {
		p.logger.Error("failed to mark recipient sent",
			slog.Int64("recipient_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		return
	}

	metrics.MessagesSent.Inc()
	p.updateCounters(ctx, rec.CampaignID, models.RecipientStatusSending, models.RecipientStatusSent)
	p.events.Publish(ctx, events.Event{
		Type:        events.MessageSent,
		CampaignID:  rec.CampaignID,
		RecipientID: rec.ID,
		SessionID:   item.SessionID,
	})
}

func (p *Pool) recordFailure(ctx context.Context, item models.WorkItem, rec *models.Recipient, sendErr error, retryable bool) {
	terminal, err := p.ledger.MarkFailed(ctx, rec, sendErr.Error(), retryable)
	if err != nil {
		p.logger.Error("failed to record send failure",
			slog.Int64("recipient_id", rec.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !terminal {
		metrics.MessagesRetried.Inc()
		return
	}

	metrics.MessagesFailed.Inc()
	p.updateCounters(ctx, rec.CampaignID, models.RecipientStatusSending, models.RecipientStatusFailed)
	p.events.Publish(ctx, events.Event{
		Type:        events.MessageFailed,
		CampaignID:  rec.CampaignID,
		RecipientID: rec.ID,
		SessionID:   item.SessionID,
		Reason:      sendErr.Error(),
	})
}

func (p *Pool) updateCounters(ctx context.Context, campaignID int64, from, to string) {
	if err := p.aggregator.Update(ctx, campaignID, from, to); err != nil {
		p.logger.Error("failed to update campaign counters",
			slog.Int64("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)
	}
}

// classifyRetryable decides whether a send error consumes a retry attempt
// as transient. Timeouts and unclassified transport errors are transient;
// only an explicit permanent rejection from the channel is not.
func classifyRetryable(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Retryable
	}
	return true
}
