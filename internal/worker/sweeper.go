package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chatleap/broadcast-backend/internal/dispatch"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
	"github.com/chatleap/broadcast-backend/internal/session"
	"github.com/chatleap/broadcast-backend/internal/status"
)

// CampaignStarter begins sending a campaign; implemented by the campaign
// service. The sweeper uses it to promote scheduled campaigns.
type CampaignStarter interface {
	Start(ctx context.Context, campaignID int64) (*models.Campaign, error)
}

// reconcileAfter is how long a sending campaign's counters may sit
// untouched before the sweeper recounts them from recipient rows. Long
// enough that in-flight counter increments have landed.
const reconcileAfter = time.Minute

// Sweeper is the recovery loop that replaces in-memory retry timers. Every
// interval it re-enqueues due pending work (first attempts included, so a
// restart cannot strand a recipient) and expired leases, promotes
// scheduled campaigns whose time has come, reconciles stale campaign
// counters against recipient rows, and runs due session reconnects.
// Running it on startup recovers all state lost in a crash.
type Sweeper struct {
	recipients repository.RecipientRepository
	campaigns  repository.CampaignRepository
	starter    CampaignStarter
	finisher   status.Finisher
	queue      *dispatch.Queue
	monitor    *session.Monitor
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
}

// NewSweeper creates the recovery sweeper.
func NewSweeper(
	recipients repository.RecipientRepository,
	campaigns repository.CampaignRepository,
	starter CampaignStarter,
	finisher status.Finisher,
	queue *dispatch.Queue,
	monitor *session.Monitor,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		recipients: recipients,
		campaigns:  campaigns,
		starter:    starter,
		finisher:   finisher,
		queue:      queue,
		monitor:    monitor,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run sweeps immediately, then on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting recovery sweeper", slog.Duration("interval", s.interval))

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	s.enqueueDue(ctx, "dispatchable", func() ([]models.WorkItem, error) {
		return s.recipients.ListDispatchable(ctx, now, s.batchSize)
	})
	s.enqueueDue(ctx, "expired lease", func() ([]models.WorkItem, error) {
		return s.recipients.ListExpiredLeases(ctx, now, s.batchSize)
	})

	s.promoteScheduled(ctx, now)
	s.reconcileSending(ctx, now)

	if err := s.monitor.SweepDue(ctx, s.batchSize); err != nil {
		s.logger.Error("session reconnect sweep failed", slog.String("error", err.Error()))
	}
}

func (s *Sweeper) enqueueDue(ctx context.Context, kind string, list func() ([]models.WorkItem, error)) {
	items, err := list()
	if err != nil {
		s.logger.Error("sweep listing failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return
	}

	enqueued := 0
	for _, item := range items {
		if s.queue.Enqueue(item) {
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info("sweep re-enqueued work",
			slog.String("kind", kind),
			slog.Int("count", enqueued),
		)
	}
}

func (s *Sweeper) promoteScheduled(ctx context.Context, now time.Time) {
	ids, err := s.campaigns.ListDueScheduled(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("failed to list due scheduled campaigns", slog.String("error", err.Error()))
		return
	}

	for _, id := range ids {
		if _, err := s.starter.Start(ctx, id); err != nil {
			// a concurrent start or cancel already moved it on
			if errors.Is(err, models.ErrInvalidTransition) {
				continue
			}
			s.logger.Error("failed to start scheduled campaign",
				slog.Int64("campaign_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.logger.Info("scheduled campaign started", slog.Int64("campaign_id", id))
	}
}

// reconcileSending recounts the counters of sending campaigns that have not
// moved for a while. A crash between a recipient update and its counter
// increment would otherwise leave the campaign short one count forever,
// never reaching its completion check.
func (s *Sweeper) reconcileSending(ctx context.Context, now time.Time) {
	ids, err := s.campaigns.ListStaleSending(ctx, now.Add(-reconcileAfter), s.batchSize)
	if err != nil {
		s.logger.Error("failed to list stale sending campaigns", slog.String("error", err.Error()))
		return
	}

	for _, id := range ids {
		campaign, err := s.campaigns.RecountCounters(ctx, id)
		if err != nil {
			s.logger.Error("failed to reconcile campaign counters",
				slog.Int64("campaign_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		if campaign.SentCount+campaign.FailedCount >= campaign.TotalRecipients {
			if err := s.finisher.OnRecipientsTerminal(ctx, id, campaign.FailedCount); err != nil {
				s.logger.Error("failed to close reconciled campaign",
					slog.Int64("campaign_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
