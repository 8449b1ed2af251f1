// Package ledger owns per-recipient delivery state for campaigns. Every
// mutation goes through a conditional store update, so concurrent workers
// and duplicate channel callbacks cannot double-send or move a recipient
// backwards.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatleap/broadcast-backend/internal/backoff"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
)

// Ledger applies recipient status transitions.
type Ledger struct {
	recipients    repository.RecipientRepository
	leaseDuration time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a ledger over the recipient repository.
func New(
	recipients repository.RecipientRepository,
	leaseDuration time.Duration,
	logger *slog.Logger,
) *Ledger {
	return &Ledger{
		recipients:    recipients,
		leaseDuration: leaseDuration,
		logger:        logger,
		now:           time.Now,
	}
}

// SetClock overrides the ledger's clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// Claim takes exclusive ownership of a recipient for one send attempt.
// Returns nil when the recipient cannot be claimed: another worker holds the
// lease, the retry backoff has not elapsed, the recipient already advanced,
// or the campaign is no longer sending (a cancelled campaign's pending
// recipients stay pending forever). The whole check is one conditional
// store update, so a cancel landing mid-claim cannot cause a late send.
func (l *Ledger) Claim(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	claimed, err := l.recipients.Claim(ctx, recipientID, l.now().Add(l.leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("failed to claim recipient %d: %w", recipientID, err)
	}

	return claimed, nil
}

// Recipient loads one recipient row.
func (l *Ledger) Recipient(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	return l.recipients.GetByID(ctx, recipientID)
}

// MarkSent records a successful send by the lease holder.
func (l *Ledger) MarkSent(ctx context.Context, recipientID int64, externalMessageID string) (bool, error) {
	ok, err := l.recipients.MarkSent(ctx, recipientID, externalMessageID)
	if err != nil {
		return false, err
	}
	if !ok {
		l.logger.Warn("mark sent was a no-op",
			slog.Int64("recipient_id", recipientID),
		)
	}
	return ok, nil
}

// MarkDelivered applies a delivery receipt. Returns the previous status, or
// "" when the receipt was stale (the status had already advanced).
func (l *Ledger) MarkDelivered(ctx context.Context, recipientID int64) (string, error) {
	return l.recipients.Advance(ctx, recipientID, models.RecipientStatusDelivered)
}

// MarkRead applies a read receipt. Same no-op semantics as MarkDelivered.
func (l *Ledger) MarkRead(ctx context.Context, recipientID int64) (string, error) {
	return l.recipients.Advance(ctx, recipientID, models.RecipientStatusRead)
}

// MarkFailed records a failed send attempt. Retryable failures below the
// attempt ceiling back the recipient out to pending with the next attempt
// time computed from the backoff schedule; everything else is a terminal
// failure. Returns true when the recipient terminally failed.
func (l *Ledger) MarkFailed(ctx context.Context, rec *models.Recipient, cause string, retryable bool) (bool, error) {
	if retryable {
		attempt := rec.AttemptCount + 1
		if !backoff.Exhausted(attempt) {
			nextAt := l.now().Add(backoff.Delay(rec.AttemptCount))
			ok, err := l.recipients.ScheduleRetry(ctx, rec.ID, attempt, nextAt, cause)
			if err != nil {
				return false, err
			}
			if !ok {
				l.logger.Warn("retry schedule was a no-op",
					slog.Int64("recipient_id", rec.ID),
				)
				return false, nil
			}

			l.logger.Info("recipient retry scheduled",
				slog.Int64("recipient_id", rec.ID),
				slog.Int("attempt", attempt),
				slog.Time("next_attempt_at", nextAt),
			)
			return false, nil
		}
		cause = fmt.Sprintf("max attempts exceeded: %s", cause)
	}

	prev, err := l.recipients.MarkFailed(ctx, rec.ID, cause)
	if err != nil {
		return false, err
	}
	if prev == "" {
		return false, nil
	}

	l.logger.Info("recipient terminally failed",
		slog.Int64("recipient_id", rec.ID),
		slog.Int64("campaign_id", rec.CampaignID),
		slog.String("cause", cause),
	)
	return true, nil
}
