package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/chatleap/broadcast-backend/internal/models"
)

// RecipientRepository defines the interface for recipient data access. All
// status mutations are conditional updates so that concurrent workers and
// duplicate channel callbacks can never move a recipient backwards.
type RecipientRepository interface {
	CreateBatch(ctx context.Context, recipients []*models.Recipient) error
	GetByID(ctx context.Context, id int64) (*models.Recipient, error)

	// Claim atomically moves a due pending recipient (or one whose sending
	// lease has expired) to sending, stamping a fresh lease. The campaign
	// must still be sending, checked in the same statement so a concurrent
	// cancel cannot slip in between. Returns (nil, nil) when the recipient
	// is not claimable: another worker holds it, it is not yet due, it is
	// already past sending, or the campaign stopped.
	Claim(ctx context.Context, id int64, leaseUntil time.Time) (*models.Recipient, error)

	// MarkSent completes the worker's send. Only the lease holder can call
	// it, so the guard is exactly status = sending.
	MarkSent(ctx context.Context, id int64, externalMessageID string) (bool, error)

	// Advance moves a recipient forward to delivered or read, returning the
	// previous status, or "" when the update was a stale no-op.
	Advance(ctx context.Context, id int64, to string) (string, error)

	// ScheduleRetry backs a sending recipient out to pending with the next
	// attempt time stamped.
	ScheduleRetry(ctx context.Context, id int64, attempt int, nextAt time.Time, lastError string) (bool, error)

	// MarkFailed terminally fails a recipient from any non-terminal status,
	// returning the previous status, or "" when it was already terminal.
	MarkFailed(ctx context.Context, id int64, lastError string) (string, error)

	// ListPending returns a campaign's dispatchable pending recipients
	// (excluding retries whose backoff has not elapsed).
	ListPending(ctx context.Context, campaignID int64) ([]*models.Recipient, error)

	// ListDispatchable returns work items for every due pending recipient
	// of a sending campaign: first attempts (no next_attempt_at) and
	// retries whose backoff has elapsed. The sweeper feeds these back into
	// the dispatch queue, which recovers queue state lost on restart.
	ListDispatchable(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error)

	// ListExpiredLeases returns work items for sending recipients whose
	// lease expired, so a crashed worker's claims are recovered.
	ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error)
}

const recipientColumns = `id, campaign_id, contact_id, phone_number, status,
	attempt_count, next_attempt_at, lease_expires_at, external_message_id,
	last_error, created_at, updated_at`

// recipientRepository implements RecipientRepository using PostgreSQL
type recipientRepository struct {
	db *sql.DB
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *sql.DB) RecipientRepository {
	return &recipientRepository{db: db}
}

func scanRecipient(row interface{ Scan(...any) error }) (*models.Recipient, error) {
	rec := &models.Recipient{}
	err := row.Scan(
		&rec.ID,
		&rec.CampaignID,
		&rec.ContactID,
		&rec.PhoneNumber,
		&rec.Status,
		&rec.AttemptCount,
		&rec.NextAttemptAt,
		&rec.LeaseExpiresAt,
		&rec.ExternalMessageID,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateBatch inserts recipients in a single transaction
func (r *recipientRepository) CreateBatch(ctx context.Context, recipients []*models.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // Rollback is safe to call even after Commit
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO recipients (campaign_id, contact_id, phone_number, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recipients {
		err := stmt.QueryRowContext(ctx, rec.CampaignID, rec.ContactID, rec.PhoneNumber, rec.Status).
			Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recipients: %w", err)
	}

	return nil
}

// GetByID retrieves a recipient by ID
func (r *recipientRepository) GetByID(ctx context.Context, id int64) (*models.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`

	rec, err := scanRecipient(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}

	return rec, nil
}

// Claim is the compare-and-swap that prevents duplicate sends. The
// campaign-status join makes the cancel race safe: once the campaign
// leaves sending, no new claim can succeed.
func (r *recipientRepository) Claim(ctx context.Context, id int64, leaseUntil time.Time) (*models.Recipient, error) {
	query := `
		UPDATE recipients r
		SET status = 'sending', lease_expires_at = $2, updated_at = now()
		FROM campaigns c
		WHERE r.id = $1 AND c.id = r.campaign_id AND c.status = 'sending'
			AND (r.status = 'pending' OR (r.status = 'sending' AND r.lease_expires_at < now()))
			AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= now())
		RETURNING r.id, r.campaign_id, r.contact_id, r.phone_number, r.status,
			r.attempt_count, r.next_attempt_at, r.lease_expires_at,
			r.external_message_id, r.last_error, r.created_at, r.updated_at`

	rec, err := scanRecipient(r.db.QueryRowContext(ctx, query, id, leaseUntil))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim recipient: %w", err)
	}

	return rec, nil
}

// MarkSent records a successful send.
func (r *recipientRepository) MarkSent(ctx context.Context, id int64, externalMessageID string) (bool, error) {
	query := `
		UPDATE recipients
		SET status = 'sent', external_message_id = $2, lease_expires_at = NULL,
			next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'sending'`

	result, err := r.db.ExecContext(ctx, query, id, externalMessageID)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient sent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Advance moves a recipient forward along the delivery chain.
func (r *recipientRepository) Advance(ctx context.Context, id int64, to string) (string, error) {
	preds := models.ForwardPredecessors(to)
	if len(preds) == 0 {
		return "", fmt.Errorf("cannot advance recipient to status %q", to)
	}

	query := `
		UPDATE recipients r
		SET status = $2, lease_expires_at = NULL, updated_at = now()
		FROM (SELECT id, status AS prev FROM recipients WHERE id = $1 FOR UPDATE) cur
		WHERE r.id = cur.id AND cur.prev = ANY($3)
		RETURNING cur.prev`

	var prev string
	err := r.db.QueryRowContext(ctx, query, id, to, pq.Array(preds)).Scan(&prev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to advance recipient: %w", err)
	}

	return prev, nil
}

// ScheduleRetry returns a sending recipient to pending for a later attempt.
func (r *recipientRepository) ScheduleRetry(ctx context.Context, id int64, attempt int, nextAt time.Time, lastError string) (bool, error) {
	query := `
		UPDATE recipients
		SET status = 'pending', attempt_count = $2, next_attempt_at = $3,
			last_error = $4, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'sending'`

	result, err := r.db.ExecContext(ctx, query, id, attempt, nextAt, lastError)
	if err != nil {
		return false, fmt.Errorf("failed to schedule recipient retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// MarkFailed terminally fails a recipient.
func (r *recipientRepository) MarkFailed(ctx context.Context, id int64, lastError string) (string, error) {
	query := `
		UPDATE recipients r
		SET status = 'failed', last_error = $2, lease_expires_at = NULL, updated_at = now()
		FROM (SELECT id, status AS prev FROM recipients WHERE id = $1 FOR UPDATE) cur
		WHERE r.id = cur.id AND cur.prev NOT IN ('read', 'failed')
		RETURNING cur.prev`

	var prev string
	err := r.db.QueryRowContext(ctx, query, id, lastError).Scan(&prev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark recipient failed: %w", err)
	}

	return prev, nil
}

// ListPending returns a campaign's dispatchable pending recipients.
func (r *recipientRepository) ListPending(ctx context.Context, campaignID int64) ([]*models.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM recipients
		WHERE campaign_id = $1 AND status = 'pending'
			AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	defer rows.Close()

	recipients := []*models.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}

	return recipients, nil
}

// ListDispatchable returns due pending work for sending campaigns. Rows
// with a NULL next_attempt_at are first attempts and sort ahead of retries.
func (r *recipientRepository) ListDispatchable(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error) {
	query := `
		SELECT r.campaign_id, r.id, c.session_id
		FROM recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.status = 'pending' AND c.status = 'sending'
			AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= $1)
		ORDER BY r.next_attempt_at NULLS FIRST, r.id
		LIMIT $2`

	return r.listWorkItems(ctx, query, before, limit)
}

// ListExpiredLeases returns work items abandoned by a crashed worker.
func (r *recipientRepository) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error) {
	query := `
		SELECT r.campaign_id, r.id, c.session_id
		FROM recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.status = 'sending' AND r.lease_expires_at < $1 AND c.status = 'sending'
		ORDER BY r.lease_expires_at
		LIMIT $2`

	return r.listWorkItems(ctx, query, before, limit)
}

func (r *recipientRepository) listWorkItems(ctx context.Context, query string, before time.Time, limit int) ([]models.WorkItem, error) {
	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	items := []models.WorkItem{}
	for rows.Next() {
		var item models.WorkItem
		if err := rows.Scan(&item.CampaignID, &item.RecipientID, &item.SessionID); err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating work items: %w", err)
	}

	return items, nil
}
