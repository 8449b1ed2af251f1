package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chatleap/broadcast-backend/internal/models"
)

// CampaignRepository defines the interface for campaign data access
type CampaignRepository interface {
	Create(ctx context.Context, campaign *models.Campaign) error
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error)

	// TransitionStatus moves a campaign from one status to another with a
	// compare-and-swap on the current status, stamping started_at /
	// completed_at as appropriate. Returns false when the campaign was not
	// in the expected status.
	TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error)

	// AddCounters atomically applies a counter delta and returns the fresh
	// campaign row, so the caller can detect completion.
	AddCounters(ctx context.Context, id int64, delta models.CounterDelta) (*models.Campaign, error)

	// ListDueScheduled returns ids of scheduled campaigns whose send time
	// has arrived.
	ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]int64, error)

	// ListStaleSending returns ids of sending campaigns whose counters
	// have not moved since updatedBefore, candidates for reconciliation.
	ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]int64, error)

	// RecountCounters recomputes the campaign's funnel counters from its
	// recipient rows and returns the fresh campaign. The rows are the
	// source of truth; this repairs increments lost to a crash between a
	// recipient update and its counter update.
	RecountCounters(ctx context.Context, id int64) (*models.Campaign, error)
}

const campaignColumns = `id, tenant_id, session_id, name, body, status,
	total_recipients, sent_count, delivered_count, read_count, failed_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// campaignRepository implements CampaignRepository using PostgreSQL
type campaignRepository struct {
	db *sql.DB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *sql.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

func scanCampaign(row interface{ Scan(...any) error }) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.SessionID,
		&c.Name,
		&c.Body,
		&c.Status,
		&c.TotalRecipients,
		&c.SentCount,
		&c.DeliveredCount,
		&c.ReadCount,
		&c.FailedCount,
		&c.ScheduledAt,
		&c.StartedAt,
		&c.CompletedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new campaign
func (r *campaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	query := `
		INSERT INTO campaigns (tenant_id, session_id, name, body, status, total_recipients, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		campaign.TenantID,
		campaign.SessionID,
		campaign.Name,
		campaign.Body,
		campaign.Status,
		campaign.TotalRecipients,
		campaign.ScheduledAt,
	).Scan(&campaign.ID, &campaign.CreatedAt, &campaign.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *campaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	return campaign, nil
}

// List retrieves campaigns with pagination and filtering
func (r *campaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	models.ValidateAndSetDefaults(&filter.Page, &filter.PageSize)

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []any{}
	argPos := 1

	if filter.TenantID != 0 {
		query += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		countQuery += fmt.Sprintf(" AND tenant_id = $%d", argPos)
		args = append(args, filter.TenantID)
		argPos++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		countQuery += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, filter.Status)
		argPos++
	}

	var totalCount int64
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count campaigns: %w", err)
	}

	offset := models.CalculateOffset(filter.Page, filter.PageSize)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, filter.PageSize, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []*models.Campaign{}
	for rows.Next() {
		campaign, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, campaign)
	}

	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, totalCount, nil
}

// TransitionStatus applies a CAS status update, stamping lifecycle timestamps.
func (r *campaignRepository) TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $3,
			started_at = CASE WHEN $3 = 'sending' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition campaign status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AddCounters applies the delta and returns the updated row.
func (r *campaignRepository) AddCounters(ctx context.Context, id int64, delta models.CounterDelta) (*models.Campaign, error) {
	query := `
		UPDATE campaigns
		SET sent_count = sent_count + $2,
			delivered_count = delivered_count + $3,
			read_count = read_count + $4,
			failed_count = failed_count + $5,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + campaignColumns

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id, delta.Sent, delta.Delivered, delta.Read, delta.Failed))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign counters: %w", err)
	}

	return campaign, nil
}

// ListStaleSending returns sending campaigns untouched since updatedBefore.
func (r *campaignRepository) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM campaigns
		WHERE status = 'sending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	return r.listIDs(ctx, query, updatedBefore, limit)
}

// RecountCounters rebuilds the funnel counters from recipient rows.
func (r *campaignRepository) RecountCounters(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `
		UPDATE campaigns c
		SET sent_count = sub.n_sent,
			delivered_count = sub.n_delivered,
			read_count = sub.n_read,
			failed_count = sub.n_failed,
			updated_at = now()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status IN ('sent', 'delivered', 'read')) AS n_sent,
				COUNT(*) FILTER (WHERE status IN ('delivered', 'read')) AS n_delivered,
				COUNT(*) FILTER (WHERE status = 'read') AS n_read,
				COUNT(*) FILTER (WHERE status = 'failed') AS n_failed
			FROM recipients
			WHERE campaign_id = $1
		) sub
		WHERE c.id = $1
		RETURNING ` + campaignColumns

	campaign, err := scanCampaign(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to recount campaign counters: %w", err)
	}

	return campaign, nil
}

// ListDueScheduled returns scheduled campaigns whose send time has passed.
func (r *campaignRepository) ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2`

	return r.listIDs(ctx, query, before, limit)
}

func (r *campaignRepository) listIDs(ctx context.Context, query string, before time.Time, limit int) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign ids: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign ids: %w", err)
	}

	return ids, nil
}
