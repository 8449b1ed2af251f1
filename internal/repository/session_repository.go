package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chatleap/broadcast-backend/internal/models"
)

// SessionRepository defines the interface for session state access. Only
// the session health monitor writes through it; reconnect timing lives in
// next_attempt_at so scheduled attempts survive a process restart.
type SessionRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Session, error)
	UpdateState(ctx context.Context, id int64, status string, attempt int, nextAt *time.Time) error
	MarkSeen(ctx context.Context, id int64, at time.Time) error
	ListDueReconnects(ctx context.Context, before time.Time, limit int) ([]*models.Session, error)
}

const sessionColumns = `id, tenant_id, status, reconnect_attempt, next_attempt_at, last_seen_at, updated_at`

// sessionRepository implements SessionRepository using PostgreSQL
type sessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.Status,
		&s.ReconnectAttempt,
		&s.NextAttemptAt,
		&s.LastSeenAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by ID
func (r *sessionRepository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("session with ID %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// UpdateState persists the monitor's view of a session.
func (r *sessionRepository) UpdateState(ctx context.Context, id int64, status string, attempt int, nextAt *time.Time) error {
	query := `
		UPDATE sessions
		SET status = $2, reconnect_attempt = $3, next_attempt_at = $4, updated_at = now()
		WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, status, attempt, nextAt)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("session with ID %d not found", id))
	}

	return nil
}

// MarkSeen stamps channel liveness.
func (r *sessionRepository) MarkSeen(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE sessions SET last_seen_at = $2, updated_at = now() WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to mark session seen: %w", err)
	}

	return nil
}

// ListDueReconnects returns reconnecting sessions whose backoff has elapsed.
func (r *sessionRepository) ListDueReconnects(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = 'reconnecting' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reconnects: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}
