// Package session tracks the connectivity of outbound messaging channels
// and drives reconnection with exponential backoff. The monitor is the only
// writer of session status fields; reconnect timing is persisted as a
// next_attempt_at timestamp so scheduled attempts survive a restart.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatleap/broadcast-backend/internal/backoff"
	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/metrics"
	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/repository"
)

// Reconnector re-establishes the underlying channel connection. Implemented
// by the external messaging client.
type Reconnector interface {
	Reconnect(ctx context.Context, sessionID int64) error
}

// Monitor is the session health state machine.
type Monitor struct {
	repo        repository.SessionRepository
	reconnector Reconnector
	events      events.Publisher
	logger      *slog.Logger

	mu          sync.Mutex
	cache       map[int64]*models.Session
	onConnected func(sessionID int64)
	now         func() time.Time
}

// NewMonitor creates a session health monitor.
func NewMonitor(
	repo repository.SessionRepository,
	reconnector Reconnector,
	publisher events.Publisher,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		repo:        repo,
		reconnector: reconnector,
		events:      publisher,
		logger:      logger,
		cache:       make(map[int64]*models.Session),
		now:         time.Now,
	}
}

// SetOnConnected registers a hook fired whenever a session becomes
// connected; the dispatch queue uses it to retry gated items.
func (m *Monitor) SetOnConnected(fn func(sessionID int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// SetClock overrides the monitor's clock, for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Sendable reports whether the session can carry messages right now.
func (m *Monitor) Sendable(ctx context.Context, sessionID int64) bool {
	session, err := m.session(ctx, sessionID)
	if err != nil {
		m.logger.Debug("sendable check failed",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return session.Status == models.SessionStatusConnected
}

// OnConnected records that the channel client established the connection,
// either the initial connect or an externally re-initiated one.
func (m *Monitor) OnConnected(ctx context.Context, sessionID int64) error {
	if err := m.setState(ctx, sessionID, models.SessionStatusConnected, 0, nil); err != nil {
		return err
	}
	if err := m.repo.MarkSeen(ctx, sessionID, m.clock()()); err != nil {
		m.logger.Warn("failed to mark session seen",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Info("session connected", slog.Int64("session_id", sessionID))
	m.events.Publish(ctx, events.Event{Type: events.SessionConnected, SessionID: sessionID})
	m.fireOnConnected(sessionID)
	return nil
}

// OnDisconnected moves the session to reconnecting and schedules the first
// reconnect attempt.
func (m *Monitor) OnDisconnected(ctx context.Context, sessionID int64, reason string) error {
	nextAt := m.clock()().Add(backoff.Delay(0))
	if err := m.setState(ctx, sessionID, models.SessionStatusReconnecting, 0, &nextAt); err != nil {
		return err
	}

	m.logger.Warn("session disconnected",
		slog.Int64("session_id", sessionID),
		slog.String("reason", reason),
		slog.Time("next_attempt_at", nextAt),
	)
	m.events.Publish(ctx, events.Event{
		Type:      events.SessionDisconnected,
		SessionID: sessionID,
		Reason:    reason,
	})
	return nil
}

// AttemptReconnect runs one scheduled reconnect attempt. On failure it
// either reschedules with the next backoff delay or, once the attempt
// budget is exhausted, parks the session as disconnected until externally
// re-initiated. Dispatch for the session stays gated either way.
func (m *Monitor) AttemptReconnect(ctx context.Context, sessionID int64) error {
	session, err := m.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusReconnecting {
		return nil
	}

	err = m.reconnector.Reconnect(ctx, sessionID)
	if err == nil {
		metrics.SessionReconnects.WithLabelValues("success").Inc()
		return m.OnConnected(ctx, sessionID)
	}

	metrics.SessionReconnects.WithLabelValues("failure").Inc()
	attempt := session.ReconnectAttempt + 1

	if backoff.Exhausted(attempt) {
		if err := m.setState(ctx, sessionID, models.SessionStatusDisconnected, attempt, nil); err != nil {
			return err
		}
		m.logger.Error("session reconnect attempts exhausted",
			slog.Int64("session_id", sessionID),
			slog.Int("attempts", attempt),
		)
		m.events.Publish(ctx, events.Event{
			Type:      events.SessionDisconnected,
			SessionID: sessionID,
			Reason:    "reconnect attempts exhausted",
		})
		return nil
	}

	nextAt := m.clock()().Add(backoff.Delay(session.ReconnectAttempt))
	if err := m.setState(ctx, sessionID, models.SessionStatusReconnecting, attempt, &nextAt); err != nil {
		return err
	}

	m.logger.Warn("session reconnect failed",
		slog.Int64("session_id", sessionID),
		slog.Int("attempt", attempt),
		slog.Time("next_attempt_at", nextAt),
	)
	return nil
}

// CancelReconnect clears any scheduled attempt; used on session deletion.
func (m *Monitor) CancelReconnect(ctx context.Context, sessionID int64) error {
	if err := m.setState(ctx, sessionID, models.SessionStatusDisconnected, 0, nil); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
	return nil
}

// SweepDue runs every reconnect attempt whose backoff has elapsed.
func (m *Monitor) SweepDue(ctx context.Context, limit int) error {
	due, err := m.repo.ListDueReconnects(ctx, m.clock()(), limit)
	if err != nil {
		return err
	}

	for _, session := range due {
		m.mu.Lock()
		m.cache[session.ID] = session
		m.mu.Unlock()

		if err := m.AttemptReconnect(ctx, session.ID); err != nil {
			m.logger.Error("reconnect attempt failed",
				slog.Int64("session_id", session.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Monitor) session(ctx context.Context, sessionID int64) (*models.Session, error) {
	m.mu.Lock()
	if session, ok := m.cache[sessionID]; ok {
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	session, err := m.repo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[sessionID] = session
	m.mu.Unlock()
	return session, nil
}

func (m *Monitor) setState(ctx context.Context, sessionID int64, status string, attempt int, nextAt *time.Time) error {
	if err := m.repo.UpdateState(ctx, sessionID, status, attempt, nextAt); err != nil {
		return err
	}

	m.mu.Lock()
	session, ok := m.cache[sessionID]
	if !ok {
		session = &models.Session{ID: sessionID}
		m.cache[sessionID] = session
	}
	session.Status = status
	session.ReconnectAttempt = attempt
	session.NextAttemptAt = nextAt
	m.mu.Unlock()
	return nil
}

func (m *Monitor) fireOnConnected(sessionID int64) {
	m.mu.Lock()
	fn := m.onConnected
	m.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (m *Monitor) clock() func() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
