package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatleap/broadcast-backend/internal/backoff"
	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/models"
)

type memSessionRepository struct {
	mu       sync.Mutex
	sessions map[int64]*models.Session
}

func newMemSessionRepository() *memSessionRepository {
	return &memSessionRepository{sessions: make(map[int64]*models.Session)}
}

func (m *memSessionRepository) add(s *models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memSessionRepository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg("session not found")
	}
	c := *s
	return &c, nil
}

func (m *memSessionRepository) UpdateState(ctx context.Context, id int64, status string, attempt int, nextAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.ErrNotFoundWithMsg("session not found")
	}
	s.Status = status
	s.ReconnectAttempt = attempt
	s.NextAttemptAt = nextAt
	return nil
}

func (m *memSessionRepository) MarkSeen(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastSeenAt = &at
	}
	return nil
}

func (m *memSessionRepository) ListDueReconnects(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Session
	for _, s := range m.sessions {
		if s.Status != models.SessionStatusReconnecting {
			continue
		}
		if s.NextAttemptAt == nil || s.NextAttemptAt.After(before) {
			continue
		}
		c := *s
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// scriptedReconnector fails the first n reconnect attempts.
type scriptedReconnector struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *scriptedReconnector) Reconnect(ctx context.Context, sessionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return assert.AnError
	}
	return nil
}

type capturedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturedEvents) Publish(ctx context.Context, event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturedEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type monitorFixture struct {
	monitor     *Monitor
	repo        *memSessionRepository
	reconnector *scriptedReconnector
	captured    *capturedEvents
	clock       time.Time
}

func newMonitorFixture(t *testing.T, failures int) *monitorFixture {
	t.Helper()

	f := &monitorFixture{
		repo:        newMemSessionRepository(),
		reconnector: &scriptedReconnector{failures: failures},
		captured:    &capturedEvents{},
		clock:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.repo.add(&models.Session{ID: 1, TenantID: 1, Status: models.SessionStatusConnected})

	f.monitor = NewMonitor(f.repo, f.reconnector, f.captured, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.monitor.SetClock(func() time.Time { return f.clock })
	return f
}

func TestMonitorDisconnectGatesSending(t *testing.T) {
	f := newMonitorFixture(t, 0)
	ctx := context.Background()

	assert.True(t, f.monitor.Sendable(ctx, 1))

	require.NoError(t, f.monitor.OnDisconnected(ctx, 1, "socket closed"))
	assert.False(t, f.monitor.Sendable(ctx, 1))

	session, err := f.repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusReconnecting, session.Status)
	require.NotNil(t, session.NextAttemptAt)
	assert.Equal(t, f.clock.Add(backoff.Delay(0)), *session.NextAttemptAt)

	assert.Equal(t, []string{events.SessionDisconnected}, f.captured.types())
}

func TestMonitorReconnectSuccessResetsAndNotifies(t *testing.T) {
	f := newMonitorFixture(t, 1)
	ctx := context.Background()

	var notified []int64
	f.monitor.SetOnConnected(func(sessionID int64) {
		notified = append(notified, sessionID)
	})

	require.NoError(t, f.monitor.OnDisconnected(ctx, 1, "socket closed"))

	// first attempt fails and reschedules with the next delay
	require.NoError(t, f.monitor.AttemptReconnect(ctx, 1))
	session, err := f.repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusReconnecting, session.Status)
	assert.Equal(t, 1, session.ReconnectAttempt)
	assert.False(t, f.monitor.Sendable(ctx, 1))

	// second attempt succeeds, attempt counter resets, dispatch is notified
	require.NoError(t, f.monitor.AttemptReconnect(ctx, 1))
	session, err = f.repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusConnected, session.Status)
	assert.Equal(t, 0, session.ReconnectAttempt)
	assert.Nil(t, session.NextAttemptAt)
	assert.True(t, f.monitor.Sendable(ctx, 1))
	assert.Equal(t, []int64{1}, notified)
}

func TestMonitorReconnectExhaustionParksSession(t *testing.T) {
	f := newMonitorFixture(t, backoff.MaxAttempts+1)
	ctx := context.Background()

	require.NoError(t, f.monitor.OnDisconnected(ctx, 1, "socket closed"))

	for i := 0; i < backoff.MaxAttempts; i++ {
		f.clock = f.clock.Add(backoff.Delay(i) + time.Second)
		require.NoError(t, f.monitor.AttemptReconnect(ctx, 1))
	}

	session, err := f.repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Nil(t, session.NextAttemptAt)
	assert.False(t, f.monitor.Sendable(ctx, 1))

	// parked sessions are not retried: the attempt is a no-op
	calls := f.reconnector.calls
	require.NoError(t, f.monitor.AttemptReconnect(ctx, 1))
	assert.Equal(t, calls, f.reconnector.calls)

	types := f.captured.types()
	assert.Equal(t, events.SessionDisconnected, types[len(types)-1])
}

func TestMonitorSweepDueRunsScheduledAttempts(t *testing.T) {
	f := newMonitorFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.monitor.OnDisconnected(ctx, 1, "socket closed"))

	// not yet due: nothing runs
	require.NoError(t, f.monitor.SweepDue(ctx, 10))
	assert.Equal(t, 0, f.reconnector.calls)

	f.clock = f.clock.Add(backoff.Delay(0) + time.Second)
	require.NoError(t, f.monitor.SweepDue(ctx, 10))
	assert.Equal(t, 1, f.reconnector.calls)
	assert.True(t, f.monitor.Sendable(ctx, 1))
}

func TestMonitorCancelReconnect(t *testing.T) {
	f := newMonitorFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.monitor.OnDisconnected(ctx, 1, "socket closed"))
	require.NoError(t, f.monitor.CancelReconnect(ctx, 1))

	session, err := f.repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Nil(t, session.NextAttemptAt)

	f.clock = f.clock.Add(time.Hour)
	require.NoError(t, f.monitor.SweepDue(ctx, 10))
	assert.Equal(t, 0, f.reconnector.calls)
}
