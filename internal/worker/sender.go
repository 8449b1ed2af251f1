package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Client is the external messaging API the pool sends through.
type Client interface {
	// Send delivers one message over the given session and returns the
	// channel's external message id.
	Send(ctx context.Context, sessionID int64, to, body string) (string, error)
}

// StatusListener receives session connectivity callbacks from the channel
// client. Implemented by the session monitor: a reported disconnect gates
// dispatch for the session, so queued work waits for the reconnect instead
// of burning attempts against a dead connection.
type StatusListener interface {
	OnConnected(ctx context.Context, sessionID int64) error
	OnDisconnected(ctx context.Context, sessionID int64, reason string) error
}

// SendError is a classified send failure. Retryable covers network,
// timeout and rate-limit failures; permanent covers invalid recipients and
// policy rejections.
type SendError struct {
	Reason    string
	Retryable bool
}

func (e *SendError) Error() string {
	return e.Reason
}

// MockClient simulates the messaging channel for local runs: sends succeed
// at the configured rate, failures split between retryable transport errors
// and permanent rejections. It also implements session.Reconnector.
type MockClient struct {
	successRate   float64
	permanentRate float64
	minDelay      time.Duration
	maxDelay      time.Duration
	listener      StatusListener
}

// NewMockClient creates a mock channel client.
// successRate: probability of a successful send (0.0 to 1.0), default 0.92.
func NewMockClient(successRate float64) *MockClient {
	if successRate <= 0 || successRate > 1.0 {
		successRate = 0.92
	}

	return &MockClient{
		successRate:   successRate,
		permanentRate: 0.2, // share of failures that are permanent
		minDelay:      50 * time.Millisecond,
		maxDelay:      200 * time.Millisecond,
	}
}

// SetStatusListener registers the connectivity callback target. Must be
// called before the client is shared across goroutines.
func (c *MockClient) SetStatusListener(listener StatusListener) {
	c.listener = listener
}

// Send simulates sending a message
func (c *MockClient) Send(ctx context.Context, sessionID int64, to, body string) (string, error) {
	delay := c.minDelay + time.Duration(rand.Int63n(int64(c.maxDelay-c.minDelay)))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if rand.Float64() > c.successRate {
		if rand.Float64() < c.permanentRate {
			return "", &SendError{Reason: "invalid recipient", Retryable: false}
		}
		// a transport failure means the channel connection dropped
		if c.listener != nil {
			_ = c.listener.OnDisconnected(ctx, sessionID, "connection lost")
		}
		return "", &SendError{Reason: "simulated network error", Retryable: true}
	}

	return uuid.NewString(), nil
}

// Reconnect simulates re-establishing a channel connection
func (c *MockClient) Reconnect(ctx context.Context, sessionID int64) error {
	select {
	case <-time.After(c.minDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if rand.Float64() > 0.8 {
		return &SendError{Reason: "simulated reconnect failure", Retryable: true}
	}
	return nil
}
