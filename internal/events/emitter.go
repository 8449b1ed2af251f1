// Package events publishes pipeline lifecycle events to an external router.
// Delivery is fire and forget: publish failures are logged, never retried.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event type constants
const (
	MessageSent         = "message.sent"
	MessageDelivered    = "message.delivered"
	MessageRead         = "message.read"
	MessageFailed       = "message.failed"
	SessionConnected    = "session.connected"
	SessionDisconnected = "session.disconnected"
)

// Event is one pipeline notification.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	CampaignID  int64     `json:"campaign_id,omitempty"`
	RecipientID int64     `json:"recipient_id,omitempty"`
	SessionID   int64     `json:"session_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher emits events best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// RedisEmitter publishes events to a Redis channel.
type RedisEmitter struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// RedisConfig holds emitter configuration
type RedisConfig struct {
	URL     string
	Channel string
}

// NewRedisEmitter creates an emitter publishing to the configured channel.
func NewRedisEmitter(cfg RedisConfig, logger *slog.Logger) (*RedisEmitter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEmitter{
		client:  client,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

// Publish emits one event. Errors are logged and swallowed.
func (e *RedisEmitter) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to marshal event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := e.client.Publish(ctx, e.channel, data).Err(); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("type", event.Type),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the Redis connection
func (e *RedisEmitter) Close() error {
	return e.client.Close()
}
