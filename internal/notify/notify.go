// Package notify delivers rendered notifications to channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message is a rendered notification.
type Message struct {
	Channel        string    `json:"channel"`
	Subject        string    `json:"subject,omitempty"`
	Body           string    `json:"body"`
	TriggerID      string    `json:"trigger_id"`
	DecisionID     string    `json:"decision_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	SentAt         time.Time `json:"sent_at"`
}

// Publisher sends a Message. Receivers dedupe on IdempotencyKey.
type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Redis publishes messages as JSON on the pub/sub channel <prefix><channel>.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis creates a Redis publisher.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Publish(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.prefix+m.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s%s: %w", r.prefix, m.Channel, err)
	}
	return nil
}

// Log writes notifications to a logger. Used when no Redis is configured.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) Publish(_ context.Context, m Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "channel", m.Channel, "subject", m.Subject, "body", m.Body, "trigger_id", m.TriggerID, "decision_id", m.DecisionID)
	return nil
}
