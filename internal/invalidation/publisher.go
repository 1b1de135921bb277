package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/logger"
)

// Publisher appends change events to the stream. The ingestion side of the
// house calls it after loading fresh rows; tests use it to drive the
// consumer.
type Publisher struct {
	client *redis.Client
	stream string
	log    logger.Logger
}

// NewPublisher creates a publisher. Returns nil if client is nil, and a nil
// publisher is a safe no-op.
func NewPublisher(client *redis.Client, stream string, log logger.Logger) *Publisher {
	if client == nil {
		return nil
	}
	return &Publisher{client: client, stream: stream, log: log}
}

// Publish appends event to the stream, filling in the event id and
// timestamp when the caller left them empty.
func (p *Publisher) Publish(ctx context.Context, event ChangeEvent) error {
	if p == nil || p.client == nil {
		return nil
	}
	if event.TenantID == "" {
		return errors.New("change event missing tenant id")
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	result := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"event": string(payload)},
	})
	if err := result.Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}

	p.log.Debug("published change event",
		logger.String("event_id", event.EventID),
		logger.String("tenant_id", event.TenantID),
		logger.String("entity", string(event.Entity)),
		logger.String("stream_id", result.Val()))
	return nil
}
