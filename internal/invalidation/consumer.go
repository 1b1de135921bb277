package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
)

const (
	defaultBatchSize    = 10
	defaultBlockTimeout = 5 * time.Second
	claimIdleTimeout    = 30 * time.Second
)

// Invalidator purges cached results for a scope. *engine.Engine satisfies
// it.
type Invalidator interface {
	InvalidateEntity(ctx context.Context, tenantID string, entity domain.Entity) (int, error)
	InvalidateTenant(ctx context.Context, tenantID string) (int, error)
}

// Config names the stream and consumer group to read from.
type Config struct {
	Stream        string
	ConsumerGroup string
	BatchSize     int
	BlockTimeout  time.Duration
}

// Consumer reads change events through a consumer group and sweeps the
// result cache. Messages ack only after a successful sweep, so a failed
// invalidation is re-delivered rather than lost; undecodable messages ack
// immediately since retrying cannot repair them.
type Consumer struct {
	client      *redis.Client
	cfg         Config
	invalidator Invalidator
	consumerID  string
	log         logger.Logger
	shutdownCh  chan struct{}
}

// NewConsumer creates a consumer. Returns nil if client is nil.
func NewConsumer(client *redis.Client, cfg Config, invalidator Invalidator, log logger.Logger) *Consumer {
	if client == nil {
		return nil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	return &Consumer{
		client:      client,
		cfg:         cfg,
		invalidator: invalidator,
		consumerID:  generateConsumerID(),
		log:         log,
		shutdownCh:  make(chan struct{}),
	}
}

func generateConsumerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "invalidator"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Start creates the consumer group if needed and begins consuming.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	c.log.Info("starting invalidation consumer",
		logger.String("stream", c.cfg.Stream),
		logger.String("group", c.cfg.ConsumerGroup),
		logger.String("consumer_id", c.consumerID))

	go c.consumeLoop(ctx)
	go c.claimAbandonedLoop(ctx)
	return nil
}

// Stop shuts the consumer down. In-flight unacked messages are re-delivered
// to another consumer once their idle time passes.
func (c *Consumer) Stop() {
	close(c.shutdownCh)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		default:
			c.readAndProcess(ctx)
		}
	}
}

func (c *Consumer) readAndProcess(ctx context.Context) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.consumerID,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return
		}
		c.log.Error("reading change stream", logger.Error(err))
		time.Sleep(time.Second)
		return
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.processMessage(ctx, msg)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) {
	eventData, ok := msg.Values["event"].(string)
	if !ok {
		c.log.Error("change message has no event field", logger.String("stream_id", msg.ID))
		c.ackMessage(ctx, msg.ID)
		return
	}

	var event ChangeEvent
	if err := json.Unmarshal([]byte(eventData), &event); err != nil {
		c.log.Error("undecodable change event",
			logger.String("stream_id", msg.ID), logger.Error(err))
		c.ackMessage(ctx, msg.ID)
		return
	}
	if event.TenantID == "" {
		c.log.Warn("change event without tenant", logger.String("stream_id", msg.ID))
		c.ackMessage(ctx, msg.ID)
		return
	}

	var (
		removed int
		err     error
	)
	if event.Entity != "" {
		removed, err = c.invalidator.InvalidateEntity(ctx, event.TenantID, event.Entity)
	} else {
		removed, err = c.invalidator.InvalidateTenant(ctx, event.TenantID)
	}
	if err != nil {
		// No ack: the group re-delivers the message for another attempt.
		c.log.Error("invalidation failed",
			logger.String("event_id", event.EventID),
			logger.String("tenant_id", event.TenantID),
			logger.Error(err))
		return
	}

	c.ackMessage(ctx, msg.ID)
	c.log.Info("processed change event",
		logger.String("event_id", event.EventID),
		logger.String("tenant_id", event.TenantID),
		logger.String("entity", string(event.Entity)),
		logger.Int("removed", removed))
}

func (c *Consumer) ackMessage(ctx context.Context, streamID string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, streamID).Err(); err != nil {
		c.log.Error("acking change message",
			logger.String("stream_id", streamID), logger.Error(err))
	}
}

func (c *Consumer) claimAbandonedLoop(ctx context.Context) {
	ticker := time.NewTicker(claimIdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdownCh:
			return
		case <-ticker.C:
			c.claimAbandonedMessages(ctx)
		}
	}
}

// claimAbandonedMessages picks up messages a dead consumer read but never
// acked.
func (c *Consumer) claimAbandonedMessages(ctx context.Context) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.consumerID,
		MinIdle:  claimIdleTimeout,
		Start:    "0-0",
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		c.log.Error("auto-claiming change messages", logger.Error(err))
		return
	}

	for _, msg := range messages {
		c.log.Info("claimed abandoned change message", logger.String("stream_id", msg.ID))
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) ensureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return err
	}
	return nil
}

func isGroupExistsError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
