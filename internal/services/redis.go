package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coaching_settlement/internal/settlement"
)

// EventsList is the Redis list consumers pop settlement events from.
const EventsList = "settlement:events"

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// RedisPublisher queues events on a Redis list and announces them on a pub/sub
// channel named after the event.
type RedisPublisher struct {
	client *redis.Client
	list   string
	logger *zap.Logger
}

func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, list: EventsList, logger: logger}
}

func (p *RedisPublisher) Publish(ctx context.Context, e settlement.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", e.Name, err)
	}

	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, data)
	pipe.Publish(ctx, e.Name, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Name, err)
	}

	p.logger.Debug("Published event", zap.String("event", e.Name), zap.String("payment_id", e.PaymentID))
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
