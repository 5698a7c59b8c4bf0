package services

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"coaching_settlement/internal/config"
	"coaching_settlement/internal/settlement"
)

// LogPublisher only logs events. It is used when no transport is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e settlement.Event) error {
	p.logger.Info("Event",
		zap.String("event", e.Name),
		zap.String("audience", string(e.Audience)),
		zap.String("payment_id", e.PaymentID),
		zap.String("user_id", e.UserID),
		zap.String("amount", e.Amount))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Publisher is a settlement notifier owning a transport connection.
type Publisher interface {
	settlement.Notifier
	io.Closer
}

// NewPublisher builds the event transport selected by EVENT_TRANSPORT.
func NewPublisher(cfg *config.Config, logger *zap.Logger) (Publisher, error) {
	switch cfg.EventTransport {
	case config.TransportRedis:
		client, err := NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Redis connection established")
		return NewRedisPublisher(client, logger), nil
	case config.TransportKafka:
		return NewKafkaPublisher(cfg.KafkaBrokers, logger)
	default:
		return NewLogPublisher(logger), nil
	}
}
