package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"coaching_settlement/internal/settlement"
)

// KafkaPublisher writes each event to the topic named after it, keyed by
// payment id so events of one payment stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewKafkaPublisher(brokers []string, logger *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(brokers, config)
		if err == nil {
			logger.Info("Kafka producer initialized", zap.Strings("brokers", brokers))
			return &KafkaPublisher{producer: producer, logger: logger}, nil
		}
		logger.Warn("Waiting for Kafka", zap.Int("attempt", i), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to start Kafka producer: %w", err)
}

func (p *KafkaPublisher) Publish(_ context.Context, e settlement.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", e.Name, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: e.Name,
		Key:   sarama.StringEncoder(e.PaymentID),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", e.Name, err)
	}

	p.logger.Debug("Published event",
		zap.String("event", e.Name),
		zap.String("payment_id", e.PaymentID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
