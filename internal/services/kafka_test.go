package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coaching_settlement/internal/settlement"
)

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := &KafkaPublisher{producer: producer, logger: zap.NewNop()}

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, settlement.EventRefundProcessed, msg.Topic)

		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "p1", string(key))

		raw, err := msg.Value.Encode()
		require.NoError(t, err)
		var e settlement.Event
		require.NoError(t, json.Unmarshal(raw, &e))
		assert.Equal(t, settlement.AudiencePayer, e.Audience)
		assert.Equal(t, "40", e.Amount)
		return nil
	})

	err := pub.Publish(context.Background(), settlement.Event{
		Name:      settlement.EventRefundProcessed,
		Audience:  settlement.AudiencePayer,
		PaymentID: "p1",
		Amount:    "40",
	})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	pub := &KafkaPublisher{producer: producer, logger: zap.NewNop()}

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	err := pub.Publish(context.Background(), settlement.Event{Name: settlement.EventPayoutFailed, PaymentID: "p1"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}
