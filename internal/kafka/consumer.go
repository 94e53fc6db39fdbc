package kafka

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type MessageHandler func(context.Context, *sarama.ConsumerMessage)

// EventConsumer reads provider events relayed onto Kafka by an upstream
// webhook collector.
type EventConsumer struct {
	Client sarama.ConsumerGroup
	Topic  string
}

func NewEventConsumer() (*EventConsumer, error) {
	client, err := createConsumerGroup(config.Conf.KafkaEventGroupID)
	if err != nil {
		return nil, err
	}

	return &EventConsumer{
		Client: client,
		Topic:  config.Conf.KafkaEventTopic,
	}, nil
}

// Consume blocks until ctx is done.
func (c *EventConsumer) Consume(ctx context.Context, messageHandler MessageHandler) {
	runConsumerLoop(ctx, c.Client, c.Topic, &consumerGroupHandler{messageHandler: messageHandler})
}

func (c *EventConsumer) Close() error {
	err := c.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close Kafka consumer", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("Kafka consumer closed successfully")

	return nil
}

type consumerGroupHandler struct {
	messageHandler MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim marks each message once its handler returns.
func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			h.messageHandler(session.Context(), message)

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
