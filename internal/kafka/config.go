package kafka

import (
	"context"
	"sync"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const mechanism = "SCRAM-SHA-512"

// newSaramaConfig returns the shared client settings: SCRAM-SHA-512 over SASL,
// synchronous producer acks, and a round robin consumer group.
func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_8_0_0
	cfg.ClientID = "dialer"

	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
	cfg.Net.SASL.User = config.Conf.KafkaUsername
	cfg.Net.SASL.Password = config.Conf.KafkaPassword
	cfg.Net.SASL.Handshake = true
	cfg.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClient

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.ResetInvalidOffsets = true
	cfg.Consumer.Return.Errors = true

	return cfg
}

func brokers() []string {
	return []string{config.Conf.KafkaBootstrapServer}
}

func createConsumerGroup(groupID string) (sarama.ConsumerGroup, error) {
	client, err := sarama.NewConsumerGroup(brokers(), groupID, newSaramaConfig())
	if err != nil {
		logging.Logger.Error("Failed to create Kafka consumer group",
			zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
			zap.String("group_id", groupID),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("Successfully connected to Kafka",
		zap.String("bootstrap", config.Conf.KafkaBootstrapServer),
		zap.String("group_id", groupID),
		zap.String("mechanism", mechanism),
	)

	return client, nil
}

// runConsumerLoop rejoins the group after every rebalance until ctx is done.
func runConsumerLoop(ctx context.Context, client sarama.ConsumerGroup, topic string, handler sarama.ConsumerGroupHandler) {
	var waitGroup sync.WaitGroup

	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()

		for {
			err := client.Consume(ctx, []string{topic}, handler)
			if err != nil {
				logging.Logger.Error("Kafka consume error",
					zap.String("topic", topic),
					zap.String("error", err.Error()),
				)
			}

			if ctx.Err() != nil {
				logging.Logger.Info("Kafka consumer stopping", zap.String("topic", topic))
				return
			}
		}
	}()

	go func() {
		for err := range client.Errors() {
			logging.Logger.Error("Kafka consumer internal error",
				zap.String("topic", topic),
				zap.String("error", err.Error()),
			)
		}
	}()

	waitGroup.Wait()
}
