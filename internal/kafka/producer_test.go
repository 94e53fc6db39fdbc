package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestSendJSONPublishesEncodedValue(t *testing.T) {
	client := mocks.NewSyncProducer(t, nil)
	client.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var decoded map[string]string
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}

		if decoded["call_id"] != "c-1" {
			return errors.New("unexpected call_id " + decoded["call_id"])
		}

		return nil
	})

	producer := NewProducerWithClient(client)
	defer func() { require.NoError(t, producer.Close()) }()

	err := producer.SendJSON(context.Background(), "call-results", "c-1", map[string]string{"call_id": "c-1"})
	require.NoError(t, err)
}

func TestSendJSONReturnsBrokerError(t *testing.T) {
	client := mocks.NewSyncProducer(t, nil)
	client.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	producer := NewProducerWithClient(client)
	defer func() { require.NoError(t, producer.Close()) }()

	err := producer.SendJSON(context.Background(), "call-results", "c-1", map[string]string{"call_id": "c-1"})
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
}

func TestSendJSONRejectsUnencodableValue(t *testing.T) {
	client := mocks.NewSyncProducer(t, nil)

	producer := NewProducerWithClient(client)
	defer func() { require.NoError(t, producer.Close()) }()

	err := producer.SendJSON(context.Background(), "call-results", "c-1", make(chan int))
	require.Error(t, err)
}
