package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	sarama.ConsumerGroupSession

	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context {
	return s.ctx
}

func (s *fakeSession) MarkMessage(message *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marked = append(s.marked, message.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim

	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.messages
}

func TestConsumeClaimHandlesThenMarks(t *testing.T) {
	session := &fakeSession{ctx: context.Background()}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}

	var handled []string

	handler := &consumerGroupHandler{messageHandler: func(_ context.Context, message *sarama.ConsumerMessage) {
		require.Len(t, session.marked, len(handled))
		handled = append(handled, string(message.Value))
	}}

	claim.messages <- &sarama.ConsumerMessage{Offset: 7, Value: []byte(`{"call_id":"a"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 8, Value: []byte(`{"call_id":"b"}`)}
	close(claim.messages)

	require.NoError(t, handler.ConsumeClaim(session, claim))
	require.Equal(t, []string{`{"call_id":"a"}`, `{"call_id":"b"}`}, handled)
	require.Equal(t, []int64{7, 8}, session.marked)
}

func TestConsumeClaimStopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	handler := &consumerGroupHandler{messageHandler: func(context.Context, *sarama.ConsumerMessage) {
		t.Fatal("no message expected")
	}}

	require.NoError(t, handler.ConsumeClaim(session, claim))
	require.Empty(t, session.marked)
}
