package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/IBM/sarama"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	result  *reconcile.Result
	err     error
	sources []string
}

func (f *fakeReconciler) Process(_ context.Context, source string, _ []byte) (*reconcile.Result, error) {
	f.sources = append(f.sources, source)
	return f.result, f.err
}

type deadLetter struct {
	callID  string
	payload string
	errMsg  string
}

type fakeDeadLetters struct {
	marked []deadLetter
	err    error
}

func (f *fakeDeadLetters) MarkEvent(_ context.Context, callID string, payload []byte, errMsg string) error {
	f.marked = append(f.marked, deadLetter{callID: callID, payload: string(payload), errMsg: errMsg})
	return f.err
}

type fakeArchive struct {
	archived map[string]string
}

func (f *fakeArchive) Archive(callID string, raw []byte) {
	f.archived[callID] = string(raw)
}

type published struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) SendJSON(_ context.Context, topic, key string, value any) error {
	f.sent = append(f.sent, published{topic: topic, key: key, value: value})
	return f.err
}

type fakeAlerter struct {
	subjects []string
}

func (f *fakeAlerter) Report(_ context.Context, _, subject string, _ error, _ map[string]string) {
	f.subjects = append(f.subjects, subject)
}

type eventFixture struct {
	service     *EventService
	reconciler  *fakeReconciler
	deadLetters *fakeDeadLetters
	archive     *fakeArchive
	publisher   *fakePublisher
	alerter     *fakeAlerter
}

func newEventFixture() *eventFixture {
	f := &eventFixture{
		reconciler:  &fakeReconciler{},
		deadLetters: &fakeDeadLetters{},
		archive:     &fakeArchive{archived: map[string]string{}},
		publisher:   &fakePublisher{},
		alerter:     &fakeAlerter{},
	}

	f.service = &EventService{
		Reconciler:  f.reconciler,
		DeadLetters: f.deadLetters,
		Publisher:   f.publisher,
		ResultTopic: "call-results",
		Archive:     f.archive,
		Alerter:     f.alerter,
	}

	return f
}

func processedResult() *reconcile.Result {
	return &reconcile.Result{
		Status:     reconcile.StatusProcessed,
		CallID:     "c-1",
		LeadID:     "l-1",
		CampaignID: "k-1",
		Record:     &call.CallRecord{CallID: "c-1"},
	}
}

func TestHandleEventFansOutProcessedEvents(t *testing.T) {
	f := newEventFixture()
	f.reconciler.result = processedResult()

	raw := []byte(`{"call_id":"c-1","status":"completed"}`)

	result, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, raw)
	require.NoError(t, err)
	require.Equal(t, reconcile.StatusProcessed, result.Status)

	require.Equal(t, string(raw), f.archive.archived["c-1"])
	require.Len(t, f.publisher.sent, 1)
	require.Equal(t, "call-results", f.publisher.sent[0].topic)
	require.Equal(t, "c-1", f.publisher.sent[0].key)

	message, ok := f.publisher.sent[0].value.(*CallResultMessage)
	require.True(t, ok)
	require.Equal(t, "l-1", message.LeadID)
	require.Equal(t, "k-1", message.CampaignID)
	require.Equal(t, reconcile.SourceWebhook, message.Source)
	require.Empty(t, f.deadLetters.marked)
}

func TestHandleEventSkipsFanOutForDuplicates(t *testing.T) {
	f := newEventFixture()
	f.reconciler.result = &reconcile.Result{Status: reconcile.StatusDuplicate, CallID: "c-1"}

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, []byte(`{"call_id":"c-1"}`))
	require.NoError(t, err)
	require.Empty(t, f.archive.archived)
	require.Empty(t, f.publisher.sent)
}

func TestHandleEventDeadLettersInfrastructureFailures(t *testing.T) {
	f := newEventFixture()
	f.reconciler.err = errors.New("connection refused")

	raw := []byte(`{"event":"call.completed","data":{"execution_id":"e-9"}}`)

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, raw)
	require.Error(t, err)
	require.Len(t, f.deadLetters.marked, 1)
	require.Equal(t, "e-9", f.deadLetters.marked[0].callID)
	require.Equal(t, string(raw), f.deadLetters.marked[0].payload)
	require.Equal(t, "connection refused", f.deadLetters.marked[0].errMsg)
}

func TestHandleEventJoinsDeadLetterFailure(t *testing.T) {
	f := newEventFixture()
	f.reconciler.err = errors.New("connection refused")
	f.deadLetters.err = errors.New("dead letter table unavailable")

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, []byte(`{"call_id":"c-1"}`))
	require.ErrorContains(t, err, "connection refused")
	require.ErrorContains(t, err, "dead letter table unavailable")
}

func TestHandleEventDoesNotDeadLetterMalformedEvents(t *testing.T) {
	f := newEventFixture()
	f.reconciler.err = reconcile.ErrMalformedEvent

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, []byte(`[1]`))
	require.ErrorIs(t, err, reconcile.ErrMalformedEvent)
	require.Empty(t, f.deadLetters.marked)
}

func TestPublishFailureIsReported(t *testing.T) {
	f := newEventFixture()
	f.reconciler.result = processedResult()
	f.publisher.err = sarama.ErrOutOfBrokers

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, []byte(`{"call_id":"c-1"}`))
	require.NoError(t, err)
	require.Equal(t, []string{"c-1"}, f.alerter.subjects)
}

func TestOptionalSinksMayBeAbsent(t *testing.T) {
	f := newEventFixture()
	f.reconciler.result = processedResult()
	f.service.Publisher = nil
	f.service.Archive = nil

	_, err := f.service.HandleEvent(context.Background(), reconcile.SourceWebhook, []byte(`{"call_id":"c-1"}`))
	require.NoError(t, err)
}

func TestReplayLeavesFailuresToTheWorker(t *testing.T) {
	f := newEventFixture()
	f.reconciler.err = errors.New("connection refused")

	require.Error(t, f.service.Replay(context.Background(), []byte(`{"call_id":"c-1"}`)))
	require.Empty(t, f.deadLetters.marked)
	require.Equal(t, []string{reconcile.SourceDeadLetter}, f.reconciler.sources)

	f.reconciler.err = nil
	f.reconciler.result = processedResult()

	require.NoError(t, f.service.Replay(context.Background(), []byte(`{"call_id":"c-1"}`)))
	require.Len(t, f.publisher.sent, 1)
}

type blockingReconciler struct {
	mu      sync.Mutex
	sources []string
	done    chan struct{}
}

func (b *blockingReconciler) Process(_ context.Context, source string, _ []byte) (*reconcile.Result, error) {
	b.mu.Lock()
	b.sources = append(b.sources, source)
	b.mu.Unlock()

	close(b.done)

	return &reconcile.Result{Status: reconcile.StatusIgnored, Reason: reconcile.ReasonMissingCallID}, nil
}

func TestHandleKafkaMessageProcessesOnPool(t *testing.T) {
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()

	reconciler := &blockingReconciler{done: make(chan struct{})}
	service := &EventService{Reconciler: reconciler, DeadLetters: &fakeDeadLetters{}, WorkerPool: pool}

	service.HandleKafkaMessage(context.Background(), &sarama.ConsumerMessage{
		Value:     []byte(`{"status":"completed"}`),
		Timestamp: time.Now().Add(-time.Second),
	})

	select {
	case <-reconciler.done:
	case <-time.After(5 * time.Second):
		t.Fatal("relayed event was not processed")
	}

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()

	require.Equal(t, []string{reconcile.SourceKafka}, reconciler.sources)
}
