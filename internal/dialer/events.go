package dialer

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/alert"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/reconcile"
	"github.com/IBM/sarama"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const eventAlertComponent = "events"

type Reconciler interface {
	Process(ctx context.Context, source string, raw []byte) (*reconcile.Result, error)
}

type DeadLetterMarker interface {
	MarkEvent(ctx context.Context, callID string, payload []byte, errMsg string) error
}

type Archiver interface {
	Archive(callID string, raw []byte)
}

type Alerter interface {
	Report(ctx context.Context, component, subject string, err error, attributes map[string]string)
}

// CallResultMessage is published for every event that changed a call record.
type CallResultMessage struct {
	CallID      string           `json:"call_id"`
	LeadID      string           `json:"lead_id,omitempty"`
	CampaignID  string           `json:"campaign_id,omitempty"`
	Source      string           `json:"source"`
	Record      *call.CallRecord `json:"record,omitempty"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// EventService is the single entry point for provider events, whichever way
// they arrive. Publisher, Archive and WorkerPool are optional.
type EventService struct {
	Reconciler  Reconciler
	DeadLetters DeadLetterMarker
	Publisher   alert.Publisher
	ResultTopic string
	Archive     Archiver
	Alerter     Alerter
	WorkerPool  *ants.Pool
}

// HandleEvent reconciles raw and fans the outcome out. Infrastructure failures
// are parked in the dead-letter table before the error is returned.
func (s *EventService) HandleEvent(ctx context.Context, source string, raw []byte) (*reconcile.Result, error) {
	result, err := s.Reconciler.Process(ctx, source, raw)
	if err != nil {
		if errors.Is(err, reconcile.ErrMalformedEvent) {
			logging.Logger.Warn("[HandleEvent] malformed provider event",
				zap.String("source", source),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		logging.Logger.Error("[HandleEvent] failed to reconcile provider event",
			zap.String("source", source),
			zap.String("error", err.Error()),
		)

		markErr := s.DeadLetters.MarkEvent(ctx, reconcile.CallIDOf(raw), raw, err.Error())
		if markErr != nil {
			return nil, errors.Join(err, markErr)
		}

		return nil, err
	}

	if result.Status == reconcile.StatusProcessed {
		s.fanOut(ctx, source, raw, result)
	}

	return result, nil
}

// Replay is the dead-letter processor. It leaves failures to the dead-letter
// worker instead of parking the event a second time.
func (s *EventService) Replay(ctx context.Context, payload []byte) error {
	result, err := s.Reconciler.Process(ctx, reconcile.SourceDeadLetter, payload)
	if err != nil {
		return err
	}

	if result.Status == reconcile.StatusProcessed {
		s.fanOut(ctx, reconcile.SourceDeadLetter, payload, result)
	}

	return nil
}

// HandleKafkaMessage hands a relayed provider event to the worker pool.
func (s *EventService) HandleKafkaMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	err := s.WorkerPool.Submit(func() {
		s.processKafkaMessage(ctx, msg)
	})
	if err != nil {
		logging.Logger.Error("[HandleKafkaMessage] failed to submit job to ants pool", zap.String("error", err.Error()))
	}
}

func (s *EventService) processKafkaMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	defer handlePanic("kafka")

	if !msg.Timestamp.IsZero() {
		prometheusDialer.KafkaMessageLatency.Observe(time.Since(msg.Timestamp).Seconds())
	}

	_, err := s.HandleEvent(ctx, reconcile.SourceKafka, msg.Value)
	if err != nil {
		logging.Logger.Error("[processKafkaMessage] relayed event not reconciled",
			zap.ByteString("key", msg.Key),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("error", err.Error()),
		)
	}
}

func (s *EventService) fanOut(ctx context.Context, source string, raw []byte, result *reconcile.Result) {
	if s.Archive != nil {
		s.Archive.Archive(result.CallID, raw)
	}

	if s.Publisher == nil {
		return
	}

	message := &CallResultMessage{
		CallID:      result.CallID,
		LeadID:      result.LeadID,
		CampaignID:  result.CampaignID,
		Source:      source,
		Record:      result.Record,
		ProcessedAt: time.Now().UTC(),
	}

	err := s.Publisher.SendJSON(ctx, s.ResultTopic, result.CallID, message)
	if err != nil && s.Alerter != nil {
		s.Alerter.Report(ctx, eventAlertComponent, result.CallID, err, map[string]string{"topic": s.ResultTopic})
	}
}

func handlePanic(source string) {
	if r := recover(); r != nil {
		logging.Logger.Error("[handlePanic] panic in event worker",
			zap.String("source", source),
			zap.Any("recover", r),
		)
	}
}
