package deadletter

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Processor replays a stored event payload.
type Processor func(ctx context.Context, payload []byte) error

type DeadLetterService struct {
	DLRepository *DeadLetterRepository
	Processor    Processor
}

func NewService(dbConn *gorm.DB, processor Processor) *DeadLetterService {
	return &DeadLetterService{
		DLRepository: NewRepository(dbConn),
		Processor:    processor,
	}
}

func (dlService *DeadLetterService) MarkEvent(ctx context.Context, callID string, payload []byte, errMsg string) error {
	_, err := dlService.DLRepository.CreateEvent(ctx, callID, payload, errMsg)
	if err != nil {
		return err
	}

	logging.Logger.Info("[MarkEvent] event stored as dead letter", zap.String("call_id", callID))

	return nil
}

func (dlService *DeadLetterService) ProcessDeadLetterEvent(ctx context.Context, dlEvent *EventDeadLetter) {
	claimed, err := dlService.DLRepository.ClaimEvent(ctx, dlEvent)
	if err != nil || !claimed {
		logging.Logger.Info("[ProcessDeadLetterEvent] dead letter event not claimed", zap.String("call_id", dlEvent.CallID))
		return
	}

	err = dlService.Processor(ctx, dlEvent.Payload)
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetterEvent] failed to reprocess event",
			zap.String("call_id", dlEvent.CallID),
			zap.String("error", err.Error()),
		)

		_ = dlService.DLRepository.IncreaseRetryCount(ctx, dlEvent, err.Error())

		return
	}

	logging.Logger.Info("[ProcessDeadLetterEvent] dead letter event reprocessed", zap.String("call_id", dlEvent.CallID))

	err = dlService.DLRepository.DeleteEvent(ctx, dlEvent)
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetterEvent] failed to delete processed dead letter event",
			zap.String("call_id", dlEvent.CallID),
			zap.String("error", err.Error()),
		)
	}
}
