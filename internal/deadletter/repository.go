package deadletter

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEventDeadLetterResult      = errors.New("invalid result type, it should be pointer to EventDeadLetter")
	ErrInvalidEventDeadLetterSliceResult = errors.New("invalid result type, it should be slice of EventDeadLetter")
)

type DeadLetterRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker(),
	}
}

// CreateEvent stores a failed event, replacing an older entry for the same call.
func (dlRepository *DeadLetterRepository) CreateEvent(
	ctx context.Context,
	callID string,
	payload []byte,
	errMsg string,
) (*EventDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		dlEvent := EventDeadLetter{
			CallID:      callID,
			Payload:     payload,
			Error:       errMsg,
			Status:      StatusPending,
			LastRetryAt: &now,
		}

		// the request context may already be gone when the webhook gave up
		dbConn := dlRepository.DBConn.WithContext(context.WithoutCancel(ctx))

		err := dbConn.Where("call_id = ?", callID).
			Assign(map[string]any{
				"payload":       datatypes.JSON(payload),
				"error":         errMsg,
				"status":        StatusPending,
				"last_retry_at": &now,
			}).
			FirstOrCreate(&dlEvent).Error
		if err != nil {
			logging.Logger.Error("[CreateEvent] failed to create dead letter record",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &dlEvent, nil
	})
	if err != nil {
		return nil, err
	}

	dlEvent, ok := result.(*EventDeadLetter)
	if !ok {
		return nil, ErrInvalidEventDeadLetterResult
	}

	return dlEvent, nil
}

func (dlRepository *DeadLetterRepository) GetPendingEvents(ctx context.Context) ([]EventDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []EventDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where(
				"status = ? AND last_retry_at <= ? AND retry_count < ?",
				StatusPending,
				time.Now().Add(-time.Duration(config.Conf.DeadLetterEventRetryDelay)*time.Minute),
				config.Conf.DeadLetterEventMaxRetries,
			).
			Order("created_at ASC").
			Limit(config.Conf.DeadLetterEventLimit).
			Find(&records).Error
		if err != nil {
			logging.Logger.Error("[GetPendingEvents] failed to fetch dead letter events", zap.String("error", err.Error()))
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]EventDeadLetter)
	if !ok {
		return nil, ErrInvalidEventDeadLetterSliceResult
	}

	return records, nil
}

// ClaimEvent moves a pending entry to in progress; false means another
// worker took it first.
func (dlRepository *DeadLetterRepository) ClaimEvent(ctx context.Context, dlEvent *EventDeadLetter) (bool, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		res := dlRepository.DBConn.
			WithContext(ctx).
			Model(&EventDeadLetter{}).
			Where("call_id = ? AND status = ?", dlEvent.CallID, StatusPending).
			Update("status", StatusInProgress)
		if res.Error != nil {
			return false, res.Error
		}

		return res.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	claimed, ok := result.(bool)
	if !ok {
		return false, ErrInvalidEventDeadLetterResult
	}

	return claimed, nil
}

func (dlRepository *DeadLetterRepository) IncreaseRetryCount(
	ctx context.Context,
	dlEvent *EventDeadLetter,
	errMsg string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": time.Now(),
			"status":        StatusPending,
			"error":         errMsg,
		}

		err := dlRepository.DBConn.WithContext(ctx).
			Model(&EventDeadLetter{}).
			Where("call_id = ?", dlEvent.CallID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[IncreaseRetryCount] failed to increase dead letter retry count",
				zap.String("call_id", dlEvent.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return dlEvent, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) DeleteEvent(ctx context.Context, dlEvent *EventDeadLetter) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.WithContext(ctx).
			Where("call_id = ?", dlEvent.CallID).
			Delete(&EventDeadLetter{}).
			Error

		return nil, err
	})

	return err
}
