package call

import (
	"context"
	"errors"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("call record not found")

	ErrInvalidCallRecordResult = errors.New("invalid result type, it should be pointer to CallRecord")
	ErrInvalidBoolResult       = errors.New("invalid result type, it should be bool")
)

type CallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewCallRepository(dbConn *gorm.DB) *CallRepository {
	return &CallRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker(),
	}
}

// WithTx binds the repository to a running transaction. The enclosing
// operation owns the circuit breaker.
func (r *CallRepository) WithTx(tx *gorm.DB) *CallRepository {
	return &CallRepository{DBConn: tx}
}

func (r *CallRepository) execute(fn func() (any, error)) (any, error) {
	var (
		result any
		err    error
	)

	if r.CircuitBreaker == nil {
		result, err = fn()
	} else {
		result, err = r.CircuitBreaker.Execute(fn)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	return result, err
}

func (r *CallRepository) GetByCallID(ctx context.Context, callID string) (*CallRecord, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).Where("call_id = ?", callID))
}

// LockByCallID reads the record with a row lock held until the transaction
// ends, serializing concurrent events for the same call.
func (r *CallRepository) LockByCallID(ctx context.Context, callID string) (*CallRecord, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("call_id = ?", callID),
	)
}

func (r *CallRepository) first(ctx context.Context, query *gorm.DB) (*CallRecord, error) {
	result, err := r.execute(func() (any, error) {
		var record CallRecord

		err := query.First(&record).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("[first] failed to fetch call record",
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)
			}

			return nil, err
		}

		return &record, nil
	})
	if err != nil {
		return nil, err
	}

	record, ok := result.(*CallRecord)
	if !ok {
		return nil, ErrInvalidCallRecordResult
	}

	return record, nil
}

// InsertIfAbsent inserts record unless its call id already exists and reports
// whether this call created it.
func (r *CallRepository) InsertIfAbsent(ctx context.Context, record *CallRecord) (bool, error) {
	result, err := r.execute(func() (any, error) {
		res := r.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "call_id"}},
				DoNothing: true,
			}).
			Create(record)
		if res.Error != nil {
			logging.Logger.Error("[InsertIfAbsent] failed to insert call record",
				zap.String("call_id", record.CallID),
				zap.String("error", res.Error.Error()),
			)

			return false, res.Error
		}

		return res.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	inserted, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return inserted, nil
}

// Save overwrites every column of an existing record.
func (r *CallRepository) Save(ctx context.Context, record *CallRecord) error {
	_, err := r.execute(func() (any, error) {
		err := r.DBConn.WithContext(ctx).Save(record).Error
		if err != nil {
			logging.Logger.Error("[Save] failed to update call record",
				zap.String("call_id", record.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return record, nil
	})

	return err
}
