package lead

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("lead not found")

	ErrInvalidLeadResult      = errors.New("invalid result type, it should be pointer to Lead")
	ErrInvalidLeadSliceResult = errors.New("invalid result type, it should be slice of Lead")
	ErrInvalidRowsResult      = errors.New("invalid result type, it should be int64")
)

type LeadRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *LeadRepository {
	return &LeadRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker(),
	}
}

// WithTx binds the repository to a running transaction. The enclosing
// operation owns the circuit breaker.
func (r *LeadRepository) WithTx(tx *gorm.DB) *LeadRepository {
	return &LeadRepository{DBConn: tx}
}

func (r *LeadRepository) execute(fn func() (any, error)) (any, error) {
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

// ListEligible returns dialable leads in insertion order.
func (r *LeadRepository) ListEligible(ctx context.Context, campaignID string, limit int) ([]Lead, error) {
	return r.find(ctx, "ListEligible", func(query *gorm.DB) *gorm.DB {
		return query.
			Where("campaign_id = ? AND status IN ? AND retry_count < max_retries",
				campaignID, []Status{StatusPending, StatusFailed}).
			Order("created_at ASC, id ASC").
			Limit(limit)
	})
}

func (r *LeadRepository) ListForCampaign(
	ctx context.Context,
	campaignID string,
	status Status,
	limit, offset int,
) ([]Lead, error) {
	return r.find(ctx, "ListForCampaign", func(query *gorm.DB) *gorm.DB {
		query = query.Where("campaign_id = ?", campaignID)
		if status != "" {
			query = query.Where("status = ?", status)
		}

		return query.Order("created_at ASC, id ASC").Limit(limit).Offset(offset)
	})
}

// FindByPhone returns leads whose stored or normalized phone equals phone,
// optionally restricted to one campaign.
func (r *LeadRepository) FindByPhone(ctx context.Context, phone, campaignID string) ([]Lead, error) {
	return r.find(ctx, "FindByPhone", func(query *gorm.DB) *gorm.DB {
		query = query.Where("(normalized_phone = ? OR phone = ?)", phone, phone)
		if campaignID != "" {
			query = query.Where("campaign_id = ?", campaignID)
		}

		return query.Order("created_at ASC, id ASC")
	})
}

func (r *LeadRepository) find(ctx context.Context, operation string, scope func(*gorm.DB) *gorm.DB) ([]Lead, error) {
	result, err := r.execute(func() (any, error) {
		var leads []Lead

		err := scope(r.DBConn.WithContext(ctx)).Find(&leads).Error
		if err != nil {
			logging.Logger.Error("["+operation+"] failed to fetch leads",
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return leads, nil
	})
	if err != nil {
		return nil, err
	}

	leads, ok := result.([]Lead)
	if !ok {
		return nil, ErrInvalidLeadSliceResult
	}

	return leads, nil
}

func (r *LeadRepository) FindByID(ctx context.Context, id string) (*Lead, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).Where("id = ?", id))
}

// FindByExternalCallID returns the most recently contacted lead dialed under callID.
func (r *LeadRepository) FindByExternalCallID(ctx context.Context, callID string) (*Lead, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).
		Where("external_call_id = ?", callID).
		Order("updated_at DESC"),
	)
}

// LockByID reads a lead with a row lock held until the transaction ends.
func (r *LeadRepository) LockByID(ctx context.Context, id string) (*Lead, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id),
	)
}

func (r *LeadRepository) first(ctx context.Context, query *gorm.DB) (*Lead, error) {
	result, err := r.execute(func() (any, error) {
		var lead Lead

		err := query.First(&lead).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("[first] failed to fetch lead",
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)
			}

			return nil, err
		}

		return &lead, nil
	})
	if err != nil {
		return nil, err
	}

	lead, ok := result.(*Lead)
	if !ok {
		return nil, ErrInvalidLeadResult
	}

	return lead, nil
}

// MarkQueued claims an eligible lead for dialing.
func (r *LeadRepository) MarkQueued(ctx context.Context, id string) (bool, error) {
	return r.update(ctx, "MarkQueued",
		r.model(ctx).Where("id = ? AND status IN ? AND retry_count < max_retries",
			id, []Status{StatusPending, StatusFailed}),
		map[string]any{"status": StatusQueued},
	)
}

// RevertQueued undoes MarkQueued when the dial was never attempted.
func (r *LeadRepository) RevertQueued(ctx context.Context, id string, previous Status) error {
	_, err := r.update(ctx, "RevertQueued",
		r.model(ctx).Where("id = ? AND status = ?", id, StatusQueued),
		map[string]any{"status": previous},
	)

	return err
}

// RecordDialSuccess books a placed call. A terminal result that already
// arrived through an event is kept.
func (r *LeadRepository) RecordDialSuccess(ctx context.Context, id, callID string) error {
	_, err := r.update(ctx, "RecordDialSuccess",
		r.model(ctx).Where("id = ?", id),
		map[string]any{
			"status": gorm.Expr("CASE WHEN status IN (?, ?) THEN status ELSE ? END",
				StatusCompleted, StatusFailed, StatusCompleted),
			"external_call_id":  callID,
			"attempts":          gorm.Expr("attempts + 1"),
			"retry_count":       0,
			"last_contacted_at": time.Now(),
		},
	)

	return err
}

// RecordDialFailure books a failed dial. Retryable failures send the lead back
// to pending until its retries run out; final ones exhaust it immediately.
func (r *LeadRepository) RecordDialFailure(ctx context.Context, id string, retryable bool) error {
	updates := map[string]any{
		"attempts": gorm.Expr("attempts + 1"),
	}

	if retryable {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
		updates["status"] = gorm.Expr(
			"CASE WHEN status = ? THEN status WHEN retry_count + 1 >= max_retries THEN ? ELSE ? END",
			StatusCompleted, StatusFailed, StatusPending,
		)
	} else {
		updates["retry_count"] = gorm.Expr("max_retries")
		updates["status"] = gorm.Expr("CASE WHEN status = ? THEN status ELSE ? END", StatusCompleted, StatusFailed)
	}

	_, err := r.update(ctx, "RecordDialFailure", r.model(ctx).Where("id = ?", id), updates)

	return err
}

// ApplyEvent writes reconciled fields onto a lead.
func (r *LeadRepository) ApplyEvent(ctx context.Context, id string, updates map[string]any) error {
	_, err := r.update(ctx, "ApplyEvent", r.model(ctx).Where("id = ?", id), updates)

	return err
}

// InsertIgnoringDuplicates inserts leads, silently skipping any that collide
// with an existing (campaign, phone) pair, and returns how many were stored.
func (r *LeadRepository) InsertIgnoringDuplicates(ctx context.Context, leads []Lead, batchSize int) (int64, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	result, err := r.execute(func() (any, error) {
		res := r.DBConn.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&leads, batchSize)
		if res.Error != nil {
			logging.Logger.Error("[InsertIgnoringDuplicates] failed to insert leads",
				zap.String("error", res.Error.Error()),
				zap.Int("count", len(leads)),
			)

			return nil, res.Error
		}

		return res.RowsAffected, nil
	})
	if err != nil {
		return 0, err
	}

	inserted, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidRowsResult
	}

	return inserted, nil
}

func (r *LeadRepository) model(ctx context.Context) *gorm.DB {
	return r.DBConn.WithContext(ctx).Model(&Lead{})
}

func (r *LeadRepository) update(
	ctx context.Context,
	operation string,
	query *gorm.DB,
	updates map[string]any,
) (bool, error) {
	result, err := r.execute(func() (any, error) {
		res := query.Updates(updates)
		if res.Error != nil {
			logging.Logger.Error("["+operation+"] failed to update lead",
				zap.String("error", res.Error.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return false, res.Error
		}

		return res.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	updated, ok := result.(bool)
	if !ok {
		return false, ErrInvalidLeadResult
	}

	return updated, nil
}
