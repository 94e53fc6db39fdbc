package campaign

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

type CampaignRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *CampaignRepository {
	return &CampaignRepository{
		DBConn:         dbConn,
		CircuitBreaker: database.NewCircuitBreaker(),
	}
}

// WithTx binds the repository to a running transaction. The enclosing
// operation owns the circuit breaker.
func (r *CampaignRepository) WithTx(tx *gorm.DB) *CampaignRepository {
	return &CampaignRepository{DBConn: tx}
}

func (r *CampaignRepository) execute(fn func() (any, error)) (any, error) {
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

func (r *CampaignRepository) Create(ctx context.Context, campaign *Campaign) error {
	_, err := r.execute(func() (any, error) {
		err := r.DBConn.WithContext(ctx).Create(campaign).Error
		if err != nil {
			logging.Logger.Error("[Create] failed to create campaign", zap.String("error", err.Error()))
			return nil, err
		}

		return campaign, nil
	})

	return err
}

// GetByID always reads from the store, never from a cache.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*Campaign, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).Where("id = ?", id))
}

func (r *CampaignRepository) GetForOrganization(ctx context.Context, organizationID, id string) (*Campaign, error) {
	return r.first(ctx, r.DBConn.WithContext(ctx).Where("id = ? AND organization_id = ?", id, organizationID))
}

func (r *CampaignRepository) Exists(ctx context.Context, id string) (bool, error) {
	result, err := r.execute(func() (any, error) {
		var count int64

		err := r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id).Count(&count).Error

		return count > 0, err
	})
	if err != nil {
		return false, err
	}

	exists, ok := result.(bool)
	if !ok {
		return false, ErrInvalidCampaignResult
	}

	return exists, nil
}

func (r *CampaignRepository) first(ctx context.Context, query *gorm.DB) (*Campaign, error) {
	result, err := r.execute(func() (any, error) {
		var campaign Campaign

		err := query.First(&campaign).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				logging.Logger.Error("[GetByID] failed to fetch campaign",
					zap.String("error", err.Error()),
					zap.Bool("is_context_error", ctx.Err() != nil),
				)
			}

			return nil, err
		}

		return &campaign, nil
	})
	if err != nil {
		return nil, err
	}

	campaign, ok := result.(*Campaign)
	if !ok {
		return nil, ErrInvalidCampaignResult
	}

	return campaign, nil
}

func (r *CampaignRepository) ListForOrganization(ctx context.Context, organizationID string) ([]Campaign, error) {
	result, err := r.execute(func() (any, error) {
		var campaigns []Campaign

		err := r.DBConn.WithContext(ctx).
			Where("organization_id = ?", organizationID).
			Order("created_at DESC").
			Find(&campaigns).Error

		return campaigns, err
	})
	if err != nil {
		return nil, err
	}

	campaigns, ok := result.([]Campaign)
	if !ok {
		return nil, ErrInvalidCampaignSliceResult
	}

	return campaigns, nil
}

// Delete removes the campaign with its leads and detaches its call records.
// Running campaigns are refused.
func (r *CampaignRepository) Delete(ctx context.Context, organizationID, id string) error {
	_, err := r.execute(func() (any, error) {
		err := r.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var campaign Campaign

			err := tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
				Where("id = ? AND organization_id = ?", id, organizationID).
				First(&campaign).Error
			if err != nil {
				return err
			}

			if campaign.Status == StatusRunning {
				return ErrInvalidTransition
			}

			err = tx.Exec("DELETE FROM leads WHERE campaign_id = ?", id).Error
			if err != nil {
				return err
			}

			err = tx.Exec("UPDATE call_records SET campaign_id = NULL, lead_id = NULL WHERE campaign_id = ?", id).Error
			if err != nil {
				return err
			}

			return tx.Delete(&campaign).Error
		})

		if errors.Is(err, ErrInvalidTransition) {
			return nil, errors.Join(err, database.ErrDomain)
		}

		return nil, err
	})

	return err
}

// TryStart moves a draft or paused campaign to running and takes the
// processing flag in one statement.
func (r *CampaignRepository) TryStart(ctx context.Context, id string) (bool, error) {
	return r.conditionalUpdate(ctx, "TryStart",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).
			Where("id = ? AND status IN ? AND is_processing = ?", id, []Status{StatusDraft, StatusPaused}, false),
		map[string]any{
			"status":                  StatusRunning,
			"is_processing":           true,
			"processing_heartbeat_at": time.Now(),
		},
	)
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	return r.conditionalUpdate(ctx, "TransitionStatus",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ? AND status IN ?", id, from),
		map[string]any{"status": to},
	)
}

// TryAcquireProcessing takes the processing flag of a running campaign that
// no loop owns.
func (r *CampaignRepository) TryAcquireProcessing(ctx context.Context, id string) (bool, error) {
	return r.conditionalUpdate(ctx, "TryAcquireProcessing",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).
			Where("id = ? AND status = ? AND is_processing = ?", id, StatusRunning, false),
		map[string]any{
			"is_processing":           true,
			"processing_heartbeat_at": time.Now(),
		},
	)
}

// ReleaseIfNotRunning clears the flag unless the campaign was set back to
// running in the meantime, in which case the caller keeps ownership.
func (r *CampaignRepository) ReleaseIfNotRunning(ctx context.Context, id string) (bool, error) {
	return r.conditionalUpdate(ctx, "ReleaseIfNotRunning",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ? AND status <> ?", id, StatusRunning),
		map[string]any{"is_processing": false},
	)
}

func (r *CampaignRepository) CompleteIfRunning(ctx context.Context, id string) (bool, error) {
	return r.conditionalUpdate(ctx, "CompleteIfRunning",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ? AND status = ?", id, StatusRunning),
		map[string]any{
			"status":        StatusCompleted,
			"is_processing": false,
		},
	)
}

func (r *CampaignRepository) ReleaseProcessing(ctx context.Context, id string) error {
	_, err := r.conditionalUpdate(ctx, "ReleaseProcessing",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id),
		map[string]any{"is_processing": false},
	)

	return err
}

func (r *CampaignRepository) Heartbeat(ctx context.Context, id string) error {
	_, err := r.conditionalUpdate(ctx, "Heartbeat",
		r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ? AND is_processing = ?", id, true),
		map[string]any{"processing_heartbeat_at": time.Now()},
	)

	return err
}

// ListOrphaned returns running campaigns whose loop is gone: the flag is
// clear, or its heartbeat is older than staleBefore.
func (r *CampaignRepository) ListOrphaned(ctx context.Context, staleBefore time.Time) ([]string, error) {
	result, err := r.execute(func() (any, error) {
		var ids []string

		err := r.orphaned(r.DBConn.WithContext(ctx).Model(&Campaign{}), staleBefore).
			Order("updated_at ASC").
			Pluck("id", &ids).Error

		return ids, err
	})
	if err != nil {
		return nil, err
	}

	ids, ok := result.([]string)
	if !ok {
		return nil, ErrInvalidCampaignSliceResult
	}

	return ids, nil
}

// TryReclaim takes over an orphaned campaign. The orphan condition is
// re-checked in the same statement so only one reclaimer wins.
func (r *CampaignRepository) TryReclaim(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	return r.conditionalUpdate(ctx, "TryReclaim",
		r.orphaned(r.DBConn.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id), staleBefore),
		map[string]any{
			"is_processing":           true,
			"processing_heartbeat_at": time.Now(),
		},
	)
}

func (r *CampaignRepository) orphaned(query *gorm.DB, staleBefore time.Time) *gorm.DB {
	return query.Where(
		"status = ? AND (is_processing = ? OR processing_heartbeat_at IS NULL OR processing_heartbeat_at < ?)",
		StatusRunning, false, staleBefore,
	)
}

func (r *CampaignRepository) conditionalUpdate(
	ctx context.Context,
	operation string,
	query *gorm.DB,
	updates map[string]any,
) (bool, error) {
	result, err := r.execute(func() (any, error) {
		res := query.Updates(updates)
		if res.Error != nil {
			logging.Logger.Error("["+operation+"] failed to update campaign",
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
		return false, ErrInvalidCampaignResult
	}

	return updated, nil
}
