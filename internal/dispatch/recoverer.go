package dispatch

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

// Recoverer relaunches running campaigns that lost their loop: the flag was
// released after a fatal failure, or the owning process died and its
// heartbeat went stale.
type Recoverer struct {
	Campaigns  *campaign.CampaignRepository
	Dispatcher *Dispatcher
	StaleAfter time.Duration
	Interval   time.Duration
}

func NewRecoverer(campaigns *campaign.CampaignRepository, dispatcher *Dispatcher) *Recoverer {
	return &Recoverer{
		Campaigns:  campaigns,
		Dispatcher: dispatcher,
		StaleAfter: time.Duration(config.Conf.DispatchStaleAfter) * time.Second,
		Interval:   time.Duration(config.Conf.DispatchRecoveryInterval) * time.Second,
	}
}

func (r *Recoverer) Run(ctx context.Context) {
	r.RecoverOrphaned(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Logger.Info("[Run] campaign recoverer stopped")
			return
		case <-ticker.C:
			r.RecoverOrphaned(ctx)
		}
	}
}

// RecoverOrphaned reclaims and relaunches orphaned campaigns and returns how
// many loops it started.
func (r *Recoverer) RecoverOrphaned(ctx context.Context) int {
	staleBefore := time.Now().Add(-r.StaleAfter)

	ids, err := r.Campaigns.ListOrphaned(ctx, staleBefore)
	if err != nil {
		logging.Logger.Error("[RecoverOrphaned] failed to list orphaned campaigns", zap.String("error", err.Error()))
		return 0
	}

	launched := 0

	for _, id := range ids {
		if r.Dispatcher.IsActive(id) {
			continue
		}

		reclaimed, err := r.Campaigns.TryReclaim(ctx, id, staleBefore)
		if err != nil {
			logging.Logger.Error("[RecoverOrphaned] failed to reclaim campaign",
				zap.String("campaign_id", id),
				zap.String("error", err.Error()),
			)

			continue
		}

		if !reclaimed {
			continue
		}

		logging.Logger.Warn("[RecoverOrphaned] relaunching orphaned campaign", zap.String("campaign_id", id))

		err = r.Dispatcher.Launch(id)
		if err != nil {
			continue
		}

		launched++
	}

	return launched
}
