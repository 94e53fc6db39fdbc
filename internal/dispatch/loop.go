package dispatch

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/gateway"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"go.uber.org/zap"
)

const releaseTimeout = 10 * time.Second

var errLoopAbandoned = errors.New("dispatch loop abandoned after retries")

// run is one attempt of the dialing loop. It returns nil only after the
// processing flag has been handed back through a normal exit.
func (d *Dispatcher) run(campaignID string, handle *loopHandle) error {
	for {
		err := d.ctx.Err()
		if err != nil {
			return err
		}

		err = d.Campaigns.Heartbeat(d.ctx, campaignID)
		if err != nil {
			return err
		}

		current, err := d.Campaigns.GetByID(d.ctx, campaignID)
		if errors.Is(err, campaign.ErrNotFound) {
			logging.Logger.Info("[run] campaign deleted, exiting", zap.String("campaign_id", campaignID))
			return nil
		}

		if err != nil {
			return err
		}

		if current.Status != campaign.StatusRunning {
			released, err := d.Campaigns.ReleaseIfNotRunning(d.ctx, campaignID)
			if err != nil {
				return err
			}

			if released {
				logging.Logger.Info("[run] campaign no longer running, exiting",
					zap.String("campaign_id", campaignID),
					zap.String("status", string(current.Status)),
				)

				return nil
			}

			continue
		}

		leads, err := d.Leads.ListEligible(d.ctx, campaignID, d.Options.BatchSize)
		if err != nil {
			return err
		}

		if len(leads) == 0 {
			completed, err := d.Campaigns.CompleteIfRunning(d.ctx, campaignID)
			if err != nil {
				return err
			}

			if completed {
				logging.Logger.Info("[run] no eligible leads left, campaign completed",
					zap.String("campaign_id", campaignID),
				)

				return nil
			}

			continue
		}

		for i := range leads {
			proceed, err := d.dispatchLead(campaignID, &leads[i], handle)
			if err != nil {
				return err
			}

			if !proceed {
				break
			}
		}
	}
}

// dispatchLead dials one lead and paces afterwards. It reports false when the
// rest of the batch must be skipped because the campaign left running.
func (d *Dispatcher) dispatchLead(campaignID string, target *lead.Lead, handle *loopHandle) (bool, error) {
	err := d.Campaigns.Heartbeat(d.ctx, campaignID)
	if err != nil {
		return false, err
	}

	current, err := d.Campaigns.GetByID(d.ctx, campaignID)
	if err != nil {
		return false, err
	}

	if current.Status != campaign.StatusRunning {
		return false, nil
	}

	queued, err := d.Leads.MarkQueued(d.ctx, target.ID)
	if err != nil {
		return false, err
	}

	if !queued {
		return true, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), d.Options.GatewayTimeout)
	callID, dialErr := d.Gateway.Initiate(callCtx, gateway.CallRequest{
		Phone:      target.Phone,
		AgentID:    current.AgentID,
		CampaignID: campaignID,
		LeadID:     target.ID,
	})

	cancel()

	err = d.recordOutcome(campaignID, target, callID, dialErr)
	if err != nil {
		return false, err
	}

	return d.pace(campaignID, current.PacingInterval(), handle)
}

// recordOutcome books the dial result. Bookkeeping outlives shutdown so a
// placed call is never left queued.
func (d *Dispatcher) recordOutcome(campaignID string, target *lead.Lead, callID string, dialErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), releaseTimeout)
	defer cancel()

	switch {
	case dialErr == nil:
		prometheusDialer.DispatchAttempts.WithLabelValues("placed").Inc()

		return d.Leads.RecordDialSuccess(ctx, target.ID, callID)
	case errors.Is(dialErr, gateway.ErrCircuitOpen):
		prometheusDialer.DispatchAttempts.WithLabelValues("circuit_open").Inc()

		err := d.Leads.RevertQueued(ctx, target.ID, target.Status)
		if err != nil {
			return err
		}

		return dialErr
	case errors.Is(dialErr, gateway.ErrProviderRejected):
		prometheusDialer.DispatchAttempts.WithLabelValues("rejected").Inc()

		logging.Logger.Warn("[recordOutcome] provider rejected lead",
			zap.String("campaign_id", campaignID),
			zap.String("lead_id", target.ID),
			zap.String("error", dialErr.Error()),
		)

		return d.Leads.RecordDialFailure(ctx, target.ID, false)
	default:
		prometheusDialer.DispatchAttempts.WithLabelValues("unavailable").Inc()

		logging.Logger.Warn("[recordOutcome] call attempt failed",
			zap.String("campaign_id", campaignID),
			zap.String("lead_id", target.ID),
			zap.String("error", dialErr.Error()),
		)

		return d.Leads.RecordDialFailure(ctx, target.ID, true)
	}
}

// pace sleeps for the pacing interval. A wake ends the sleep early; the next
// status check decides whether dialing goes on. The heartbeat keeps being
// refreshed while sleeping so the recoverer never takes a paced campaign for
// an orphan.
func (d *Dispatcher) pace(campaignID string, interval time.Duration, handle *loopHandle) (bool, error) {
	if interval <= 0 {
		return true, nil
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	var heartbeat <-chan time.Time

	if d.Options.HeartbeatInterval > 0 && d.Options.HeartbeatInterval < interval {
		ticker := time.NewTicker(d.Options.HeartbeatInterval)
		defer ticker.Stop()

		heartbeat = ticker.C
	}

	for {
		select {
		case <-timer.C:
			return true, nil
		case <-handle.wake:
			return true, nil
		case <-heartbeat:
			err := d.Campaigns.Heartbeat(d.ctx, campaignID)
			if err != nil {
				return false, err
			}
		case <-d.ctx.Done():
			return false, d.ctx.Err()
		}
	}
}
