// Package dispatch runs one dialing loop per running campaign.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/gateway"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const alertComponent = "dispatch"

type Gateway interface {
	Initiate(ctx context.Context, req gateway.CallRequest) (string, error)
}

type Alerter interface {
	Report(ctx context.Context, component, subject string, err error, attributes map[string]string)
}

type Options struct {
	BatchSize      int
	PoolSize       int
	GatewayTimeout time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
	RetryMaxDelay  time.Duration

	// HeartbeatInterval must stay well below the recoverer's stale threshold.
	HeartbeatInterval time.Duration
}

func OptionsFromConfig() Options {
	return Options{
		BatchSize:         config.Conf.DispatchBatchSize,
		PoolSize:          config.Conf.DispatchPoolSize,
		GatewayTimeout:    time.Duration(config.Conf.ProviderTimeout) * time.Second,
		RetryAttempts:     config.Conf.DispatchRetryMaxAttempts,
		RetryDelay:        time.Duration(config.Conf.DispatchRetryDelay) * time.Second,
		RetryMaxDelay:     time.Duration(config.Conf.DispatchRetryMaxDelay) * time.Second,
		HeartbeatInterval: time.Duration(config.Conf.DispatchStaleAfter) * time.Second / 3,
	}
}

// loopHandle identifies one loop instance. A campaign may briefly have an
// exiting handle replaced by a fresh one after a resume.
type loopHandle struct {
	wake chan struct{}
}

type Dispatcher struct {
	Campaigns  *campaign.CampaignRepository
	Leads      *lead.LeadRepository
	Gateway    Gateway
	Alerter    Alerter
	WorkerPool *ants.Pool
	Options    Options

	ctx   context.Context
	mu    sync.Mutex
	loops map[string]*loopHandle
	wg    sync.WaitGroup
}

// NewDispatcher binds loops to ctx; cancelling it stops every loop and releases
// the campaigns they hold.
func NewDispatcher(
	ctx context.Context,
	campaigns *campaign.CampaignRepository,
	leads *lead.LeadRepository,
	gw Gateway,
	alerter Alerter,
	options Options,
) (*Dispatcher, error) {
	workerPool, err := ants.NewPool(options.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		logging.Logger.Error("[NewDispatcher] failed to create worker pool", zap.String("error", err.Error()))
		return nil, err
	}

	return &Dispatcher{
		Campaigns:  campaigns,
		Leads:      leads,
		Gateway:    gw,
		Alerter:    alerter,
		WorkerPool: workerPool,
		Options:    options,
		ctx:        ctx,
		loops:      make(map[string]*loopHandle),
	}, nil
}

// Launch starts a loop for a campaign whose processing flag the caller holds.
// If the loop cannot be scheduled the flag is released.
func (d *Dispatcher) Launch(campaignID string) error {
	handle := &loopHandle{wake: make(chan struct{}, 1)}

	d.mu.Lock()
	d.loops[campaignID] = handle
	d.mu.Unlock()

	d.wg.Add(1)

	err := d.WorkerPool.Submit(func() {
		defer d.wg.Done()
		defer d.unregister(campaignID, handle)

		d.host(campaignID, handle)
	})
	if err != nil {
		d.wg.Done()
		d.unregister(campaignID, handle)

		logging.Logger.Error("[Launch] failed to submit dispatch loop",
			zap.String("campaign_id", campaignID),
			zap.String("error", err.Error()),
		)

		d.release(campaignID)

		return err
	}

	logging.Logger.Info("[Launch] dispatch loop submitted", zap.String("campaign_id", campaignID))

	return nil
}

// Wake interrupts the pacing sleep of the campaign's loop so it re-reads the
// campaign status immediately.
func (d *Dispatcher) Wake(campaignID string) {
	d.mu.Lock()
	handle, ok := d.loops[campaignID]
	d.mu.Unlock()

	if !ok {
		return
	}

	select {
	case handle.wake <- struct{}{}:
	default:
	}
}

// IsActive reports whether this process runs a loop for the campaign.
func (d *Dispatcher) IsActive(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.loops[campaignID]

	return ok
}

// Wait blocks until every submitted loop has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Close() {
	d.Wait()
	d.WorkerPool.Release()
}

func (d *Dispatcher) unregister(campaignID string, handle *loopHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loops[campaignID] == handle {
		delete(d.loops, campaignID)
	}
}

// host reruns a failing loop with backoff. Once the retries are spent the flag
// is released and the campaign stays running for the recoverer to pick up.
func (d *Dispatcher) host(campaignID string, handle *loopHandle) {
	prometheusDialer.ActiveDispatchLoops.Inc()
	defer prometheusDialer.ActiveDispatchLoops.Dec()

	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Error("[host] panic in dispatch loop",
				zap.String("campaign_id", campaignID),
				zap.Any("recover", r),
			)

			d.release(campaignID)
		}
	}()

	err := retry.Do(
		func() error {
			return d.run(campaignID, handle)
		},
		retry.Context(d.ctx),
		retry.LastErrorOnly(true),
		retry.Attempts(max(d.Options.RetryAttempts, 1)),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(d.Options.RetryDelay),
		retry.MaxDelay(d.Options.RetryMaxDelay),
		retry.OnRetry(func(n uint, err error) {
			logging.Logger.Warn("[host] dispatch loop failed, retrying",
				zap.String("campaign_id", campaignID),
				zap.Uint("attempt", n+1),
				zap.String("error", err.Error()),
			)
		}),
	)
	if err == nil {
		return
	}

	d.release(campaignID)

	if d.ctx.Err() != nil {
		logging.Logger.Info("[host] dispatch loop stopped by shutdown", zap.String("campaign_id", campaignID))
		return
	}

	prometheusDialer.DispatchLoopFailures.Inc()

	d.Alerter.Report(context.WithoutCancel(d.ctx), alertComponent, campaignID,
		errors.Join(errLoopAbandoned, err),
		map[string]string{"attempts": strconv.FormatUint(uint64(d.Options.RetryAttempts), 10)},
	)
}

func (d *Dispatcher) release(campaignID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), releaseTimeout)
	defer cancel()

	err := d.Campaigns.ReleaseProcessing(ctx, campaignID)
	if err != nil {
		logging.Logger.Error("[release] failed to clear processing flag",
			zap.String("campaign_id", campaignID),
			zap.String("error", err.Error()),
		)
	}
}
