package deadletter

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type DeadLetterWorker struct {
	WorkerPool *ants.Pool
	DLService  *DeadLetterService
}

func NewWorker(dlService *DeadLetterService) (*DeadLetterWorker, error) {
	workerPool, err := ants.NewPool(config.Conf.DeadLetterPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &DeadLetterWorker{
		WorkerPool: workerPool,
		DLService:  dlService,
	}, nil
}

func (dlWorker *DeadLetterWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Conf.DeadLetterEventInterval) * time.Minute)
	defer ticker.Stop()
	defer dlWorker.WorkerPool.Release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dlWorker.ProcessPending(ctx)
		}
	}
}

func (dlWorker *DeadLetterWorker) ProcessPending(ctx context.Context) {
	dlEvents, err := dlWorker.DLService.DLRepository.GetPendingEvents(ctx)
	if err != nil {
		return
	}

	if len(dlEvents) == 0 {
		logging.Logger.Debug("[ProcessPending] no dead letter events")
		return
	}

	logging.Logger.Info("[ProcessPending] start processing dead letter events", zap.Int("count", len(dlEvents)))

	for idx := range dlEvents {
		dlEvent := dlEvents[idx]

		err := dlWorker.WorkerPool.Submit(func() {
			dlWorker.DLService.ProcessDeadLetterEvent(ctx, &dlEvent)
		})
		if err != nil {
			logging.Logger.Error("[ProcessPending] failed to submit dead letter event",
				zap.String("call_id", dlEvent.CallID),
				zap.String("error", err.Error()),
			)
		}
	}
}
