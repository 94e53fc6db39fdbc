package healthchecker

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

type CheckFunc func(ctx context.Context) error

// Healthchecker stops the app when a dependency's breaker opens and then
// polls that dependency until it answers again.
type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
	Checks        map[string]CheckFunc
	Interval      time.Duration
}

func NewService(ctxCancelFunc context.CancelFunc, checks map[string]CheckFunc) *Healthchecker {
	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
		Checks:        checks,
		Interval:      time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second,
	}
}

// DefaultChecks covers every dependency that reports to the breaker channel.
func DefaultChecks() map[string]CheckFunc {
	checks := map[string]CheckFunc{
		circuitbreak.DBService:      CheckDB,
		circuitbreak.GatewayService: CheckGateway,
	}

	if config.Conf.KafkaEnabled {
		checks[circuitbreak.KafkaProducerService] = CheckKafkaProducer
	}

	if config.Conf.MinioEnabled {
		checks[circuitbreak.MinioService] = CheckMinio
	}

	return checks
}

func (h *Healthchecker) TriggerError(service string) {
	logging.Logger.Error("service error happened", zap.String("service", service))
	h.ErrorService = service
	h.CtxCancelFunc()
}

// Monitor blocks until a breaker opens or ctx is done.
func (h *Healthchecker) Monitor(ctx context.Context) {
	logging.Logger.Info("health checker monitor start successfully")

	select {
	case serviceName := <-circuitbreak.CircuitBreakChan:
		logging.Logger.Info("circuit break happened", zap.String("service", serviceName))
		h.TriggerError(serviceName)
	case <-ctx.Done():
	}
}

// Check waits until the failed service is healthy. It returns false when ctx
// ends first.
func (h *Healthchecker) Check(ctx context.Context) bool {
	if h.ErrorService == "" {
		logging.Logger.Error("healthchecker error service is empty")
		return true
	}

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		ok := h.checkErrorService(ctx)
		if ok {
			h.ErrorService = ""
			return true
		}
	}
}

func (h *Healthchecker) checkErrorService(ctx context.Context) bool {
	check, ok := h.Checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("Unknown service in checkErrorService", zap.String("service", h.ErrorService))
		return false
	}

	err := check(ctx)
	if err != nil {
		logging.Logger.Warn(h.ErrorService+" service still unhealthy", zap.String("error", err.Error()))
		return false
	}

	logging.Logger.Info(h.ErrorService + " service back healthy")

	return true
}
