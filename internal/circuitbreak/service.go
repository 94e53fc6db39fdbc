package circuitbreak

import (
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

var CircuitBreakChan chan string

const (
	GatewayService       = "gateway"
	DBService            = "database"
	MinioService         = "minio"
	KafkaProducerService = "kafka_producer"
)

func Init() {
	CircuitBreakChan = make(chan string, 1)
}

// TriggerError reports an opened breaker to the health checker. Only the first
// report per app lifetime is kept; the rest are dropped since the app restarts anyway.
func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Warn("[TriggerError] circuit break channel is not initialized",
			zap.String("service", service),
		)

		return
	}

	select {
	case CircuitBreakChan <- service:
	default:
		logging.Logger.Warn("[TriggerError] circuit break already pending", zap.String("service", service))
	}
}
