package healthchecker

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/gateway"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/minio"
	"go.uber.org/zap"
)

// Checks build fresh clients because the app that owned the failing ones has
// already been torn down.

func CheckDB(context.Context) error {
	dbConn, err := database.NewDatabase()
	if err != nil {
		return err
	}

	database.Close(dbConn)

	return nil
}

func CheckGateway(ctx context.Context) error {
	gatewayService, err := gateway.NewService()
	if err != nil {
		logging.Logger.Error("failed to create gateway client", zap.String("error", err.Error()))
		return err
	}

	return gatewayService.Ping(ctx)
}

func CheckKafkaProducer(context.Context) error {
	kafkaProducer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("failed to create new kafka producer client", zap.String("error", err.Error()))
		return err
	}

	return kafkaProducer.Close()
}

func CheckMinio(ctx context.Context) error {
	archive, err := minio.NewEventArchive()
	if err != nil {
		logging.Logger.Error("failed to create new minio client", zap.String("error", err.Error()))
		return err
	}
	defer archive.Close()

	return archive.Ping(ctx)
}
