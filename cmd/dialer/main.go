package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/dialer"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	err := config.Validate()
	if err != nil {
		logging.Logger.Fatal("invalid configuration", zap.String("error", err.Error()))
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go prometheus.Run(rootCtx)

	for {
		ctx, cancel := context.WithCancel(rootCtx)

		app, err := dialer.NewApp(ctx, cancel)
		if err != nil {
			cancel()
			logging.Logger.Fatal("failed to create dialer app", zap.String("error", err.Error()))
		}

		err = app.Run(ctx)

		cancel()

		if err != nil {
			logging.Logger.Fatal("dialer app stopped with error", zap.String("error", err.Error()))
		}

		if rootCtx.Err() != nil {
			logging.Logger.Info("dialer stopped by signal")
			return
		}

		if !app.HealthCheckerService.Check(rootCtx) {
			return
		}

		logging.Logger.Info("restarting dialer app", zap.String("recovered_service", app.HealthCheckerService.ErrorService))
	}
}
