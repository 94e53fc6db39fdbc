package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func NewServer(handler http.Handler) *http.Server {
	timeout := time.Duration(config.Conf.HTTPTimeout) * time.Second

	return &http.Server{
		Addr:              ":" + config.Conf.HTTPPort,
		Handler:           handler,
		ReadTimeout:       timeout,
		ReadHeaderTimeout: timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout,
	}
}

// Serve runs server until ctx is done and then drains in-flight requests.
func Serve(ctx context.Context, server *http.Server) error {
	serveErr := make(chan error, 1)

	go func() {
		logging.Logger.Info("[Serve] start http server", zap.String("addr", server.Addr))

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}

		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logging.Logger.Error("[Serve] http server failed", zap.String("error", err.Error()))
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		logging.Logger.Error("[Serve] failed to shutdown http server", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("[Serve] http server stopped")

	return nil
}
