package logging

import (
	"os"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Logger *zap.Logger

func init() {
	var err error

	Logger, err = newLogger(config.Conf.LogLevel, config.Conf.LogFilePath)
	if err != nil {
		zap.NewExample().Fatal("Could not initialize logger", zap.String("error", err.Error()))
	}
}

// newLogger tees a JSON file core with a console core on stdout. The file core
// is skipped when no path is configured.
func newLogger(logLevel, filePath string) (*zap.Logger, error) {
	developmentEncoderConfig := zap.NewDevelopmentEncoderConfig()
	developmentEncoderConfig.ConsoleSeparator = "  "
	developmentEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		zap.NewExample().Info("Invalid log level, using info level")

		level = zapcore.InfoLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(developmentEncoderConfig),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if filePath != "" {
		productionEncoderConfig := zap.NewProductionEncoderConfig()
		productionEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		zapConfig := &zap.Config{
			Level:             zap.NewAtomicLevelAt(level),
			Development:       false,
			DisableCaller:     false,
			DisableStacktrace: false,
			Encoding:          "json",
			EncoderConfig:     productionEncoderConfig,
			OutputPaths:       []string{filePath},
		}

		fileLogger, err := zapConfig.Build()
		if err != nil {
			return nil, err
		}

		cores = append(cores, fileLogger.Core())
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
