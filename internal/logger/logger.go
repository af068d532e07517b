// Package logger initializes the zap logger used throughout tempgres.
package logger

import (
	"fmt"
	"os"
	"testing"

	"github.com/veiloq/tempgres/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// InitLogger initializes the zap logger: a zaptest logger when a *testing.T
// is available, a development logger writing to stdout and .tempgres/LOG
// otherwise. It returns the logger and a flag telling whether it is a test
// logger.
func InitLogger(t *testing.T, settings *config.Settings) (*zap.Logger, bool, error) {
	if t != nil {
		zaptestOpts := []zaptest.LoggerOption{}
		if settings != nil && settings.ZapTestLevel() != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*settings.ZapTestLevel()))
		}
		logger := zaptest.NewLogger(t, zaptestOpts...)
		if settings != nil && len(settings.ZapOptions()) > 0 {
			logger = logger.WithOptions(settings.ZapOptions()...)
		}
		logger.Debug("Initialized zaptest logger")
		return logger, true, nil
	}

	logDir := ".tempgres"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	logFilePath := fmt.Sprintf("%s/LOG", logDir)

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stdout", logFilePath}
	devConfig.ErrorOutputPaths = []string{"stderr", logFilePath}

	zapBaseOpts := []zap.Option{zap.AddCallerSkip(1)}
	if settings != nil {
		zapBaseOpts = append(zapBaseOpts, settings.ZapOptions()...)
	}
	logger, err := devConfig.Build(zapBaseOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create default zap logger: %w", err)
	}
	logger.Debug("Initialized default zap development logger (no *testing.T provided)")
	return logger, false, nil
}
