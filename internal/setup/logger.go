package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/cellar/internal/logging"
)

var setupLogger atomic.Pointer[slog.Logger]

// SetLogger routes provisioning messages to logger. A nil logger restores
// the process default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		setupLogger.Store(nil)
		return
	}
	setupLogger.Store(logging.Component(logger, "setup"))
}

func getLogger() *slog.Logger {
	if logger := setupLogger.Load(); logger != nil {
		return logger
	}
	return logging.Component(nil, "setup")
}
