package setup

import (
	"log/slog"
	"sync/atomic"

	"github.com/cochaviz/tavalid/internal/logging"
)

var packageLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used by host setup. Nil restores slog.Default.
func SetLogger(logger *slog.Logger) {
	packageLogger.Store(logger)
}

func getLogger() *slog.Logger {
	return logging.Ensure(packageLogger.Load())
}
