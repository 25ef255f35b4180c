package push

import (
	"log/slog"

	"github.com/crosspoint/crosspoint/internal/call"
)

// LogRinger is the fallback ringer used when no push credentials are
// configured. It records ring transitions in the log and nothing else.
type LogRinger struct {
	logger *slog.Logger
}

// NewLogRinger creates a log-only ringer.
func NewLogRinger(logger *slog.Logger) *LogRinger {
	return &LogRinger{logger: logger.With("subsystem", "ringer")}
}

func (r *LogRinger) StartRinging(c *call.Call) {
	r.logger.Info("ringing", "call_id", c.ID(), "handle", c.Handle())
}

func (r *LogRinger) StopRinging() {
	r.logger.Info("ringing stopped")
}
