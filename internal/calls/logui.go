package calls

import (
	"log/slog"

	"github.com/crosspoint/crosspoint/internal/call"
)

// LogUI is the default in-call UI sink: it records UI transitions in the log.
// Deployments with a real UI surface replace it.
type LogUI struct {
	logger *slog.Logger
}

// NewLogUI creates a log-only UI sink.
func NewLogUI(logger *slog.Logger) *LogUI {
	return &LogUI{logger: logger.With("subsystem", "incall-ui")}
}

func (u *LogUI) AddCall(c *call.Call) {
	u.logger.Info("ui add call", "call_id", c.ID(), "state", c.State())
}

func (u *LogUI) MarkActive(callID string) {
	u.logger.Info("ui call active", "call_id", callID)
}

func (u *LogUI) MarkDisconnected(callID string) {
	u.logger.Info("ui call disconnected", "call_id", callID)
}

func (u *LogUI) Unbind() {
	u.logger.Info("ui unbound")
}
