package notify

import (
	"context"
	"log/slog"
)

// LogDispatcher logs deliveries instead of sending them. Used when Twilio
// credentials are not configured, so local development still sees the codes.
type LogDispatcher struct {
	Logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{Logger: logger}
}

func (d *LogDispatcher) Deliver(_ context.Context, channel, address string, p Payload) (string, error) {
	d.Logger.Info("test-mode delivery", "channel", channel, "address", address, "body", p.Body, "script", p.Script)
	return "test-mode", nil
}
