package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log. It is the
// fallback sink when no chat channel is configured.
type ConsoleAlerter struct {
	logger *slog.Logger
}

func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

func (c *ConsoleAlerter) Name() string { return "console" }

// Alert logs the alert at a level matching its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, severityLevel(severity), "[ALERT] "+message, attrs...)
	return nil
}

func severityLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
