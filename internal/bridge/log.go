package bridge

import (
	"context"
	"log/slog"
)

// LogAuditor writes audit records to a slog.Logger.
type LogAuditor struct {
	Logger *slog.Logger
}

func (a LogAuditor) Audit(ctx context.Context, eventType, entityID string, details map[string]any) error {
	l := a.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "audit",
		slog.String("event_type", eventType),
		slog.String("entity_id", entityID),
		slog.Any("details", details),
	)
	return nil
}

// LogNotifier logs notifications instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, channel, recipient, subject, body string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification",
		slog.String("channel", channel),
		slog.String("recipient", recipient),
		slog.String("subject", subject),
	)
	return nil
}
