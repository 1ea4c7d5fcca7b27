package api

import "context"

// Notifier delivers an outbound message. Delivery mechanics live elsewhere.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, subject, body string) error
}

// Auditor appends audit records. Callers treat failures as best-effort.
type Auditor interface {
	Audit(ctx context.Context, eventType, entityID string, details map[string]any) error
}

// Publisher broadcasts payloads to live subscribers (at-least-once).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// User is the subset of identity data the engine needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Directory answers read-only identity questions.
type Directory interface {
	ResolveRoles(ctx context.Context, userID string) ([]string, error)
	FindUsersByRole(ctx context.Context, role string) ([]User, error)
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, channel, recipient, subject, body string) error {
	return nil
}

// NoopAuditor drops every audit record.
type NoopAuditor struct{}

func (NoopAuditor) Audit(ctx context.Context, eventType, entityID string, details map[string]any) error {
	return nil
}

// NoopPublisher drops every broadcast.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, topic string, payload any) error { return nil }
