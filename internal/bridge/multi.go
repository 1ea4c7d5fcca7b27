package bridge

import (
	"context"
	"errors"

	"github.com/petrijr/stepflow/pkg/api"
)

// MultiPublisher publishes to every wrapped publisher and joins their errors.
type MultiPublisher []api.Publisher

func (m MultiPublisher) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiAuditor writes to every wrapped auditor and joins their errors.
type MultiAuditor []api.Auditor

func (m MultiAuditor) Audit(ctx context.Context, eventType, entityID string, details map[string]any) error {
	var errs []error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Audit(ctx, eventType, entityID, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
