// Package events carries request status changes to whoever watches them:
// in-process subscribers (the SSE endpoint) and a Redis stream for other services.
package events

import (
	"context"
	"errors"

	"blood-request-engine/internal/entity"
)

type Publisher interface {
	Publish(ctx context.Context, event entity.RequestEvent) error
}

type Nop struct{}

func (Nop) Publish(context.Context, entity.RequestEvent) error {
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event entity.RequestEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
