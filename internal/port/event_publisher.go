package port

import (
	"context"

	"github.com/rl1809/inventory-sync/internal/core/domain"
)

// EventPublisher ships committed mutation events out of the process.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.MutationEvent) error
}

// EventRelay fans events out to every server instance, including the sender.
type EventRelay interface {
	EventPublisher
	Subscribe(ctx context.Context) (<-chan domain.MutationEvent, error)
}
