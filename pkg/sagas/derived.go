package sagas

import (
	"context"
	"fmt"

	"github.com/randalmurphal/recordsaga/pkg/event"
	"github.com/randalmurphal/recordsaga/pkg/saga"
)

// emitEventsStep publishes eventType to bus using the bag's record id as the
// correlating identifier. A Step's Forward only ever sees its Bag, never the
// Executor's internal saga ID, so the record id is the best available
// correlation token here — good enough for a derived notification sink.
func emitEventsStep(bus event.Bus, eventType string) saga.Step {
	return saga.Step{
		Name:        "emit_events",
		Criticality: saga.Derived,
		Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
			id := bagString(bag, "id")
			evt := event.NewEvent(eventType, id, map[string]any{
				"id":    id,
				"type":  bagString(bag, "type"),
				"title": bagString(bag, "title"),
			})
			if err := bus.Publish(ctx, evt); err != nil {
				return nil, fmt.Errorf("publish %s: %w", eventType, err)
			}
			return bag, nil
		},
	}
}

// updateIndexStep reindexes the record's current content. Derived:
// best-effort, never triggers compensation.
func updateIndexStep(reindexer Reindexer) saga.Step {
	return saga.Step{
		Name:        "update_index",
		Criticality: saga.Derived,
		Forward: func(ctx context.Context, bag saga.Bag) (saga.Bag, error) {
			id := bagString(bag, "id")
			if err := reindexer.Index(ctx, id, bagString(bag, "type"), bagString(bag, "title"), bagString(bag, "content")); err != nil {
				return nil, fmt.Errorf("index %s: %w", id, err)
			}
			return bag, nil
		},
	}
}
