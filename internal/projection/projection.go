// Package projection holds the handlers that derive read views from the
// event log.
package projection

import (
	"context"

	"timelines/internal/models"
)

// Wildcard subscribes a projection to every event type.
const Wildcard = "*"

// Projection derives state from events of the types it declares.
//
// Process may run concurrently with other projections handling the same
// event and must tolerate redelivery of an event it has already seen.
type Projection interface {
	Name() string
	EventTypes() []string
	Process(ctx context.Context, ev models.EventRecord) error
}

// ErrorHandler is implemented by projections that compensate for their own
// processing failures.
type ErrorHandler interface {
	OnError(ctx context.Context, cause error, ev models.EventRecord) error
}

// Wants reports whether p is interested in eventType.
func Wants(p Projection, eventType string) bool {
	for _, t := range p.EventTypes() {
		if t == Wildcard || t == eventType {
			return true
		}
	}
	return false
}

func eventTypesOrDefault(types []string) []string {
	if len(types) == 0 {
		return []string{models.EventTypeDehumidifier}
	}
	out := make([]string, len(types))
	copy(out, types)
	return out
}
