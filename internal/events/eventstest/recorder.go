// Package eventstest records published events for assertions.
package eventstest

import (
	"context"
	"sync"

	"github.com/bookstore/services/storefront/internal/events"
)

// Recorder is a Bus that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	Err    error
}

func (r *Recorder) Publish(ctx context.Context, eventType string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.NewEvent(ctx, eventType, payload))
	return r.Err
}

func (r *Recorder) IsHealthy() bool { return true }

func (r *Recorder) Close() error { return nil }

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.EventType)
	}
	return types
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(eventType string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EventType == eventType {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}
