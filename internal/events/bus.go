package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an in-process publish-subscribe hub. Handlers run on their own
// goroutines; a panicking or failing handler is logged and never affects the emitter.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	closed   bool
	inflight sync.WaitGroup
}

type subscription struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscription),
	}
}

// Subscribe registers a named handler for an event type.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{name: name, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes every handler registered under name for an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	current := eb.handlers[eventType]
	kept := current[:0:0]
	for _, s := range current {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	eb.handlers[eventType] = kept
}

// snapshot returns the handlers for an event type, or nil once the bus is closed.
func (eb *EventBus) snapshot(eventType EventType) []subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return nil
	}
	subs := eb.handlers[eventType]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

// Emit delivers an event to all handlers without waiting for them.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Reserve in-flight slots under the read lock so Stop cannot start waiting
	// between the snapshot and the Add.
	eb.mu.RLock()
	if eb.closed || len(eb.handlers[event.Type]) == 0 {
		eb.mu.RUnlock()
		return
	}
	subs := make([]subscription, len(eb.handlers[event.Type]))
	copy(subs, eb.handlers[event.Type])
	eb.inflight.Add(len(subs))
	eb.mu.RUnlock()

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		go func(s subscription) {
			defer eb.inflight.Done()
			_ = dispatch(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers an event and waits for every handler. It returns the first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	subs := eb.snapshot(event.Type)
	if len(subs) == 0 {
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for i, s := range subs {
		go func(i int, s subscription) {
			defer wg.Done()
			errs[i] = dispatch(ctx, s, event)
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one handler, converting a panic into a logged no-op.
func dispatch(ctx context.Context, s subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Stop rejects further events and waits for in-flight asynchronous handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	eb.closed = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
