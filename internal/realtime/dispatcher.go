package realtime

import (
	"github.com/rs/zerolog"

	"github.com/nightdesk/syncd/internal/protocol"
)

// Handler receives a typed event. Handlers for one event type run in
// registration order.
type Handler func(Event)

// Dispatcher fans decoded frames out to registered handlers. A frame type
// outside the closed set is logged and dropped; a panicking handler is
// isolated so the remaining handlers still receive the event.
type Dispatcher struct {
	log      zerolog.Logger
	handlers map[string][]Handler
}

// NewDispatcher creates an empty dispatcher. Registration happens before
// the frame loop starts, so no locking is needed on the hot path.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		handlers: make(map[string][]Handler),
	}
}

// On registers a handler for an event type (a protocol.Event* constant).
func (d *Dispatcher) On(eventType string, h Handler) {
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Dispatch decodes a frame and delivers it. It never panics and never
// returns an error: stream resilience beats strictness here.
func (d *Dispatcher) Dispatch(msg *protocol.Message) {
	event, err := Decode(msg)
	if err != nil {
		d.log.Debug().Err(err).Str("type", msg.Type).Msg("dropping frame")
		return
	}

	for _, h := range d.handlers[event.EventType()] {
		d.invoke(h, event)
	}
}

// invoke runs one handler with panic isolation.
func (d *Dispatcher) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Str("event", event.EventType()).
				Msg("event handler panicked")
		}
	}()
	h(event)
}
