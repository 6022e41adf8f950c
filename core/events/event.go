package events

import "github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"

// Event represents a structured state change emitted by a program.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the journal or
// websocket streams).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload adapts a bare *types.Event to the Event interface.
type Payload struct {
	Evt *types.Event
}

func (p Payload) EventType() string {
	if p.Evt == nil {
		return ""
	}
	return p.Evt.Type
}

func (p Payload) Event() *types.Event { return p.Evt }

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
