package events

import "time"

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. websocket
// streams, brokers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record is the flattened wire form of an event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	At         time.Time         `json:"at"`
}

// Recordable events know how to flatten themselves.
type Recordable interface {
	Event
	Record() Record
}

// ToRecord flattens ev. Events that do not implement Recordable only carry
// their type.
func ToRecord(ev Event) Record {
	if ev == nil {
		return Record{}
	}
	if r, ok := ev.(Recordable); ok {
		return r.Record()
	}
	return Record{Type: ev.EventType(), Attributes: map[string]string{}}
}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(ev Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(ev)
		}
	}
}
