package scrape

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the messages delivered to subscribers.
type EventKind string

// Subscriber-facing event kinds.
const (
	KindProgress EventKind = "progress"
	KindComplete EventKind = "complete"
	KindError    EventKind = "error"
)

// Event is one message emitted by a run. Only the fields matching Kind are
// serialized.
type Event struct {
	Kind    EventKind
	Current int
	Total   int
	Data    []Record
	Message string
}

// ProgressEvent reports that page current of total completed.
func ProgressEvent(current, total int) Event {
	return Event{Kind: KindProgress, Current: current, Total: total}
}

// ChunkEvent carries one chunk of parsed records.
func ChunkEvent(records []Record) Event {
	return Event{Kind: KindComplete, Data: records}
}

// ErrorEvent reports that the run aborted.
func ErrorEvent(message string) Event {
	return Event{Kind: KindError, Message: message}
}

type progressWire struct {
	Type    EventKind `json:"type"`
	Current int       `json:"current"`
	Total   int       `json:"total"`
}

type completeWire struct {
	Type EventKind `json:"type"`
	Data []Record  `json:"data"`
}

type errorWire struct {
	Type    EventKind `json:"type"`
	Message string    `json:"message"`
}

// MarshalJSON renders the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindProgress:
		return json.Marshal(progressWire{Type: e.Kind, Current: e.Current, Total: e.Total})
	case KindComplete:
		data := e.Data
		if data == nil {
			data = []Record{}
		}
		return json.Marshal(completeWire{Type: e.Kind, Data: data})
	case KindError:
		return json.Marshal(errorWire{Type: e.Kind, Message: e.Message})
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// UnmarshalJSON decodes any of the wire shapes.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type    EventKind `json:"type"`
		Current int       `json:"current"`
		Total   int       `json:"total"`
		Data    []Record  `json:"data"`
		Message string    `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	switch raw.Type {
	case KindProgress, KindComplete, KindError:
	default:
		return fmt.Errorf("unknown event kind %q", raw.Type)
	}
	*e = Event{
		Kind:    raw.Type,
		Current: raw.Current,
		Total:   raw.Total,
		Data:    raw.Data,
		Message: raw.Message,
	}
	return nil
}
