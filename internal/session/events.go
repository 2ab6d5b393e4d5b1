package session

import "family-calls/internal/calls"

type State string

const (
	StateIdle        State = "idle"
	StateSearching   State = "searching"
	StateCreating    State = "creating"
	StateAnswering   State = "answering"
	StateResuming    State = "resuming"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateTerminated  State = "terminated"
)

type EventType string

const (
	EventCallID       EventType = "call_id"
	EventConnecting   EventType = "connecting"
	EventConnected    EventType = "connected"
	EventReconnecting EventType = "reconnecting"
	EventEnded        EventType = "ended"
	EventReset        EventType = "reset"
	EventError        EventType = "error"
)

// Event is a lifecycle notification for UI and notification layers.
type Event struct {
	Type   EventType
	CallID string
	Reason calls.EndReason
	Err    error
}
