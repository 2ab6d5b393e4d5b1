package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle step.
//
// Invariants:
// - Events are never updated or deleted.
// - family_id is required; events are scoped like the calls they describe.
// - Audit is best-effort; call flows never block or fail on it.
//
// Storage (Postgres): table call_audit_events, INSERT-only.
type Event struct {
	ID       string `json:"id" db:"id"`
	FamilyID string `json:"family_id" db:"family_id"`

	Type EventType `json:"type" db:"type"`

	// ActorID is the participant (or "system") causing the event.
	ActorID   string `json:"actor_id,omitempty" db:"actor_id"`
	ActorRole string `json:"actor_role,omitempty" db:"actor_role"`

	CallID string `json:"call_id" db:"call_id"`

	// Reason carries the end reason for call_ended.
	Reason string `json:"reason,omitempty" db:"reason"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCallCreated     EventType = "call_created"
	EventCallAnswered    EventType = "call_answered"
	EventCallResumed     EventType = "call_resumed"
	EventCallEnded       EventType = "call_ended"
	EventMissedCallAcked EventType = "missed_call_acknowledged"
)
