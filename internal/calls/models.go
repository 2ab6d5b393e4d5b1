package calls

import "time"

// Session is the shared call record. One row per call.
//
// Both parties coordinate only through conditional updates to this record
// and the change feed that publishes them. Neither side sees the other's
// in-memory state.
//
// Terminal invariant: once EndedAt is set OR Status is ended, no writer may
// move the record away from terminal. A non-nil EndedAt is sufficient even if
// Status has not caught up.
//
// Family invariant: FamilyID is required on every row.
type Session struct {
	ID       string `json:"id" db:"id"`
	FamilyID string `json:"family_id" db:"family_id"`

	Caller     Participant `json:"caller"`
	Callee     Participant `json:"callee"`
	CallerType Role        `json:"caller_type" db:"caller_type"`

	Status Status `json:"status" db:"status"`

	// Offer and Answer are opaque payloads owned by the media engine.
	// A reset clears both before a new offer is written.
	Offer  *SessionDescription `json:"offer,omitempty" db:"offer"`
	Answer *SessionDescription `json:"answer,omitempty" db:"answer"`

	// Candidate lists are rewritten with a cumulative superset; there is no
	// append primitive in the store.
	CallerCandidates []Candidate `json:"caller_candidates,omitempty" db:"caller_candidates"`
	CalleeCandidates []Candidate `json:"callee_candidates,omitempty" db:"callee_candidates"`

	// Version increases by one on every committed write. Notifications
	// carrying a lower version than one already seen are stale.
	Version int64 `json:"version" db:"version"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	EndedBy   string    `json:"ended_by,omitempty" db:"ended_by"`
	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`

	// Missed-call badge fields. Independent of Status.
	MissedCall               bool       `json:"missed_call" db:"missed_call"`
	MissedCallAcknowledgedAt *time.Time `json:"missed_call_acknowledged_at,omitempty" db:"missed_call_acknowledged_at"`
}

// Participant identifies one party of a call.
type Participant struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Role string

const (
	RoleParent       Role = "parent"
	RoleChild        Role = "child"
	RoleFamilyMember Role = "family_member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleChild, RoleFamilyMember:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

type EndReason string

const (
	EndReasonHangup       EndReason = "hangup"
	EndReasonNoAnswer     EndReason = "no_answer"
	EndReasonFailed       EndReason = "failed"
	EndReasonNetworkLost  EndReason = "network_lost"
	EndReasonDisconnected EndReason = "disconnected"
	EndReasonClosed       EndReason = "closed"
)

// SessionDescription is passed through unmodified between the media engines.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one connectivity option. An empty Candidate string is the
// end-of-candidates sentinel and must be forwarded, not discarded.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Change is one change-feed notification: the record before and after a
// committed write. Old is nil for inserts.
type Change struct {
	Old *Session `json:"old,omitempty"`
	New Session  `json:"new"`
}

// Side is which end of the record a participant occupies.
type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
)
