package reporting

import "time"

// TimeRange is half-open: [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call counts for one family.
// Family isolation: FamilyID is required.
type CallsSummaryRequest struct {
	FamilyID      string    `json:"family_id"`
	Range         TimeRange `json:"range"`
	ParticipantID string    `json:"participant_id,omitempty"`
}

type CallsSummary struct {
	FamilyID      string `json:"family_id"`
	ParticipantID string `json:"participant_id,omitempty"`

	TotalCalls      int `json:"total_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	MissedCalls     int `json:"missed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	// EndedByReason counts terminal records per end reason.
	EndedByReason map[string]int `json:"ended_by_reason"`

	// TotalDurationSeconds spans creation to end for answered calls.
	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`
}

// MissedCallsRequest lists missed calls where UserID was the callee.
type MissedCallsRequest struct {
	FamilyID           string `json:"family_id"`
	UserID             string `json:"user_id"`
	UnacknowledgedOnly bool   `json:"unacknowledged_only"`
	Limit              int    `json:"limit,omitempty"`
}
