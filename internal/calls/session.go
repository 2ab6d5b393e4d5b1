package calls

import (
	"fmt"
	"strconv"
)

// IsTerminal reports whether the record is past the one-way terminal gate.
func (s Session) IsTerminal() bool {
	return s.Status == StatusEnded || s.EndedAt != nil
}

// Terminal is IsTerminal for an optional snapshot; nil is never terminal.
func Terminal(s *Session) bool {
	return s != nil && s.IsTerminal()
}

// SideOf returns the side occupied by participantID.
func (s Session) SideOf(participantID string) (Side, bool) {
	switch participantID {
	case s.Caller.ID:
		return SideCaller, true
	case s.Callee.ID:
		return SideCallee, true
	default:
		return "", false
	}
}

// Peer returns the participant on the other side.
func (s Session) Peer(side Side) Participant {
	if side == SideCaller {
		return s.Callee
	}
	return s.Caller
}

// HasParticipant reports whether id is the caller or the callee.
func (s Session) HasParticipant(id string) bool {
	_, ok := s.SideOf(id)
	return ok
}

// CandidatesFor returns the candidate list written by side.
func (s Session) CandidatesFor(side Side) []Candidate {
	if side == SideCaller {
		return s.CallerCandidates
	}
	return s.CalleeCandidates
}

// Clone returns a deep copy so snapshots can be handed out without sharing
// slices or pointers with the store.
func (s Session) Clone() Session {
	out := s
	if s.Offer != nil {
		o := *s.Offer
		out.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		out.Answer = &a
	}
	out.CallerCandidates = cloneCandidates(s.CallerCandidates)
	out.CalleeCandidates = cloneCandidates(s.CalleeCandidates)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.MissedCallAcknowledgedAt != nil {
		t := *s.MissedCallAcknowledgedAt
		out.MissedCallAcknowledgedAt = &t
	}
	return out
}

func cloneCandidates(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	copy(out, in)
	return out
}

// IsEndOfCandidates reports whether c is the end-of-candidates sentinel.
func (c Candidate) IsEndOfCandidates() bool {
	return c.Candidate == ""
}

// Key is the duplicate-suppression key: candidate + m-line index + media id.
func (c Candidate) Key() string {
	idx := "-"
	if c.SDPMLineIndex != nil {
		idx = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	mid := "-"
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	return fmt.Sprintf("%s|%s|%s", c.Candidate, idx, mid)
}

// Valid reports whether a concrete candidate can be routed to an m-line.
// The sentinel is always valid.
func (c Candidate) Valid() bool {
	if c.IsEndOfCandidates() {
		return true
	}
	return c.SDPMid != nil || c.SDPMLineIndex != nil
}
