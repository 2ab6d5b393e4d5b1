package session

import (
	"errors"
	"fmt"

	"family-calls/internal/admission"
)

var (
	// ErrNoTracks means the local transport has no outgoing media, or the
	// produced description lacks audio/video sections. Proceeding would give
	// a connected but silent call.
	ErrNoTracks = errors.New("no local media tracks: check camera and microphone access")

	ErrNegotiationTimeout = errors.New("timed out waiting for the negotiation engine")

	ErrBusy = errors.New("callee is busy")

	// ErrNotAnswerable means the record is no longer a ringing offer this
	// participant can answer.
	ErrNotAnswerable = errors.New("call is not answerable")

	// ErrNoCall means there was nothing to answer or resume and no callee to
	// dial.
	ErrNoCall = errors.New("no incoming call and no callee to dial")

	ErrAlreadyStarted = errors.New("session already started")
)

// BusyError carries the call that makes the callee busy.
type BusyError struct {
	CalleeID string
	CallID   string
	Reason   admission.Reason
}

func (e *BusyError) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("callee %s is busy in call %s", e.CalleeID, e.CallID)
	}
	return fmt.Sprintf("callee %s is busy (%s)", e.CalleeID, e.Reason)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }
