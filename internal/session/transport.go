package session

import (
	"context"

	"family-calls/internal/calls"
	"family-calls/internal/medialock"
)

// SignalingState mirrors the negotiation engine's offer/answer state.
type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

// ConnectionState mirrors the transport's connectivity.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Transport is one local peer connection. Descriptions and candidates are
// passed through opaque.
//
// CreateOffer and CreateAnswer also install the result as the local
// description.
type Transport interface {
	AddStream(s *medialock.Stream) error
	HasOutgoingTracks() bool

	CreateOffer() (calls.SessionDescription, error)
	CreateAnswer() (calls.SessionDescription, error)
	SetRemoteDescription(d calls.SessionDescription) error
	AddCandidate(c calls.Candidate) error

	SignalingState() SignalingState
	LocalDescriptionSet() bool
	RemoteDescriptionSet() bool

	// OnLocalCandidate is called for every gathered candidate and once with
	// the end-of-candidates sentinel.
	OnLocalCandidate(fn func(calls.Candidate))
	OnConnectionState(fn func(ConnectionState))

	Close() error
}

// TransportFactory creates a fresh transport. Every negotiation attempt gets
// its own; offers from a discarded transport are never reused.
type TransportFactory func(ctx context.Context) (Transport, error)
