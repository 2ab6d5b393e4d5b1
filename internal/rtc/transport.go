package rtc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"family-calls/internal/calls"
	"family-calls/internal/medialock"
	"family-calls/internal/quality"
	"family-calls/internal/session"
)

// LocalTrack is a captured track that can be sent over a peer connection.
type LocalTrack interface {
	medialock.Track
	Local() webrtc.TrackLocal
}

// Transport is one pion peer connection.
type Transport struct {
	pc          *webrtc.PeerConnection
	videoCodecs []webrtc.RTPCodecParameters
	enableAV1   bool
	log         *slog.Logger
	api         *API

	mu      sync.Mutex
	senders []*webrtc.RTPSender
	profile *quality.Profile
}

var _ session.Transport = (*Transport)(nil)

// AddStream attaches every sendable track of s. Tracks that are not
// LocalTracks are skipped.
func (t *Transport) AddStream(s *medialock.Stream) error {
	if s == nil {
		return errors.New("nil stream")
	}
	for _, tr := range s.Tracks {
		lt, ok := tr.(LocalTrack)
		if !ok {
			continue
		}
		sender, err := t.pc.AddTrack(lt.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", tr.Kind(), err)
		}
		t.mu.Lock()
		t.senders = append(t.senders, sender)
		t.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) running for sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// ApplyProfile sets the media budget advertised by every offer and answer
// created from now on. Descriptions already sent are unaffected.
func (t *Transport) ApplyProfile(p quality.Profile) {
	t.mu.Lock()
	t.profile = &p
	t.mu.Unlock()
}

// Profile returns the applied profile, if any.
func (t *Transport) Profile() (quality.Profile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.profile == nil {
		return quality.Profile{}, false
	}
	return *t.profile, true
}

// describe converts a local description for the wire. The local side keeps
// pion's SDP as generated; only the copy sent to the peer carries the
// profile's limits.
func (t *Transport) describe(d webrtc.SessionDescription) calls.SessionDescription {
	out := fromPion(d)
	p, ok := t.Profile()
	if !ok {
		return out
	}
	body, err := withProfile(out.SDP, p)
	if err != nil {
		t.log.Warn("quality profile not applied", "tier", p.Tier, "error", err)
		return out
	}
	out.SDP = body
	return out
}

func (t *Transport) HasOutgoingTracks() bool {
	for _, tr := range t.pc.GetTransceivers() {
		if s := tr.Sender(); s != nil && s.Track() != nil {
			return true
		}
	}
	return false
}

func (t *Transport) CreateOffer() (calls.SessionDescription, error) {
	if err := quality.ApplyCodecPreferences(t.pc, t.videoCodecs, t.enableAV1); err != nil {
		t.log.Warn("codec preferences not applied", "error", err)
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return calls.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return calls.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return t.describe(offer), nil
}

func (t *Transport) CreateAnswer() (calls.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return calls.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return calls.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return t.describe(answer), nil
}

func (t *Transport) SetRemoteDescription(d calls.SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	})
}

// AddCandidate forwards c, including the end-of-candidates sentinel.
func (t *Transport) AddCandidate(c calls.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (t *Transport) SignalingState() session.SignalingState {
	return session.SignalingState(t.pc.SignalingState().String())
}

func (t *Transport) LocalDescriptionSet() bool  { return t.pc.LocalDescription() != nil }
func (t *Transport) RemoteDescriptionSet() bool { return t.pc.RemoteDescription() != nil }

func (t *Transport) OnLocalCandidate(fn func(calls.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(calls.Candidate{})
			return
		}
		init := c.ToJSON()
		fn(calls.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (t *Transport) OnConnectionState(fn func(session.ConnectionState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if t.api != nil {
			t.api.observe(s)
		}
		fn(session.ConnectionState(s.String()))
	})
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

func fromPion(d webrtc.SessionDescription) calls.SessionDescription {
	return calls.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}
