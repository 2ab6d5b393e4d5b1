package calls

import (
	"testing"
	"time"
)

func TestStatusValuesAreNonEmpty(t *testing.T) {
	for _, s := range []Status{StatusRinging, StatusConnecting, StatusActive, StatusEnded} {
		if s == "" {
			t.Fatalf("expected non-empty status")
		}
	}
}

func TestIsTerminal_EndedAtIsSufficient(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := Session{Status: StatusActive, EndedAt: &now}
	if !s.IsTerminal() {
		t.Fatalf("expected endedAt to make the record terminal")
	}
	if !(Session{Status: StatusEnded}).IsTerminal() {
		t.Fatalf("expected status ended to be terminal")
	}
	if (Session{Status: StatusRinging}).IsTerminal() {
		t.Fatalf("ringing record must not be terminal")
	}
	if Terminal(nil) {
		t.Fatalf("nil snapshot must not be terminal")
	}
}

func TestCandidateKey_DistinguishesMediaLine(t *testing.T) {
	mid0, mid1 := "0", "1"
	var i0, i1 uint16 = 0, 1
	a := Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid0, SDPMLineIndex: &i0}
	b := Candidate{Candidate: a.Candidate, SDPMid: &mid1, SDPMLineIndex: &i1}
	if a.Key() == b.Key() {
		t.Fatalf("expected different keys for different m-lines")
	}
	c := a
	if a.Key() != c.Key() {
		t.Fatalf("expected identical keys")
	}
}

func TestCandidateValid(t *testing.T) {
	if !(Candidate{}).Valid() {
		t.Fatalf("end-of-candidates sentinel must be valid")
	}
	if (Candidate{Candidate: "candidate:1"}).Valid() {
		t.Fatalf("candidate without mid or m-line index must be invalid")
	}
}

func TestClone_DoesNotShareSlices(t *testing.T) {
	s := Session{CallerCandidates: []Candidate{{Candidate: "a"}}, Offer: &SessionDescription{Type: "offer", SDP: "x"}}
	c := s.Clone()
	c.CallerCandidates[0].Candidate = "b"
	c.Offer.SDP = "y"
	if s.CallerCandidates[0].Candidate != "a" || s.Offer.SDP != "x" {
		t.Fatalf("clone shares memory with original")
	}
}

func TestSideOf(t *testing.T) {
	s := Session{Caller: Participant{ID: "p1", Role: RoleParent}, Callee: Participant{ID: "c1", Role: RoleChild}}
	if side, ok := s.SideOf("c1"); !ok || side != SideCallee {
		t.Fatalf("expected callee side, got %q %v", side, ok)
	}
	if _, ok := s.SideOf("x"); ok {
		t.Fatalf("expected unknown participant")
	}
	if s.Peer(SideCaller).ID != "c1" {
		t.Fatalf("expected callee as caller's peer")
	}
}
