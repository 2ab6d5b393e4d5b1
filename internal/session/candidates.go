package session

import "family-calls/internal/calls"

// candidateQueue holds remote candidates until the remote description is set
// and suppresses repeats within one negotiation attempt.
//
// Not safe for concurrent use; the machine guards it together with the
// transport calls so that the ready flip and the flush are one step.
type candidateQueue struct {
	ready   bool
	seen    map[string]struct{}
	pending []calls.Candidate
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{seen: make(map[string]struct{})}
}

// Offer returns the candidates to apply now, in order. Malformed and
// repeated candidates are dropped; the rest queue until MarkReady.
func (q *candidateQueue) Offer(cs ...calls.Candidate) []calls.Candidate {
	var apply []calls.Candidate
	for _, c := range cs {
		if !c.Valid() {
			continue
		}
		k := c.Key()
		if _, dup := q.seen[k]; dup {
			continue
		}
		q.seen[k] = struct{}{}
		if q.ready {
			apply = append(apply, c)
		} else {
			q.pending = append(q.pending, c)
		}
	}
	return apply
}

// MarkReady flips to immediate mode and returns the queued candidates in
// arrival order.
func (q *candidateQueue) MarkReady() []calls.Candidate {
	q.ready = true
	out := q.pending
	q.pending = nil
	return out
}

func (q *candidateQueue) Ready() bool { return q.ready }

// Reset starts a new negotiation attempt.
func (q *candidateQueue) Reset() {
	q.ready = false
	q.pending = nil
	q.seen = make(map[string]struct{})
}
