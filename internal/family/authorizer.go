package family

import (
	"context"
	"fmt"

	"family-calls/internal/calls"
)

// Authorizer validates a call target before any record is written.
type Authorizer struct {
	dir Directory
}

func NewAuthorizer(dir Directory) *Authorizer {
	return &Authorizer{dir: dir}
}

// CanCall checks that both participants exist with the claimed roles and
// share a family. It returns the family id the call belongs to.
func (a *Authorizer) CanCall(ctx context.Context, caller, callee calls.Participant) (string, error) {
	if caller.ID == callee.ID {
		return "", ErrSelfCall
	}
	from, err := a.member(ctx, caller)
	if err != nil {
		return "", fmt.Errorf("caller %s: %w", caller.ID, err)
	}
	to, err := a.member(ctx, callee)
	if err != nil {
		return "", fmt.Errorf("callee %s: %w", callee.ID, err)
	}
	if from.FamilyID == "" || from.FamilyID != to.FamilyID {
		return "", ErrNotRelated
	}
	return from.FamilyID, nil
}

func (a *Authorizer) member(ctx context.Context, p calls.Participant) (Member, error) {
	m, err := a.dir.Lookup(ctx, p.ID)
	if err != nil {
		return Member{}, err
	}
	if p.Role != "" && p.Role != m.Role {
		return Member{}, ErrRoleMismatch
	}
	return m, nil
}
