package family

import (
	"context"
	"errors"
	"testing"

	"family-calls/internal/calls"
)

func dir() *MemoryDirectory {
	return NewMemoryDirectory(
		Member{ID: "mom", FamilyID: "f1", Role: calls.RoleParent},
		Member{ID: "kid", FamilyID: "f1", Role: calls.RoleChild},
		Member{ID: "aunt", FamilyID: "f1", Role: calls.RoleFamilyMember},
		Member{ID: "stranger", FamilyID: "f2", Role: calls.RoleParent},
	)
}

func TestCanCall(t *testing.T) {
	a := NewAuthorizer(dir())
	ctx := context.Background()

	cases := []struct {
		name   string
		caller calls.Participant
		callee calls.Participant
		want   error
	}{
		{"parent to child", calls.Participant{ID: "mom", Role: calls.RoleParent}, calls.Participant{ID: "kid", Role: calls.RoleChild}, nil},
		{"child to family member", calls.Participant{ID: "kid", Role: calls.RoleChild}, calls.Participant{ID: "aunt"}, nil},
		{"self", calls.Participant{ID: "kid"}, calls.Participant{ID: "kid"}, ErrSelfCall},
		{"unknown callee", calls.Participant{ID: "mom"}, calls.Participant{ID: "ghost"}, ErrUnknownMember},
		{"other family", calls.Participant{ID: "kid"}, calls.Participant{ID: "stranger"}, ErrNotRelated},
		{"wrong role", calls.Participant{ID: "kid", Role: calls.RoleParent}, calls.Participant{ID: "mom"}, ErrRoleMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fam, err := a.CanCall(ctx, tc.caller, tc.callee)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				if fam != "f1" {
					t.Fatalf("expected family f1, got %q", fam)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
