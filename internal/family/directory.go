// Package family resolves who may call whom.
package family

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"family-calls/internal/calls"
)

var (
	ErrUnknownMember = errors.New("unknown family member")
	ErrNotRelated    = errors.New("participants are not in the same family")
	ErrRoleMismatch  = errors.New("participant role does not match directory")
	ErrSelfCall      = errors.New("cannot call yourself")
)

type Member struct {
	ID          string     `json:"id" db:"id"`
	FamilyID    string     `json:"family_id" db:"family_id"`
	Role        calls.Role `json:"role" db:"role"`
	DisplayName string     `json:"display_name,omitempty" db:"display_name"`
}

func (m Member) Participant() calls.Participant {
	return calls.Participant{ID: m.ID, Role: m.Role}
}

type Directory interface {
	Lookup(ctx context.Context, id string) (Member, error)
}

// NOTE: PostgresDirectory assumes a family_members(id, family_id, role,
// display_name) table maintained by the account service.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Member, error) {
	const q = `
SELECT id, family_id, role, COALESCE(display_name, '')
FROM family_members
WHERE id = $1
`
	var (
		m    Member
		role string
	)
	if err := d.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.FamilyID, &role, &m.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Member{}, ErrUnknownMember
		}
		return Member{}, fmt.Errorf("lookup member: %w", err)
	}
	m.Role = calls.Role(role)
	return m, nil
}

// MemoryDirectory is a static directory for tests and the headless peer.
type MemoryDirectory struct {
	mu      sync.RWMutex
	members map[string]Member
}

func NewMemoryDirectory(members ...Member) *MemoryDirectory {
	d := &MemoryDirectory{members: make(map[string]Member)}
	for _, m := range members {
		d.members[m.ID] = m
	}
	return d
}

func (d *MemoryDirectory) Put(m Member) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[m.ID] = m
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return Member{}, ErrUnknownMember
	}
	return m, nil
}
