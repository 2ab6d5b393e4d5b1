package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// NOTE: PostgresRepo assumes the following table exists:
//
//	CREATE TABLE call_audit_events (
//	  id uuid PRIMARY KEY, family_id text NOT NULL, type text NOT NULL,
//	  actor_id text, actor_role text, call_id uuid NOT NULL,
//	  reason text, message text, created_at timestamptz NOT NULL
//	);
//
// Grant INSERT and SELECT only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_audit_events (
  id, family_id, type, actor_id, actor_role, call_id, reason, message, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.FamilyID,
		string(e.Type),
		e.ActorID,
		e.ActorRole,
		e.CallID,
		e.Reason,
		e.Message,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
