package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"family-calls/internal/calls"
	"family-calls/pkg/utils"
)

// NOTE: This store assumes the following table exists:
//
//	CREATE TABLE calls (
//	  id uuid PRIMARY KEY,
//	  family_id text NOT NULL,
//	  caller_id text NOT NULL, caller_role text NOT NULL,
//	  callee_id text NOT NULL, callee_role text NOT NULL,
//	  caller_type text NOT NULL,
//	  status text NOT NULL,
//	  version bigint NOT NULL DEFAULT 1,
//	  offer jsonb, answer jsonb,
//	  caller_candidates jsonb NOT NULL DEFAULT '[]',
//	  callee_candidates jsonb NOT NULL DEFAULT '[]',
//	  created_at timestamptz NOT NULL, updated_at timestamptz NOT NULL,
//	  ended_at timestamptz, ended_by text, end_reason text,
//	  missed_call boolean NOT NULL DEFAULT false,
//	  missed_call_acknowledged_at timestamptz
//	);
//
// Older deployments may lack ended_by, end_reason or the missed_call columns.
// The first query that hits a missing column switches the store to the core
// column set for good. In that mode the optional fields read as empty, and a
// write that needs to set one fails with ErrSchema so callers can retry with
// a reduced mutation.

const coreColumns = `
id, family_id, caller_id, caller_role, callee_id, callee_role, caller_type,
status, version, offer, answer, caller_candidates, callee_candidates,
created_at, updated_at, ended_at`

const selectColumns = coreColumns + `, ended_by, end_reason,
missed_call, missed_call_acknowledged_at`

var optionalColumns = map[string]bool{
	"ended_by":                    true,
	"end_reason":                  true,
	"missed_call":                 true,
	"missed_call_acknowledged_at": true,
}

// Postgres is the database/sql (pgx driver) Store.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time

	reduced atomic.Bool
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, clock: func() time.Time { return time.Now().UTC() }}
}

// Reduced reports whether the store runs against the core column set.
func (p *Postgres) Reduced() bool { return p.reduced.Load() }

func columnsFor(reduced bool) string {
	if reduced {
		return coreColumns
	}
	return selectColumns
}

// withSchemaFallback runs fn and, if the full column set is missing from the
// table, runs it once more against the core columns.
func (p *Postgres) withSchemaFallback(fn func(reduced bool) error) error {
	reduced := p.reduced.Load()
	err := fn(reduced)
	if err == nil || reduced || utils.PgCode(err) != utils.PgUndefinedColumn {
		return err
	}
	p.reduced.Store(true)
	return fn(true)
}

// writable drops optional columns in reduced mode. Dropping is only allowed
// for empty values; anything else cannot be stored.
func writable(cols []column, reduced bool) ([]column, error) {
	if !reduced {
		return cols, nil
	}
	out := make([]column, 0, len(cols))
	for _, c := range cols {
		if !optionalColumns[c.name] {
			out = append(out, c)
			continue
		}
		if !emptyValue(c.value) {
			return nil, fmt.Errorf("column %s: %w", c.name, ErrSchema)
		}
	}
	return out, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (calls.Session, error) {
	var s calls.Session
	err := p.withSchemaFallback(func(reduced bool) error {
		row := p.db.QueryRowContext(ctx, `SELECT `+columnsFor(reduced)+` FROM calls WHERE id = $1`, id)
		var err error
		s, err = scanSession(row, reduced)
		return err
	})
	if err != nil {
		return calls.Session{}, mapErr("get call", err)
	}
	return s, nil
}

func (p *Postgres) Insert(ctx context.Context, s calls.Session) (calls.Session, error) {
	if err := validateNew(s); err != nil {
		return calls.Session{}, err
	}
	now := p.clock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1

	row, err := encodeRow(s)
	if err != nil {
		return calls.Session{}, err
	}
	err = p.withSchemaFallback(func(reduced bool) error {
		cols, err := writable(row, reduced)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(cols)+5)
		args := make([]any, 0, len(cols)+5)
		names = append(names, "id", "family_id", "created_at", "updated_at", "version")
		args = append(args, s.ID, s.FamilyID, s.CreatedAt, s.UpdatedAt, s.Version)
		for _, c := range cols {
			names = append(names, c.name)
			args = append(args, c.value)
		}
		q := fmt.Sprintf(`INSERT INTO calls (%s) VALUES (%s)`, strings.Join(names, ", "), placeholders(1, len(names)))
		_, err = p.db.ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return calls.Session{}, mapErr("insert call", err)
	}
	return s, nil
}

// Update locks the row, evaluates cond in Go and writes only changed columns.
func (p *Postgres) Update(ctx context.Context, id string, cond Condition, mutate Mutation) (calls.Change, error) {
	var out calls.Change
	err := p.withSchemaFallback(func(reduced bool) error {
		return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
			var err error
			out, err = p.update(ctx, tx, reduced, id, cond, mutate)
			return err
		})
	})
	if err != nil {
		return calls.Change{}, mapErr("update call", err)
	}
	return out, nil
}

func (p *Postgres) update(ctx context.Context, tx *sql.Tx, reduced bool, id string, cond Condition, mutate Mutation) (calls.Change, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+columnsFor(reduced)+` FROM calls WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanSession(row, reduced)
	if err != nil {
		return calls.Change{}, err
	}
	if !cond.Holds(cur) {
		return calls.Change{}, ErrConflict
	}

	old := cur.Clone()
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	pin(old, &next, p.clock())

	changed, err := diffColumns(old, next)
	if err != nil {
		return calls.Change{}, err
	}
	if changed, err = writable(changed, reduced); err != nil {
		return calls.Change{}, err
	}
	sets := make([]string, 0, len(changed)+2)
	args := make([]any, 0, len(changed)+3)
	for i, c := range changed {
		sets = append(sets, fmt.Sprintf("%s = $%d", c.name, i+1))
		args = append(args, c.value)
	}
	sets = append(sets,
		fmt.Sprintf("updated_at = $%d", len(args)+1),
		fmt.Sprintf("version = $%d", len(args)+2),
	)
	args = append(args, next.UpdatedAt, next.Version, id)

	q := fmt.Sprintf(`UPDATE calls SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return calls.Change{}, err
	}
	return calls.Change{Old: &old, New: next}, nil
}

func (p *Postgres) Find(ctx context.Context, q Query) ([]calls.Session, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.FamilyID != "" {
		where = append(where, "family_id = "+arg(q.FamilyID))
	}
	if q.ParticipantID != "" {
		ph := arg(q.ParticipantID)
		where = append(where, fmt.Sprintf("(caller_id = %s OR callee_id = %s)", ph, ph))
	}
	if q.CallerID != "" {
		where = append(where, "caller_id = "+arg(q.CallerID))
	}
	if q.CalleeID != "" {
		where = append(where, "callee_id = "+arg(q.CalleeID))
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			ph[i] = arg(string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if q.ExcludeEnded {
		where = append(where, "ended_at IS NULL")
	}
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at > "+arg(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(q.CreatedBefore))
	}
	if q.MissedOnly {
		where = append(where, "missed_call = true")
	}
	if q.Unacknowledged {
		where = append(where, "missed_call_acknowledged_at IS NULL")
	}

	tail := ""
	if len(where) > 0 {
		tail += " WHERE " + strings.Join(where, " AND ")
	}
	tail += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		tail += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var out []calls.Session
	err := p.withSchemaFallback(func(reduced bool) error {
		if reduced && (q.MissedOnly || q.Unacknowledged) {
			return fmt.Errorf("missed-call filter: %w", ErrSchema)
		}
		var err error
		out, err = p.query(ctx, reduced, `SELECT `+columnsFor(reduced)+` FROM calls`+tail, args...)
		return err
	})
	if err != nil {
		return nil, mapErr("find calls", err)
	}
	return out, nil
}

func (p *Postgres) query(ctx context.Context, reduced bool, stmt string, args ...any) ([]calls.Session, error) {
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Session
	for rows.Next() {
		s, err := scanSession(rows, reduced)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads one row in selectColumns order, or coreColumns order when
// reduced is set.
func scanSession(r scanner, reduced bool) (calls.Session, error) {
	var (
		s                                          calls.Session
		callerRole, calleeRole, callerType, status string
		offer, answer                              []byte
		callerCands, calleeCands                   []byte
		endedAt, ackAt                             sql.NullTime
		endedBy, endReason                         sql.NullString
	)
	dest := []any{
		&s.ID,
		&s.FamilyID,
		&s.Caller.ID,
		&callerRole,
		&s.Callee.ID,
		&calleeRole,
		&callerType,
		&status,
		&s.Version,
		&offer,
		&answer,
		&callerCands,
		&calleeCands,
		&s.CreatedAt,
		&s.UpdatedAt,
		&endedAt,
	}
	if !reduced {
		dest = append(dest, &endedBy, &endReason, &s.MissedCall, &ackAt)
	}
	if err := r.Scan(dest...); err != nil {
		return calls.Session{}, err
	}
	s.Caller.Role = calls.Role(callerRole)
	s.Callee.Role = calls.Role(calleeRole)
	s.CallerType = calls.Role(callerType)
	s.Status = calls.Status(status)
	s.EndedBy = endedBy.String
	s.EndReason = calls.EndReason(endReason.String)
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	if ackAt.Valid {
		t := ackAt.Time
		s.MissedCallAcknowledgedAt = &t
	}

	var err error
	if s.Offer, err = decodeDescription(offer); err != nil {
		return calls.Session{}, fmt.Errorf("decode offer: %w", err)
	}
	if s.Answer, err = decodeDescription(answer); err != nil {
		return calls.Session{}, fmt.Errorf("decode answer: %w", err)
	}
	if s.CallerCandidates, err = decodeCandidates(callerCands); err != nil {
		return calls.Session{}, fmt.Errorf("decode caller candidates: %w", err)
	}
	if s.CalleeCandidates, err = decodeCandidates(calleeCands); err != nil {
		return calls.Session{}, fmt.Errorf("decode callee candidates: %w", err)
	}
	return s, nil
}

type column struct {
	name  string
	value any
}

// encodeRow returns every mutable column in a stable order.
func encodeRow(s calls.Session) ([]column, error) {
	offer, err := encodeJSON(s.Offer)
	if err != nil {
		return nil, err
	}
	answer, err := encodeJSON(s.Answer)
	if err != nil {
		return nil, err
	}
	callerCands, err := encodeCandidates(s.CallerCandidates)
	if err != nil {
		return nil, err
	}
	calleeCands, err := encodeCandidates(s.CalleeCandidates)
	if err != nil {
		return nil, err
	}
	return []column{
		{"caller_id", s.Caller.ID},
		{"caller_role", string(s.Caller.Role)},
		{"callee_id", s.Callee.ID},
		{"callee_role", string(s.Callee.Role)},
		{"caller_type", string(s.CallerType)},
		{"status", string(s.Status)},
		{"offer", offer},
		{"answer", answer},
		{"caller_candidates", callerCands},
		{"callee_candidates", calleeCands},
		{"ended_at", nullTime(s.EndedAt)},
		{"ended_by", nullString(s.EndedBy)},
		{"end_reason", nullString(string(s.EndReason))},
		{"missed_call", s.MissedCall},
		{"missed_call_acknowledged_at", nullTime(s.MissedCallAcknowledgedAt)},
	}, nil
}

func diffColumns(old, next calls.Session) ([]column, error) {
	a, err := encodeRow(old)
	if err != nil {
		return nil, err
	}
	b, err := encodeRow(next)
	if err != nil {
		return nil, err
	}
	var out []column
	for i := range b {
		if !sameValue(a[i].value, b[i].value) {
			out = append(out, b[i])
		}
	}
	return out, nil
}

func sameValue(a, b any) bool {
	switch av := a.(type) {
	case sql.NullTime:
		bv := b.(sql.NullTime)
		return av.Valid == bv.Valid && av.Time.Equal(bv.Time)
	case sql.NullString:
		return av == b.(sql.NullString)
	case []byte:
		return bytes.Equal(av, b.([]byte))
	default:
		return a == b
	}
}

func emptyValue(v any) bool {
	switch x := v.(type) {
	case sql.NullString:
		return !x.Valid
	case sql.NullTime:
		return !x.Valid
	case bool:
		return !x
	case nil:
		return true
	default:
		return false
	}
}

func encodeJSON(d *calls.SessionDescription) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

func encodeCandidates(c []calls.Candidate) ([]byte, error) {
	if c == nil {
		c = []calls.Candidate{}
	}
	return json.Marshal(c)
}

func decodeDescription(b []byte) (*calls.SessionDescription, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var d calls.SessionDescription
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func decodeCandidates(b []byte) ([]calls.Candidate, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var out []calls.Candidate
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrSchema):
		return fmt.Errorf("%s: %w", op, err)
	case utils.IsSchemaError(err):
		return fmt.Errorf("%s: %w: %v", op, ErrSchema, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
