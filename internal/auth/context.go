package auth

import (
	"context"
	"errors"

	"family-calls/internal/calls"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxFamilyID
	ctxRole
)

func WithIdentity(ctx context.Context, userID, familyID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxFamilyID, familyID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func FamilyID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxFamilyID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("family_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// Participant is the authenticated user as a call participant.
func Participant(ctx context.Context) (calls.Participant, error) {
	id, err := UserID(ctx)
	if err != nil {
		return calls.Participant{}, err
	}
	role, err := Role(ctx)
	if err != nil {
		return calls.Participant{}, err
	}
	return calls.Participant{ID: id, Role: calls.Role(role)}, nil
}
