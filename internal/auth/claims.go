package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess TokenType = "access"
)

// Claims are the only supported JWT claims shape for this service.
// Family invariant: FamilyID must be present; every call record is scoped by it.
// Tokens are minted by the account service; this service only verifies them
// (Issue exists for tests and local tooling).
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	FamilyID  string    `json:"family_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
