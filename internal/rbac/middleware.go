package rbac

import (
	"net/http"

	"family-calls/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireFamily enforces the family invariant: family_id must exist in context.
// Membership itself is checked against the directory where a call is involved.
func RequireFamily() gin.HandlerFunc {
	return func(c *gin.Context) {
		fid, err := auth.FamilyID(c.Request.Context())
		if err != nil || fid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "family_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Family isolation is enforced via RequireFamily (use it in the chain).
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireGuardian is RequireAnyRole for family-wide views.
func RequireGuardian() gin.HandlerFunc {
	return RequireAnyRole(RoleParent)
}
