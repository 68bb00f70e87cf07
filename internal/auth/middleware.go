package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classroll/internal/attendance"
)

const actorKey = "actor"

// ActorAuth enforces bearer JWT tokens signed with HS256 and stores the
// resolved actor on the gin context.
func ActorAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "authorization", "code": "missing_token", "message": "missing bearer token"}})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "authorization", "code": "invalid_token", "message": "invalid token"}})
			return
		}
		c.Set(actorKey, ActorFromClaims(claims))
		c.Next()
	}
}

// ActorFromClaims maps token claims onto the engine's actor.
func ActorFromClaims(claims Claims) attendance.Actor {
	return attendance.Actor{
		ID:        claims.Subject,
		IsAdmin:   claims.IsAdmin,
		IsFaculty: claims.IsFaculty,
		IsStudent: claims.IsStudent,
		IsDevice:  claims.IsDevice,
	}
}

// ActorFrom returns the actor set by ActorAuth.
func ActorFrom(c *gin.Context) (attendance.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return attendance.Actor{}, false
	}
	actor, ok := v.(attendance.Actor)
	return actor, ok
}
