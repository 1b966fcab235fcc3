// README: Firebase auth middleware; identifies the calling party by uid and role claim.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"eats/internal/infra"
)

const (
	ctxCallerUID  = "caller_uid"
	ctxCallerRole = "caller_role"
)

// Auth verifies the Firebase ID token from the Authorization header, or from
// the access_token query parameter for websocket upgrades.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		verified, err := verifier.VerifyIDToken(c.Request.Context(), token)
		if err != nil || verified == nil || verified.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxCallerUID, verified.UID)
		c.Set(ctxCallerRole, verified.Role())
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return "", false
		}
		return token, true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxCallerUID)
}

// CallerRole returns the role claim; empty when the token carries none.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxCallerRole)
}
