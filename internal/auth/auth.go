// Package auth guards the arbiter-only surface of the API.
//
// Participant-facing endpoints are authenticated upstream by the
// marketplace gateway; the engine itself only needs to gate the dispute
// resolution endpoint, which can move funds.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderArbiterSecret carries the shared arbiter credential.
const HeaderArbiterSecret = "X-Arbiter-Secret"

// RequireArbiter returns middleware that rejects requests without the
// configured arbiter secret. Comparison is constant-time.
//
// An empty configured secret disables the surface entirely rather than
// leaving it open: a misconfigured deployment must not expose fund
// movement to the public.
func RequireArbiter(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "arbiter_disabled",
				"message": "Arbiter endpoint is not configured",
			})
			return
		}

		got := c.GetHeader(HeaderArbiterSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Arbiter credentials required",
			})
			return
		}

		c.Next()
	}
}
