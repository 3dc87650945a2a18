package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"grantmatch-backend/internal/shared/server/respond"
)

const (
	ServiceKeyHeader = "X-Service-Key"

	principalKey     = "principal"
	servicePrincipal = "service"
)

// ServiceKey guards machine-to-machine routes with a shared key. An empty key disables the routes.
func ServiceKey(key string) gin.HandlerFunc {
	key = strings.TrimSpace(key)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		if key == "" {
			respond.Error(c, http.StatusServiceUnavailable, "not_configured", "service key not configured", nil)
			return
		}

		got := strings.TrimSpace(c.GetHeader(ServiceKeyHeader))
		if got == "" {
			if auth := strings.TrimSpace(c.GetHeader("Authorization")); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid service key", nil)
			return
		}

		c.Set(principalKey, servicePrincipal)
		c.Next()
	}
}

// PrincipalFromContext returns the authenticated caller, or "" for anonymous requests.
func PrincipalFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(principalKey)
}
