// Package auth guards the developer diagnostics endpoints. Ingestion routes
// are public and never pass through it.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const operatorCtxKey = "operator"

// APIKeyMiddleware admits a diagnostics request when X-API-Key matches one of
// the DIAGNOSTIC_KEYS entries and records who called. Keys are compared in
// constant time.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name, ok := lookup(keys, strings.TrimSpace(c.GetHeader("X-API-Key")))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(operatorCtxKey, name)
		c.Next()
	}
}

func lookup(keys map[string]string, presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	var name string
	found := false
	for key, n := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			name, found = n, true
		}
	}
	return name, found
}

// Operator is the DIAGNOSTIC_KEYS name of the caller, or "" when the
// middleware did not run.
func Operator(c *gin.Context) string {
	v, _ := c.Get(operatorCtxKey)
	s, _ := v.(string)
	return s
}
