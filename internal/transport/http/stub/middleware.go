package stubhttp

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sandbox/internal/stub"
)

const ctxUserKey = "stub.user"

func (h *handlers) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.anonKey == "" {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader("apikey"))
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.anonKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid API key"})
			return
		}
		c.Next()
	}
}

// resolveUser attaches the caller for a user bearer token. The anon key (or
// no token) leaves the request anonymous; an unknown token is rejected.
func (h *handlers) resolveUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || (h.anonKey != "" && token == h.anonKey) {
			c.Next()
			return
		}
		user, err := h.store.UserForToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "JWT expired or invalid"})
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(raw) < 7 || !strings.EqualFold(raw[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(raw[7:])
}

func currentUser(c *gin.Context) (stub.User, bool) {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return stub.User{}, false
	}
	user, ok := v.(stub.User)
	return user, ok
}
