package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const viaCookieContextKey = "auth_via_cookie"

// Middleware admits requests carrying the access password, in
// X-Access-Password or as a bearer value, or a valid token cookie.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		if pw := c.GetHeader(s.passwordHeader); pw != "" {
			if !s.CheckPassword(pw) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrWrongPassword.Error()})
				return
			}
			c.Next()
			return
		}
		if bearer := s.bearer(c); bearer != "" {
			if !s.CheckPassword(bearer) && s.ValidateToken(bearer) != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.Next()
			return
		}
		token, err := c.Cookie(s.cookieName)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		if err := s.ValidateToken(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(viaCookieContextKey, true)
		c.Next()
	}
}

// ViaCookie reports whether the request was admitted by the token cookie.
func ViaCookie(c *gin.Context) bool {
	return c.GetBool(viaCookieContextKey)
}

func (s *Service) bearer(c *gin.Context) string {
	h := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
