package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const tokenCookieName = "splitgoat_token"

// authMiddleware accepts the admin token as a Bearer header, a cookie, or a
// ?token= query param. A valid query token is swapped for a cookie; GET
// requests are redirected so the token leaves the URL.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			if s.validToken(strings.TrimPrefix(h, "Bearer ")) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		if queryToken := c.Query("token"); queryToken != "" {
			if !s.validToken(queryToken) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     tokenCookieName,
				Value:    s.token,
				Path:     "/api/admin",
				HttpOnly: true,
				MaxAge:   int(24 * time.Hour / time.Second),
				SameSite: http.SameSiteLaxMode,
			})
			if c.Request.Method == http.MethodGet {
				u := *c.Request.URL
				q := u.Query()
				q.Del("token")
				u.RawQuery = q.Encode()
				c.Redirect(http.StatusFound, u.String())
				c.Abort()
				return
			}
			c.Next()
			return
		}

		cookie, err := c.Cookie(tokenCookieName)
		if err != nil || !s.validToken(cookie) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) validToken(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}
