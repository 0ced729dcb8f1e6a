package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextUserIDKey = "user_id"
	contextKeyIDKey  = "api_key_id"
)

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthRequired resolves the API key to a principal and stores it on the
// context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.identitySvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextUserIDKey, principal.UserID)
		c.Set(contextKeyIDKey, principal.KeyID)
		c.Next()
	}
}

// AdminRequired compares the bearer token against the configured admin
// token.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) currentUserID(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
