package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/relaymq/relaymq/internal/auth"
)

const apiKeyContextKey = "relaymq.apikey"

// authMiddleware authenticates the X-API-Key header (or a Bearer
// token) against the key store and enforces the per-key rate limit.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			if bearer := c.GetHeader("Authorization"); strings.HasPrefix(bearer, "Bearer ") {
				token = strings.TrimPrefix(bearer, "Bearer ")
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		key, err := s.keys.Authenticate(token)
		if err != nil {
			writeBrokerError(c, err)
			c.Abort()
			return
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// requireScope gates a route on a key scope. A no-op when auth is
// disabled.
func (s *Server) requireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Auth.Enabled {
			c.Next()
			return
		}
		key := keyFrom(c)
		if key == nil || !key.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient scope", "required": scope})
			return
		}
		c.Next()
	}
}

func keyFrom(c *gin.Context) *auth.APIKey {
	if v, ok := c.Get(apiKeyContextKey); ok {
		if key, ok := v.(*auth.APIKey); ok {
			return key
		}
	}
	return nil
}

// actorFrom identifies the caller for audit records and publisher
// attribution.
func actorFrom(c *gin.Context) string {
	if key := keyFrom(c); key != nil {
		return key.Name
	}
	return "anonymous"
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
