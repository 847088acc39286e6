package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// requestLog logs each request with latency.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  clientIP(c),
		}).Debug("http request")
	}
}

// clientRateLimit applies the per-IP budget to every request.
func (s *Server) clientRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.AllowIP(clientIP(c)) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Reason: "rate_limited"})
			return
		}
		c.Next()
	}
}

// deviceAuthMiddleware enforces X-Device-Key or X-API-Key on the legacy
// ingest group. Device keys are verified per device through the bcrypt
// cache; the API key is the static operator credential.
func (s *Server) deviceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader("X-API-Key"); key != "" {
			if s.cfg.Auth.APIKey != "" && key == s.cfg.Auth.APIKey {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Reason: "invalid_api_key"})
			return
		}

		deviceKey := c.GetHeader("X-Device-Key")
		if deviceKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Reason: "missing_credentials"})
			return
		}
		deviceUUID := deviceUUIDFromRequest(c)
		if deviceUUID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Reason: "missing_device_uuid"})
			return
		}
		if err := s.deviceAuth.Verify(c.Request.Context(), deviceUUID, deviceKey); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Reason: "invalid_device_key"})
			return
		}
		c.Next()
	}
}

// deviceUUIDFromRequest pulls the device identity from the header; packet
// bodies repeat it but the header is authoritative for auth.
func deviceUUIDFromRequest(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-Device-UUID"))
}

// clientIP resolves the caller address behind proxies.
func clientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if real := c.GetHeader("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	return c.ClientIP()
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}
