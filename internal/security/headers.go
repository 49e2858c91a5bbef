// Package security provides response hardening and CORS for the dashboard API.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// contentSecurityPolicy suits a JSON + websocket API that serves no pages.
const contentSecurityPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", contentSecurityPolicy)
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		// Payment data must not sit in shared caches.
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("Cache-Control", "no-store")
		}

		c.Next()
	}
}

// MaxRequestSize caps request bodies; the only body the API accepts is a
// verification request.
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		}
		c.Next()
	}
}

// CORS builds the cross-origin policy for the browser frontend.
// With no allowed origins every origin is accepted without credentials;
// that is only meant for development.
func CORS(allowedOrigins []string) *cors.Cors {
	opts := cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}
	if len(allowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowCredentials = true
	}
	return cors.New(opts)
}
