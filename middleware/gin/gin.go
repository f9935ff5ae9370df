// Package gin provides Gin middleware for quota enforcement
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// VerdictKey is the context key under which the verdict of an allowed
// request is stored.
const VerdictKey = "windowquota.verdict"

// Config holds middleware configuration
type Config struct {
	// Enforcer decides whether a request proceeds (required)
	Enforcer *windowquota.Enforcer[*gongin.Context]

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c *gongin.Context, err *windowquota.QuotaExceededError)

	// OnError is called when the quota could not be checked
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces quota limits
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Enforcer == nil {
		panic("windowquota/gin: Config.Enforcer is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(c *gongin.Context) {
		verdict, err := cfg.Enforcer.Check(c.Request.Context(), c)
		if err != nil {
			var exceeded *windowquota.QuotaExceededError
			switch {
			case errors.As(err, &exceeded) && cfg.OnQuotaExceeded != nil:
				cfg.OnQuotaExceeded(c, exceeded)
			case exceeded != nil:
				c.JSON(cfg.QuotaExceededStatusCode, quotahttp.NewExceededBody(exceeded))
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, quotahttp.InternalErrorBody)
			}
			c.Abort()
			return
		}

		quotahttp.SetHeaders(verdict, c.Header)
		c.Set(VerdictKey, verdict)
		c.Next()
	}
}

// GetVerdict returns the verdict stored by Middleware, if any
func GetVerdict(c *gongin.Context) (*windowquota.Verdict, bool) {
	v, ok := c.Get(VerdictKey)
	if !ok {
		return nil, false
	}
	verdict, ok := v.(*windowquota.Verdict)
	return verdict, ok
}

// KeyFromContext returns a key function that reads a string from Gin context values.
// Auth middleware typically sets it with c.Set(key, userID).
func KeyFromContext(key string) func(*gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// KeyFromHeader returns a key function that reads a header
func KeyFromHeader(headerName string) func(*gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// KeyFromParam returns a key function that reads a route parameter
func KeyFromParam(paramName string) func(*gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// KeyFromClientIP returns a key function that uses the client IP
func KeyFromClientIP() func(*gongin.Context) string {
	return func(c *gongin.Context) string {
		return c.ClientIP()
	}
}
