// Package echo provides Echo middleware for quota enforcement
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// VerdictKey is the context key under which the verdict of an allowed
// request is stored.
const VerdictKey = "windowquota.verdict"

// Config holds middleware configuration
type Config struct {
	// Enforcer decides whether a request proceeds (required)
	Enforcer *windowquota.Enforcer[echo.Context]

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c echo.Context, err *windowquota.QuotaExceededError) error

	// OnError is called when the quota could not be checked
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces quota limits
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Enforcer == nil {
		panic("windowquota/echo: Config.Enforcer is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusTooManyRequests
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			verdict, err := cfg.Enforcer.Check(c.Request().Context(), c)
			if err != nil {
				var exceeded *windowquota.QuotaExceededError
				if errors.As(err, &exceeded) {
					if cfg.OnQuotaExceeded != nil {
						return cfg.OnQuotaExceeded(c, exceeded)
					}
					return c.JSON(cfg.QuotaExceededStatusCode, quotahttp.NewExceededBody(exceeded))
				}

				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, quotahttp.InternalErrorBody)
			}

			quotahttp.SetHeaders(verdict, c.Response().Header().Set)
			c.Set(VerdictKey, verdict)
			return next(c)
		}
	}
}

// GetVerdict returns the verdict stored by Middleware, if any
func GetVerdict(c echo.Context) (*windowquota.Verdict, bool) {
	verdict, ok := c.Get(VerdictKey).(*windowquota.Verdict)
	return verdict, ok
}

// KeyFromContext returns a key function that reads a string from Echo context values
func KeyFromContext(key string) func(echo.Context) string {
	return func(c echo.Context) string {
		if s, ok := c.Get(key).(string); ok {
			return s
		}
		return ""
	}
}

// KeyFromHeader returns a key function that reads a header
func KeyFromHeader(headerName string) func(echo.Context) string {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// KeyFromParam returns a key function that reads a route parameter
func KeyFromParam(paramName string) func(echo.Context) string {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// KeyFromRealIP returns a key function that uses the client IP
func KeyFromRealIP() func(echo.Context) string {
	return func(c echo.Context) string {
		return c.RealIP()
	}
}
