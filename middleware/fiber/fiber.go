// Package fiber provides Fiber middleware for quota enforcement
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// VerdictKey is the Locals key under which the verdict of an allowed request
// is stored.
const VerdictKey = "windowquota.verdict"

// Config holds middleware configuration
type Config struct {
	// Enforcer decides whether a request proceeds (required)
	Enforcer *windowquota.Enforcer[*fiber.Ctx]

	// QuotaExceededStatusCode is the HTTP status code to return when quota is exceeded
	// Default: 429 (Too Many Requests)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when quota is exceeded
	// If nil, uses default response: QuotaExceededStatusCode JSON with usage info
	OnQuotaExceeded func(c *fiber.Ctx, err *windowquota.QuotaExceededError) error

	// OnError is called when the quota could not be checked
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces quota limits
func Middleware(cfg Config) fiber.Handler {
	if cfg.Enforcer == nil {
		panic("windowquota/fiber: Config.Enforcer is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusTooManyRequests
	}

	return func(c *fiber.Ctx) error {
		verdict, err := cfg.Enforcer.Check(c.UserContext(), c)
		if err != nil {
			var exceeded *windowquota.QuotaExceededError
			if errors.As(err, &exceeded) {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, exceeded)
				}
				return c.Status(cfg.QuotaExceededStatusCode).JSON(quotahttp.NewExceededBody(exceeded))
			}

			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(quotahttp.InternalErrorBody)
		}

		quotahttp.SetHeaders(verdict, func(k, v string) { c.Set(k, v) })
		c.Locals(VerdictKey, verdict)
		return c.Next()
	}
}

// GetVerdict returns the verdict stored by Middleware, if any
func GetVerdict(c *fiber.Ctx) (*windowquota.Verdict, bool) {
	verdict, ok := c.Locals(VerdictKey).(*windowquota.Verdict)
	return verdict, ok
}

// KeyFromLocals returns a key function that reads a string from Fiber locals
func KeyFromLocals(key string) func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		if s, ok := c.Locals(key).(string); ok {
			return s
		}
		return ""
	}
}

// KeyFromHeader returns a key function that reads a header.
// Fiber reuses request buffers and stores may keep the key, so it is copied.
func KeyFromHeader(headerName string) func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Get(headerName))
	}
}

// KeyFromParam returns a key function that reads a route parameter
func KeyFromParam(paramName string) func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.Params(paramName))
	}
}

// KeyFromIP returns a key function that uses the client IP
func KeyFromIP() func(*fiber.Ctx) string {
	return func(c *fiber.Ctx) string {
		return utils.CopyString(c.IP())
	}
}
