// Package http provides net/http middleware for quota enforcement
package http

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Config holds middleware configuration
type Config struct {
	// Enforcer decides whether a request proceeds (required)
	Enforcer *windowquota.Enforcer[*http.Request]

	// OnQuotaExceeded is called when the quota is exceeded
	// If nil, returns 429 Too Many Requests with a JSON body
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, err *windowquota.QuotaExceededError)

	// OnError is called when the quota could not be checked
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces quota limits
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if cfg.Enforcer == nil {
		panic("windowquota/http: Config.Enforcer is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict, err := cfg.Enforcer.Check(r.Context(), r)
			if err != nil {
				var exceeded *windowquota.QuotaExceededError
				if errors.As(err, &exceeded) {
					if cfg.OnQuotaExceeded != nil {
						cfg.OnQuotaExceeded(w, r, exceeded)
					} else {
						writeJSON(w, http.StatusTooManyRequests, quotahttp.NewExceededBody(exceeded))
					}
					return
				}

				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, quotahttp.InternalErrorBody)
				}
				return
			}

			quotahttp.SetHeaders(verdict, w.Header().Set)
			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version)
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

// QuotaKey is the context key auth middleware can use to set the quota key
const QuotaKey ContextKey = "quota:key"

// KeyFromContext returns a key function that reads a string from the request context
func KeyFromContext(key ContextKey) func(*http.Request) string {
	return func(r *http.Request) string {
		if v, ok := r.Context().Value(key).(string); ok {
			return v
		}
		return ""
	}
}

// KeyFromHeader returns a key function that reads a header
func KeyFromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// KeyFromRemoteAddr returns a key function that uses the client IP
func KeyFromRemoteAddr() func(*http.Request) string {
	return func(r *http.Request) string {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}
