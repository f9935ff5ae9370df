package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
	"github.com/mihaimyh/windowquota/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func newEnforcer(t *testing.T, opts windowquota.Options[*gongin.Context]) *windowquota.Enforcer[*gongin.Context] {
	t.Helper()
	if opts.Store == nil {
		opts.Store = memory.New()
	}
	if opts.Window == 0 {
		opts.Window = time.Minute
	}
	e, err := windowquota.NewEnforcer(opts)
	require.NoError(t, err)
	return e
}

func setupRouter(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.GET("/users/:id/items", Middleware(cfg), func(c *gongin.Context) {
		v, _ := GetVerdict(c)
		c.JSON(http.StatusOK, gongin.H{"usage": v.Usage})
	})
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	r := setupRouter(Config{Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{Limit: 3})})

	rec := get(r, "/users/1/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"usage":1}`, rec.Body.String())
	assert.Equal(t, "3", rec.Header().Get(quotahttp.HeaderLimit))
	assert.Equal(t, "2", rec.Header().Get(quotahttp.HeaderRemaining))
}

func TestMiddleware_QuotaExceededPerParam(t *testing.T) {
	r := setupRouter(Config{Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{
		Limit: 1,
		Key:   windowquota.DerivedKey(KeyFromParam("id")),
	})})

	require.Equal(t, http.StatusOK, get(r, "/users/1/items").Code)
	require.Equal(t, http.StatusOK, get(r, "/users/2/items").Code)

	rec := get(r, "/users/1/items")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body quotahttp.ExceededBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1", body.Key)
	assert.Equal(t, 2, body.Usage)
	assert.Equal(t, int64(60000), body.WindowMs)
}

func TestMiddleware_CustomStatusCode(t *testing.T) {
	r := setupRouter(Config{
		Enforcer:                newEnforcer(t, windowquota.Options[*gongin.Context]{Limit: 0}),
		QuotaExceededStatusCode: http.StatusPaymentRequired,
	})
	assert.Equal(t, http.StatusPaymentRequired, get(r, "/users/1/items").Code)
}

func TestMiddleware_LogOnly(t *testing.T) {
	r := setupRouter(Config{Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{
		Limit:   1,
		LogOnly: true,
	})})

	get(r, "/users/1/items")
	rec := get(r, "/users/1/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(quotahttp.HeaderWarning))
}

func TestMiddleware_StoreFailure(t *testing.T) {
	failing := windowquota.StoreFunc(func(context.Context, *windowquota.IncrementRequest) (int, error) {
		return 0, errors.New("connection refused")
	})

	r := setupRouter(Config{Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{
		Store: failing, Limit: 1,
	})})
	assert.Equal(t, http.StatusInternalServerError, get(r, "/users/1/items").Code)

	var handled error
	r = setupRouter(Config{
		Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{Store: failing, Limit: 1}),
		OnError: func(c *gongin.Context, err error) {
			handled = err
			c.JSON(http.StatusServiceUnavailable, gongin.H{"error": "try later"})
		},
	})
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/users/1/items").Code)
	assert.Error(t, handled)

	r = setupRouter(Config{Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{
		Store: failing, Limit: 1, FailOpen: true,
	})})
	rec := get(r, "/users/1/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(quotahttp.HeaderUsage))
}

func TestMiddleware_OnQuotaExceeded(t *testing.T) {
	var got *windowquota.QuotaExceededError
	r := setupRouter(Config{
		Enforcer: newEnforcer(t, windowquota.Options[*gongin.Context]{Limit: 0}),
		OnQuotaExceeded: func(c *gongin.Context, err *windowquota.QuotaExceededError) {
			got = err
			c.String(http.StatusTooManyRequests, "slow down")
		},
	})

	rec := get(r, "/users/1/items")
	assert.Equal(t, "slow down", rec.Body.String())
	require.NotNil(t, got)
	assert.Equal(t, windowquota.DefaultKey, got.Key)
}

func TestKeyExtractors(t *testing.T) {
	r := gongin.New()
	var fromCtx, fromHeader, fromIP string
	r.GET("/", func(c *gongin.Context) {
		c.Set("UserID", "u-1")
		fromCtx = KeyFromContext("UserID")(c)
		fromHeader = KeyFromHeader("X-API-Key")(c)
		fromIP = KeyFromClientIP()(c)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "abc")
	req.RemoteAddr = "192.0.2.1:1234"
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "u-1", fromCtx)
	assert.Equal(t, "abc", fromHeader)
	assert.Equal(t, "192.0.2.1", fromIP)
}

func TestMiddleware_RequiresEnforcer(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
