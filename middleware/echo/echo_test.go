package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
	"github.com/mihaimyh/windowquota/storage/memory"
)

func newEnforcer(t *testing.T, opts windowquota.Options[echo.Context]) *windowquota.Enforcer[echo.Context] {
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

func setupServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/users/:id", func(c echo.Context) error {
		v, _ := GetVerdict(c)
		return c.JSON(http.StatusOK, map[string]int{"usage": v.Usage})
	})
	return e
}

func doRequest(e *echo.Echo, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func failingStore() windowquota.Store {
	return windowquota.StoreFunc(func(context.Context, *windowquota.IncrementRequest) (int, error) {
		return 0, errors.New("connection refused")
	})
}

func TestMiddleware_Success(t *testing.T) {
	e := setupServer(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{Limit: 10})})

	rec := doRequest(e, "/users/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"usage":1}`, rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get(quotahttp.HeaderLimit))
	assert.Equal(t, "9", rec.Header().Get(quotahttp.HeaderRemaining))
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	e := setupServer(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{
		Limit: 2,
		Key:   windowquota.DerivedKey(KeyFromHeader("X-API-Key")),
	})})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, doRequest(e, "/users/1", "key-a").Code)
	}

	rec := doRequest(e, "/users/1", "key-a")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body quotahttp.ExceededBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "key-a", body.Key)
	assert.Equal(t, 3, body.Usage)
	assert.Equal(t, 2, body.Limit)

	assert.Equal(t, http.StatusOK, doRequest(e, "/users/1", "key-b").Code)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	e := setupServer(Config{
		Enforcer:                newEnforcer(t, windowquota.Options[echo.Context]{Limit: 0}),
		QuotaExceededStatusCode: http.StatusForbidden,
	})
	assert.Equal(t, http.StatusForbidden, doRequest(e, "/users/1", "").Code)

	e = setupServer(Config{
		Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{Limit: 0}),
		OnQuotaExceeded: func(c echo.Context, err *windowquota.QuotaExceededError) error {
			return c.String(http.StatusTooManyRequests, err.Error())
		},
	})
	rec := doRequest(e, "/users/1", "")
	assert.Contains(t, rec.Body.String(), "quota exceeded for key 'global'")

	e = setupServer(Config{
		Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{Store: failingStore(), Limit: 1}),
		OnError: func(c echo.Context, err error) error {
			return c.NoContent(http.StatusServiceUnavailable)
		},
	})
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(e, "/users/1", "").Code)
}

func TestMiddleware_StoreFailure(t *testing.T) {
	e := setupServer(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{
		Store: failingStore(), Limit: 1,
	})})
	rec := doRequest(e, "/users/1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	e = setupServer(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{
		Store: failingStore(), Limit: 1, FailOpen: true,
	})})
	assert.Equal(t, http.StatusOK, doRequest(e, "/users/1", "").Code)
}

func TestMiddleware_LogOnly(t *testing.T) {
	e := setupServer(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{
		Limit: 1, LogOnly: true,
	})})

	doRequest(e, "/users/1", "")
	rec := doRequest(e, "/users/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quota exceeded: usage 2/1", rec.Header().Get(quotahttp.HeaderWarning))
}

func TestMiddleware_KeyFromParam(t *testing.T) {
	e := echo.New()
	e.GET("/users/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[echo.Context]{
		Limit: 1,
		Key:   windowquota.DerivedKey(KeyFromParam("id")),
	})}))

	assert.Equal(t, http.StatusOK, doRequest(e, "/users/1", "").Code)
	assert.Equal(t, http.StatusOK, doRequest(e, "/users/2", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(e, "/users/1", "").Code)
}

func TestKeyFromContextAndRealIP(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:9000"
	c := e.NewContext(req, httptest.NewRecorder())

	assert.Empty(t, KeyFromContext("user")(c))
	c.Set("user", "u-9")
	assert.Equal(t, "u-9", KeyFromContext("user")(c))
	assert.Equal(t, "198.51.100.7", KeyFromRealIP()(c))
}

func TestMiddleware_RequiresEnforcer(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
