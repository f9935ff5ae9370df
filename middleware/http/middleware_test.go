package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/windowquota/middleware/internal/quotahttp"
	"github.com/mihaimyh/windowquota/pkg/windowquota"
	"github.com/mihaimyh/windowquota/storage/memory"
)

func newEnforcer(t *testing.T, opts windowquota.Options[*http.Request]) *windowquota.Enforcer[*http.Request] {
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

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	if header != "" {
		req.Header.Set("X-API-Key", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_Success(t *testing.T) {
	h := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{Limit: 5})})(okHandler())

	rec := serve(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get(quotahttp.HeaderLimit))
	assert.Equal(t, "1", rec.Header().Get(quotahttp.HeaderUsage))
	assert.Equal(t, "4", rec.Header().Get(quotahttp.HeaderRemaining))
	assert.Empty(t, rec.Header().Get(quotahttp.HeaderWarning))
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	h := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
		Limit:  2,
		Window: 10 * time.Second,
		Key:    windowquota.DerivedKey(KeyFromHeader("X-API-Key")),
	})})(okHandler())

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, serve(h, "k1").Code)
	}

	rec := serve(h, "k1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body quotahttp.ExceededBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, quotahttp.ExceededBody{
		Error: "Quota exceeded", Usage: 3, Limit: 2, WindowMs: 10000, Key: "k1",
	}, body)

	// Other keys keep their own window
	assert.Equal(t, http.StatusOK, serve(h, "k2").Code)
}

func TestMiddleware_LogOnly(t *testing.T) {
	h := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
		Limit:   1,
		LogOnly: true,
	})})(okHandler())

	require.Equal(t, http.StatusOK, serve(h, "").Code)

	rec := serve(h, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "quota exceeded: usage 2/1", rec.Header().Get(quotahttp.HeaderWarning))
	assert.Equal(t, "0", rec.Header().Get(quotahttp.HeaderRemaining))
}

func failingStore() windowquota.Store {
	return windowquota.StoreFunc(func(context.Context, *windowquota.IncrementRequest) (int, error) {
		return 0, errors.New("connection refused")
	})
}

func TestMiddleware_StoreFailure(t *testing.T) {
	t.Run("fail closed", func(t *testing.T) {
		h := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
			Store: failingStore(),
			Limit: 1,
		})})(okHandler())

		rec := serve(h, "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})

	t.Run("fail open", func(t *testing.T) {
		h := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
			Store:    failingStore(),
			Limit:    1,
			FailOpen: true,
		})})(okHandler())

		rec := serve(h, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(quotahttp.HeaderUsage))
	})
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	var gotErr error
	var gotExceeded *windowquota.QuotaExceededError

	cfg := Config{
		Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{Limit: 0}),
		OnQuotaExceeded: func(w http.ResponseWriter, r *http.Request, err *windowquota.QuotaExceededError) {
			gotExceeded = err
			w.WriteHeader(http.StatusPaymentRequired)
		},
	}
	rec := serve(Middleware(cfg)(okHandler()), "")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotNil(t, gotExceeded)
	assert.Equal(t, 1, gotExceeded.Usage)

	cfg = Config{
		Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{Store: failingStore(), Limit: 1}),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			gotErr = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}
	rec = serve(Middleware(cfg)(okHandler()), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var internal *windowquota.InternalError
	assert.ErrorAs(t, gotErr, &internal)
}

func TestMiddleware_RequiresEnforcer(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

func TestHandlerFunc(t *testing.T) {
	mw := HandlerFunc(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{Limit: 1})})
	h := mw(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestKeyFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, KeyFromContext(QuotaKey)(req))

	req = req.WithContext(context.WithValue(req.Context(), QuotaKey, "tenant:7"))
	assert.Equal(t, "tenant:7", KeyFromContext(QuotaKey)(req))
}

func TestKeyFromRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", KeyFromRemoteAddr()(req))

	req.RemoteAddr = "unix-socket"
	assert.Equal(t, "unix-socket", KeyFromRemoteAddr()(req))
}

func TestMiddleware_Chi(t *testing.T) {
	quota := Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
		Limit: 1,
		Key: windowquota.DerivedKey(func(r *http.Request) string {
			return "tenant:" + chi.URLParam(r, "tenant")
		}),
	})})

	r := chi.NewRouter()
	r.With(quota).Get("/{tenant}/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	do := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/a/items"))
	assert.Equal(t, http.StatusOK, do("/b/items"))
	assert.Equal(t, http.StatusTooManyRequests, do("/a/items"))
}

func TestMiddleware_GorillaMux(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/{tenant}/items", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Use(mux.MiddlewareFunc(Middleware(Config{Enforcer: newEnforcer(t, windowquota.Options[*http.Request]{
		Limit: 1,
		Key: windowquota.DerivedKey(func(r *http.Request) string {
			return "tenant:" + mux.Vars(r)["tenant"]
		}),
	})})))

	do := func(path string) int {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("/a/items"))
	assert.Equal(t, http.StatusOK, do("/b/items"))
	assert.Equal(t, http.StatusTooManyRequests, do("/a/items"))
}
