package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWrap_Order(t *testing.T) {
	var calls []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls = append(calls, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(okHandler(), mark("outer"), mark("middle"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "middle", "inner"}, calls)
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := Wrap(panicky, InjectLogger(zap.New(core)), Recovery())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Error interno", body["error"])

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Panic recovered", logs.All()[0].Message)
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		zctx.From(r.Context()).Info("inside")
	})
	h := Wrap(inner, InjectLogger(zap.New(core)), RequestID())

	t.Run("reuses valid header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "abc-123", entries[0].ContextMap()["request_id"])
	})

	t.Run("replaces invalid header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", 129))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		logs.TakeAll()
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("req-1"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("bad\nid"))
	assert.False(t, validRequestID(strings.Repeat("a", 129)))
}

func TestLogRequests(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	r := chi.NewRouter()
	r.Use(LogRequests())
	r.Get("/confirmar/{order_id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/fail", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := Wrap(r, InjectLogger(zap.New(core)))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/confirmar/42", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "Request", entries[0].Message)
	assert.Equal(t, "/confirmar/{order_id}", first["route"])
	assert.Equal(t, int64(http.StatusOK), first["status"])
	assert.Equal(t, int64(2), first["bytes"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, int64(http.StatusBadGateway), entries[1].ContextMap()["status"])
}

func TestInstrument(t *testing.T) {
	h := Instrument("orderbridge", tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := RateLimit(ctx, RateLimitConfig{RPS: 0.001, Burst: 2})(okHandler())
	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1001").Code)

	denied := send("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "2", denied.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(denied.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])

	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code, "independent bucket per client")
}

func TestRateLimit_Evict(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()
	_, _, ok := rl.reserve("a", now)
	require.True(t, ok)
	_, _, ok = rl.reserve("b", now.Add(50*time.Second))
	require.True(t, ok)

	rl.evict(now.Add(90 * time.Second))
	assert.NotContains(t, rl.clients, "a")
	assert.Contains(t, rl.clients, "b")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:4444"
	assert.Equal(t, "192.168.1.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
	assert.Equal(t, "203.0.113.50", ClientIP(req))
}
