package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("secret")(ok)
	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"bearer", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"bearer lower-case scheme", map[string]string{"Authorization": "bearer secret"}, http.StatusOK},
		{"api key header", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"wrong key", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"basic scheme", map[string]string{"Authorization": "Basic secret"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := serve(h, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	assert.Equal(t, http.StatusOK, serve(Auth("")(ok), httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000/"})(ok)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := serve(h, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/webhook", nil)
	assert.Equal(t, http.StatusNoContent, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anything")
	rec = serve(CORS([]string{"*"})(ok), req)
	assert.Equal(t, "http://anything", rec.Header().Get("Access-Control-Allow-Origin"))
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("rejects over limit", func(t *testing.T) {
		lim := &stubLimiter{}
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := serve(RateLimit(lim, "webhook", 5, time.Minute, logger)(ok), req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, []string{"webhook:203.0.113.7"}, lim.keys)
	})

	t.Run("fails open", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rec := serve(RateLimit(lim, "webhook", 5, time.Minute, logger)(ok), req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"webhook:192.0.2.1"}, lim.keys)
	})

	t.Run("disabled", func(t *testing.T) {
		lim := &stubLimiter{}
		rec := serve(RateLimit(lim, "webhook", 0, time.Minute, logger)(ok), httptest.NewRequest(http.MethodPost, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, lim.keys)
		assert.Equal(t, http.StatusOK, serve(RateLimit(nil, "webhook", 5, time.Minute, logger)(ok), httptest.NewRequest(http.MethodPost, "/", nil)).Code)
	})
}

func TestLoggingCapturesStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	})
	rec := serve(Logging(logger)(mux), httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
