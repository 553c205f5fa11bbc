package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLimiter records the Allow call and answers from fixed fields.
type fakeLimiter struct {
	ctx     context.Context
	key     string
	allowed bool
	err     error
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.ctx = ctx
	f.key = key
	return f.allowed, f.err
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error { return nil }

type ctxKey struct{}

func TestRateLimitUsesRequestContext(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	h := RateLimit(limiter, 10, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/quotes", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "req"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, limiter.ctx)
	assert.Equal(t, "req", limiter.ctx.Value(ctxKey{}),
		"limiter must observe the request context, not a detached one")
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	h := RateLimit(limiter, 1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run when the limit is hit")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/quotes", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "ratelimit:api:203.0.113.7", limiter.key)
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	limiter := &fakeLimiter{err: errors.New("redis down")}
	h := RateLimit(limiter, 1, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/quotes", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
