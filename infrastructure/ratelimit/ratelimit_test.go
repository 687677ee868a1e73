package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMiddlewareAllowsRequestsWithinBurst(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 10, Burst: 2})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := limiter.Middleware(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMiddlewareRejectsOnceBurstIsExhausted(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, Burst: 1})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := limiter.Middleware(next)

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func TestResetRefillsTheBucket(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, Burst: 1})
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.Reset()
	assert.True(t, limiter.Allow())
}
