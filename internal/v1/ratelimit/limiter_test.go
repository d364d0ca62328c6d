package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenmarket/storefront-chat/internal/v1/config"
)

func newMemoryLimiter(t *testing.T, global, messages string) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&config.Config{
		RateLimitAPIGlobal:   global,
		RateLimitAPIMessages: messages,
	}, nil)
	require.NoError(t, err)
	return rl
}

func TestNewRateLimiterInvalidRate(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{
		RateLimitAPIGlobal:   "lots",
		RateLimitAPIMessages: "120-M",
	}, nil)
	assert.Error(t, err)
}

func limitedRouter(rl *RateLimiter, mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestGlobalMiddlewareAllowsWithinLimit(t *testing.T) {
	rl := newMemoryLimiter(t, "5-M", "5-M")
	router := limitedRouter(rl, rl.GlobalMiddleware())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestGlobalMiddlewareBlocksOverLimit(t *testing.T) {
	rl := newMemoryLimiter(t, "2-M", "2-M")
	router := limitedRouter(rl, rl.GlobalMiddleware())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestMessagesMiddlewareBlocksOverLimit(t *testing.T) {
	rl := newMemoryLimiter(t, "100-M", "1-M")
	router := limitedRouter(rl, rl.MessagesMiddleware())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
