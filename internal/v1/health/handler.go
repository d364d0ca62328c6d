package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenmarket/storefront-chat/internal/v1/logging"
	"github.com/lumenmarket/storefront-chat/internal/v1/store"
)

// Pinger reports connectivity to the persistence backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints
type Handler struct {
	persist    Pinger
	backendURL string
	client     *http.Client
}

// NewHandler creates a new health check handler. The persist argument is nil
// when running on the in-memory store.
func NewHandler(persist *store.RedisStore, backendURL string) *Handler {
	h := &Handler{
		backendURL: backendURL,
		client:     &http.Client{Timeout: 3 * time.Second},
	}
	if persist != nil {
		h.persist = persist
	}
	return h
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	backendStatus := h.checkBackend(ctx)
	checks["backend"] = backendStatus
	if backendStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// In-memory mode has no external persistence to check
	if h.persist == nil {
		return "healthy"
	}

	if err := h.persist.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkBackend verifies the conversation backend answers at all. Any HTTP
// response counts; an auth rejection still proves the service is up.
func (h *Handler) checkBackend(ctx context.Context) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.backendURL+"/health", nil)
	if err != nil {
		return "unhealthy"
	}

	resp, err := h.client.Do(req)
	if err != nil {
		logging.Error(ctx, "Backend health check failed", zap.Error(err))
		return "unhealthy"
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		logging.Warn(ctx, "Backend health check returned server error",
			zap.Int("status", resp.StatusCode))
		return "unhealthy"
	}
	return "healthy"
}
