package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Lunaphied/plural-kitty/internal/logging"
	"go.uber.org/zap"
)

// Pinger is satisfied by anything that can confirm its backend is reachable
// — a *pgxpool.Pool or a *redis.Client both implement Ping(ctx) error.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints.
type Handler struct {
	primaryDB     Pinger
	homeserverDB  Pinger
	rateLimitConn Pinger // nil when the rate limiter uses its in-memory store
}

// NewHandler creates a new health check handler. rateLimitConn may be nil
// when the rate limiter is not backed by Redis.
func NewHandler(primaryDB, homeserverDB, rateLimitConn Pinger) *Handler {
	return &Handler{
		primaryDB:     primaryDB,
		homeserverDB:  homeserverDB,
		rateLimitConn: rateLimitConn,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy.
// Returns 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	primaryStatus := h.checkPinger(ctx, h.primaryDB, "primary_db")
	checks["primary_db"] = primaryStatus
	if primaryStatus != "healthy" {
		allHealthy = false
	}

	homeserverStatus := h.checkPinger(ctx, h.homeserverDB, "homeserver_db")
	checks["homeserver_db"] = homeserverStatus
	if homeserverStatus != "healthy" {
		allHealthy = false
	}

	if h.rateLimitConn != nil {
		rateLimitStatus := h.checkPinger(ctx, h.rateLimitConn, "rate_limit_redis")
		checks["rate_limit_redis"] = rateLimitStatus
		if rateLimitStatus != "healthy" {
			allHealthy = false
		}
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

// checkPinger pings a dependency, treating a nil Pinger as healthy (the
// dependency is not configured for this deployment).
func (h *Handler) checkPinger(ctx context.Context, p Pinger, name string) string {
	if p == nil {
		return "healthy"
	}
	if err := p.Ping(ctx); err != nil {
		logging.Error(ctx, "dependency health check failed", zap.String("dependency", name), zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
