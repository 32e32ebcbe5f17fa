// Package health exposes the Kubernetes-style liveness and readiness
// probes for the classroom process.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// StorePinger verifies the document store's backing location is reachable.
type StorePinger interface {
	Ping() error
}

// HubStatus reports whether the hub has started shutting down.
type HubStatus interface {
	ShuttingDown() bool
}

// Handler manages health check endpoints.
type Handler struct {
	store StorePinger
	hub   HubStatus
}

// NewHandler creates a health check handler over the process dependencies.
// Either dependency may be nil, in which case its check always passes.
func NewHandler(store StorePinger, hub HubStatus) *Handler {
	return &Handler{store: store, hub: hub}
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
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: types.FormatTimestamp(time.Now()),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only while every dependency is healthy and the hub is not
// draining; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"store": h.checkStore(ctx),
		"hub":   h.checkHub(),
	}

	status := "ready"
	statusCode := http.StatusOK
	for _, result := range checks {
		if result != "healthy" {
			status = "unavailable"
			statusCode = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: types.FormatTimestamp(time.Now()),
	})
}

// checkStore verifies the document store can still reach its file.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.store == nil {
		return "healthy"
	}
	if err := h.store.Ping(); err != nil {
		logging.Error(ctx, "Store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkHub reports draining once hub shutdown has begun.
func (h *Handler) checkHub() string {
	if h.hub == nil {
		return "healthy"
	}
	if h.hub.ShuttingDown() {
		return "draining"
	}
	return "healthy"
}
