package monitoring

import (
	"context"
	"net/http"
	"time"

	"roomlink/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler reports process liveness and the current room count.
type HealthHandler struct {
	registry ports.RoomRegistry
}

func NewHealthHandler(registry ports.RoomRegistry) *HealthHandler {
	return &HealthHandler{registry: registry}
}

func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	rooms, err := h.registry.RoomCount(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"rooms":     rooms,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// NewRouter builds the operational HTTP surface: liveness probe and,
// optionally, the prometheus metrics endpoint.
func NewRouter(registry ports.RoomRegistry, prometheusEnabled bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := NewHealthHandler(registry)
	router.GET("/health", h.Health)
	if prometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}
