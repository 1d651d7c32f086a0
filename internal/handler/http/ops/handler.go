// Package ops serves the relay's health endpoint.
package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Counter reports the size of an in-memory registry
type Counter interface {
	Len() int
}

// DegradedReporter reports whether a dependency is running degraded
type DegradedReporter interface {
	IsDegraded() bool
}

// Handler handles ops HTTP requests
type Handler struct {
	service string
	keys    Counter
	groups  Counter
	redis   DegradedReporter
}

// NewHandler creates a new ops handler. redis may be nil when dedup is in memory.
func NewHandler(service string, keys, groups Counter, redis DegradedReporter) *Handler {
	return &Handler{
		service: service,
		keys:    keys,
		groups:  groups,
		redis:   redis,
	}
}

// Health reports liveness and registry sizes. A degraded Redis does not fail
// the check: dedup falls back to memory.
func (h *Handler) Health(c *gin.Context) {
	status := "healthy"
	dedup := "memory"
	if h.redis != nil {
		dedup = "redis"
		if h.redis.IsDegraded() {
			status = "degraded"
			dedup = "memory (redis degraded)"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"service":           h.service,
		"dedup_store":       dedup,
		"registered_keys":   h.keys.Len(),
		"registered_groups": h.groups.Len(),
	})
}

// RegisterRoutes mounts the ops endpoints
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
