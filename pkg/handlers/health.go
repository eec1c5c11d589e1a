package handlers

import (
	"encoding/json"
	"time"

	"github.com/andrey-viktorov/stream-mock/pkg/registry"
	"github.com/valyala/fasthttp"
)

// HealthSnapshot is the body returned by the health endpoints.
type HealthSnapshot struct {
	Status               string `json:"status"`
	Uptime               int64  `json:"uptime"`
	Timestamp            string `json:"timestamp"`
	Version              string `json:"version"`
	WebSocketConnections int    `json:"websocket_connections"`
}

// HealthHandler reports liveness, uptime and the number of open duplex connections.
// SSE streams are not counted.
type HealthHandler struct {
	registry  *registry.Registry
	version   string
	startTime time.Time
}

// NewHealthHandler creates a health reporter. Uptime is measured from startTime.
func NewHealthHandler(reg *registry.Registry, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		registry:  reg,
		version:   version,
		startTime: startTime,
	}
}

// Snapshot computes the current health.
func (h *HealthHandler) Snapshot() HealthSnapshot {
	return HealthSnapshot{
		Status:               "healthy",
		Uptime:               int64(time.Since(h.startTime) / time.Second),
		Timestamp:            timestamp(),
		Version:              h.version,
		WebSocketConnections: h.registry.Len(),
	}
}

// Handle serves the health snapshot as JSON.
func (h *HealthHandler) Handle(ctx *fasthttp.RequestCtx) {
	body, err := json.MarshalIndent(h.Snapshot(), "", "  ")
	if err != nil {
		ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetBody(body)
}
