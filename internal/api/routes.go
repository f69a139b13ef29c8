// Package api exposes the oracle's thin read-only HTTP/WebSocket surface
// (spec.md's EXPOSED SURFACE): /healthz, /metrics, and /stream. There is
// deliberately no write path and no authentication (spec.md Non-goals: "no
// authentication or multi-tenant access control").
package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/utxoracle/internal/orchestrator"
)

// APIHandler holds everything the three routes need to answer a request.
type APIHandler struct {
	orch *orchestrator.Orchestrator
	hub  *Hub
}

// SetupRouter builds the Gin engine serving /healthz, /metrics, and /stream.
// orch supplies live health/estimate state; hub relays the publisher's
// MempoolUpdate stream to connected websocket clients.
func SetupRouter(orch *orchestrator.Orchestrator, hub *Hub) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	h := &APIHandler{orch: orch, hub: hub}

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stream", hub.Subscribe)

	return r
}

// corsMiddleware allows cross-origin reads from a configured dashboard
// origin list (ALLOWED_ORIGINS, comma-separated), or any origin if unset —
// the oracle's output is public market data, not a tenant-scoped resource.
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowedOrigins == "" || allowedOrigins == "*":
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept-Encoding")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// healthResponse mirrors spec.md §5's health payload shape.
type healthResponse struct {
	SourceHealthy   bool  `json:"source_healthy"`
	BaselineReady   bool  `json:"baseline_ready"`
	BaselineHeight  int64 `json:"baseline_height,omitempty"`
	LastLivePrice   float64 `json:"last_live_price"`
	LastLiveConfidence float64 `json:"last_live_confidence"`
}

func (h *APIHandler) healthz(c *gin.Context) {
	baseSnap := h.orch.Baseline().Snapshot()
	liveEstimate := h.orch.Live().Last()
	height, _ := h.orch.Baseline().CurrentHeight()

	resp := healthResponse{
		SourceHealthy:      h.orch.SourceHealthy(),
		BaselineReady:      baseSnap.Ready,
		BaselineHeight:     height,
		LastLivePrice:      liveEstimate.Price,
		LastLiveConfidence: liveEstimate.Confidence,
	}

	status := http.StatusOK
	if !resp.SourceHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
