package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"chorus/realtime/services"
)

type HealthResponse struct {
	Status       string    `json:"status"`
	Service      string    `json:"service"`
	InstanceID   string    `json:"instance_id"`
	LocalSockets int       `json:"local_sockets"`
	StoreHealthy bool      `json:"store_healthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthCheck reports 200 while the shared store answers and 503 otherwise.
func HealthCheck(hub *services.Hub, instanceID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		response := HealthResponse{
			Status:       "healthy",
			Service:      "realtime",
			InstanceID:   instanceID,
			LocalSockets: hub.Registry.Count(),
			StoreHealthy: true,
			Timestamp:    time.Now(),
		}

		status := http.StatusOK
		if err := hub.Ping(c.Request.Context()); err != nil {
			response.Status = "degraded"
			response.StoreHealthy = false
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response)
	}
}
