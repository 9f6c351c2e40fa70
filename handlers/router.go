package handlers

import (
	"github.com/gin-gonic/gin"

	"chorus/realtime/config"
	"chorus/realtime/middleware"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

// NewRouter wires every HTTP and websocket route onto a gin engine.
func NewRouter(cfg *config.Config, hub *services.Hub, verifier services.TokenVerifier, logger *utils.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logging(logger))

	router.GET("/health", HealthCheck(hub, cfg.InstanceID))

	ws := NewWebSocketHandler(hub, NewDispatcher(hub, logger), cfg, logger)
	router.GET("/ws", ws.HandleConnection)

	presence := NewPresenceHandler(hub, logger)
	api := router.Group("/api/v1", middleware.BearerAuth(verifier, cfg.AccessTokenType))
	{
		api.GET("/presence/online", presence.GetOnlineUsers)
		api.GET("/presence/:userId", presence.GetStatus)
		api.GET("/rooms/:roomId/online", presence.GetRoomOnline)
	}

	internal := NewInternalHandler(hub, logger)
	svc := router.Group("/internal", middleware.ServiceAuth(verifier, cfg.ServiceTokenType))
	{
		svc.POST("/rooms/:roomId/gifts", internal.GiftSent)
		svc.POST("/rooms/:roomId/kick", internal.Kick)
		svc.POST("/rooms/:roomId/updated", internal.RoomUpdated)
		svc.POST("/rooms/:roomId/system", internal.SystemMessage)
		svc.POST("/users/:userId/notify", internal.Notify)
		svc.POST("/users/:userId/profile", internal.ProfileUpdated)
		svc.POST("/blocks", internal.BlockChanged)
	}

	return router
}
