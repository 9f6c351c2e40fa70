package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/realtime/models"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

type PresenceHandler struct {
	hub    *services.Hub
	logger *utils.Logger
}

func NewPresenceHandler(hub *services.Hub, logger *utils.Logger) *PresenceHandler {
	return &PresenceHandler{
		hub:    hub,
		logger: logger.With("component", "presence_api"),
	}
}

// GetStatus serves GET /api/v1/presence/:userId.
func (ph *PresenceHandler) GetStatus(c *gin.Context) {
	userID := c.Param("userId")

	presence, err := ph.hub.Presence.Get(c.Request.Context(), userID)
	if err != nil {
		ph.logger.Error("Failed to get presence", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": services.Internal(err)})
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{
		UserID:   presence.UserID,
		Status:   presence.Status,
		LastSeen: presence.LastSeen,
		IsOnline: presence.Status == models.StatusOnline,
	})
}

// GetOnlineUsers serves GET /api/v1/presence/online.
func (ph *PresenceHandler) GetOnlineUsers(c *gin.Context) {
	users, err := ph.hub.Presence.Online(c.Request.Context())
	if err != nil {
		ph.logger.Error("Failed to get online users", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": services.Internal(err)})
		return
	}

	c.JSON(http.StatusOK, models.OnlineUsersResponse{
		Count: len(users),
		Users: users,
	})
}

// GetRoomOnline serves GET /api/v1/rooms/:roomId/online.
func (ph *PresenceHandler) GetRoomOnline(c *gin.Context) {
	roomID := c.Param("roomId")

	users, err := ph.hub.Rooms.Roster(c.Request.Context(), roomID)
	if err != nil {
		ph.logger.Error("Failed to get room roster", "room_id", roomID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": services.Internal(err)})
		return
	}

	c.JSON(http.StatusOK, models.RosterResponse{
		RoomID: roomID,
		Count:  len(users),
		Users:  users,
	})
}
