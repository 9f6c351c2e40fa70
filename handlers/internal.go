package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chorus/realtime/models"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

// InternalHandler receives notifications from other backend services. Routes
// are behind middleware.ServiceAuth.
type InternalHandler struct {
	hub    *services.Hub
	logger *utils.Logger
}

func NewInternalHandler(hub *services.Hub, logger *utils.Logger) *InternalHandler {
	return &InternalHandler{
		hub:    hub,
		logger: logger.With("component", "internal_api"),
	}
}

func (ih *InternalHandler) fail(c *gin.Context, err error) {
	typed := services.AsError(err)
	status := http.StatusBadRequest
	if typed.Code == services.CodeInternal {
		status = http.StatusInternalServerError
		ih.logger.Error("Internal request failed", "path", c.FullPath(), "error", err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": typed})
}

func badRequest(err error) error {
	return services.ErrInvalidPayload.WithMessage(err.Error())
}

// GiftSent serves POST /internal/rooms/:roomId/gifts.
func (ih *InternalHandler) GiftSent(c *gin.Context) {
	var gift models.GiftNotice
	if err := c.ShouldBindJSON(&gift); err != nil {
		ih.fail(c, badRequest(err))
		return
	}

	delivered, err := ih.hub.Rooms.NotifyGiftSent(c.Request.Context(), c.Param("roomId"), gift)
	if err != nil {
		ih.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": delivered, "transaction_id": gift.TransactionID})
}

type kickRequest struct {
	UserID string             `json:"user_id" binding:"required"`
	Reason models.LeaveReason `json:"reason"`
}

// Kick serves POST /internal/rooms/:roomId/kick for kicks and bans.
func (ih *InternalHandler) Kick(c *gin.Context) {
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}
	switch req.Reason {
	case "":
		req.Reason = models.LeaveKicked
	case models.LeaveKicked, models.LeaveBanned:
	default:
		ih.fail(c, services.ErrInvalidPayload.WithMessage("reason must be kicked or banned"))
		return
	}

	ctx := c.Request.Context()
	roomID := c.Param("roomId")
	if err := ih.hub.Rooms.ForceLeave(ctx, roomID, req.UserID, req.Reason); err != nil {
		ih.fail(c, err)
		return
	}
	ih.hub.RoomGames.PlayerLeft(ctx, roomID, req.UserID)
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "user_id": req.UserID, "reason": req.Reason})
}

type roomUpdateRequest struct {
	Changes map[string]interface{} `json:"changes" binding:"required"`
}

// RoomUpdated serves POST /internal/rooms/:roomId/updated.
func (ih *InternalHandler) RoomUpdated(c *gin.Context) {
	var req roomUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}
	ih.hub.Rooms.NotifyRoomUpdated(c.Request.Context(), c.Param("roomId"), req.Changes)
	c.Status(http.StatusAccepted)
}

type systemMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// SystemMessage serves POST /internal/rooms/:roomId/system.
func (ih *InternalHandler) SystemMessage(c *gin.Context) {
	var req systemMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}
	ih.hub.Rooms.NotifySystem(c.Request.Context(), c.Param("roomId"), req.Text)
	c.Status(http.StatusAccepted)
}

type notifyRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Notify serves POST /internal/users/:userId/notify.
func (ih *InternalHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}

	ctx := c.Request.Context()
	userID := c.Param("userId")
	switch req.Type {
	case "", "notification":
		ih.hub.Relay.PublishNotification(ctx, userID, req.Payload)
	case "friend_request":
		ih.hub.Relay.PublishFriendRequest(ctx, userID, req.Payload)
	default:
		ih.fail(c, services.ErrInvalidPayload.WithMessage("unknown notification type"))
		return
	}
	c.Status(http.StatusAccepted)
}

type profileUpdateRequest struct {
	DisplayName string   `json:"display_name" binding:"required"`
	Avatar      string   `json:"avatar"`
	RoomIDs     []string `json:"room_ids"`
}

// ProfileUpdated serves POST /internal/users/:userId/profile.
func (ih *InternalHandler) ProfileUpdated(c *gin.Context) {
	var req profileUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}
	profile := models.Profile{UserID: c.Param("userId"), DisplayName: req.DisplayName, Avatar: req.Avatar}
	ih.hub.Rooms.NotifyProfileUpdated(c.Request.Context(), profile, req.RoomIDs)
	c.Status(http.StatusAccepted)
}

type blockRequest struct {
	BlockerID string `json:"blocker_id" binding:"required"`
	BlockedID string `json:"blocked_id" binding:"required"`
	Blocked   *bool  `json:"blocked" binding:"required"`
}

// BlockChanged serves POST /internal/blocks.
func (ih *InternalHandler) BlockChanged(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ih.fail(c, badRequest(err))
		return
	}
	if req.BlockerID == req.BlockedID {
		ih.fail(c, badRequest(errors.New("cannot block yourself")))
		return
	}
	ih.hub.Relay.PublishBlock(c.Request.Context(), req.BlockerID, req.BlockedID, *req.Blocked)
	c.Status(http.StatusAccepted)
}
