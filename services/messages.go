package services

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"chorus/realtime/config"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const (
	pendingDMPrefix   = "dm:pending:"
	rateLimitPrefix   = "rate:msg:"
	eventMessageState = "message_state"
	eventPrivate      = "private_message"
)

type MessageService struct {
	store    store.Store
	registry *Registry
	relay    *Relay
	rooms    *RoomService
	presence *PresenceService
	members  MembershipStore
	messages MessageStore
	social   SocialStore
	idem     *IdempotencyCache
	config   *config.Config
	logger   *utils.Logger
	now      func() time.Time
}

func NewMessageService(s store.Store, registry *Registry, relay *Relay, rooms *RoomService, presence *PresenceService,
	members MembershipStore, messages MessageStore, social SocialStore, idem *IdempotencyCache,
	cfg *config.Config, logger *utils.Logger) *MessageService {
	return &MessageService{
		store:    s,
		registry: registry,
		relay:    relay,
		rooms:    rooms,
		presence: presence,
		members:  members,
		messages: messages,
		social:   social,
		idem:     idem,
		config:   cfg,
		logger:   logger.With("component", "messages"),
		now:      time.Now,
	}
}

// SendRoomMessage persists and broadcasts a room message. A repeated client
// message id inside the idempotency window returns the first server id.
func (ms *MessageService) SendRoomMessage(ctx context.Context, conn *Connection, req models.SendMessageRequest) (*models.SendResult, error) {
	if req.RoomID == "" {
		return nil, ErrInvalidPayload.WithMessage("room_id is required")
	}

	key := ""
	if req.ClientMessageID != "" {
		key = req.RoomID + ":" + conn.UserID + ":" + req.ClientMessageID
		if res := ms.replay(ctx, key, req.ClientMessageID); res != nil {
			return res, nil
		}
	}

	result, err := ms.sendRoomMessage(ctx, conn, req)
	if key != "" {
		if err != nil {
			ms.idem.Abort(ctx, key)
		} else {
			ms.idem.Complete(ctx, key, result.MessageID)
		}
	}
	return result, err
}

func (ms *MessageService) replay(ctx context.Context, key, clientMessageID string) *models.SendResult {
	prior, inFlight := ms.idem.Begin(ctx, key)
	switch {
	case prior != "":
		return &models.SendResult{
			MessageID:       prior,
			ClientMessageID: clientMessageID,
			State:           models.StateSent,
			Duplicate:       true,
			ServerTs:        ms.now().UnixMilli(),
		}
	case inFlight:
		return &models.SendResult{
			ClientMessageID: clientMessageID,
			State:           models.StateSending,
			Duplicate:       true,
			ServerTs:        ms.now().UnixMilli(),
		}
	}
	return nil
}

func (ms *MessageService) sendRoomMessage(ctx context.Context, conn *Connection, req models.SendMessageRequest) (*models.SendResult, error) {
	if !conn.HasRoom(req.RoomID) {
		return nil, ErrNotInRoom
	}
	if err := ms.checkCanSpeak(ctx, req.RoomID, conn.UserID); err != nil {
		return nil, err
	}
	content, err := ms.validateContent(req.Content)
	if err != nil {
		return nil, err
	}
	if err := ms.checkRate(ctx, conn.UserID); err != nil {
		return nil, err
	}

	msgType := req.Type
	if msgType == "" {
		msgType = "text"
	}

	ms.emitState(conn, "", req.ClientMessageID, req.RoomID, models.StateSending)
	stored, err := ms.messages.CreateMessage(ctx, NewMessage{
		RoomID:          req.RoomID,
		SenderID:        conn.UserID,
		Type:            msgType,
		Content:         content,
		ClientMessageID: req.ClientMessageID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		ms.logger.Error("Failed to persist room message", "room_id", req.RoomID, "user_id", conn.UserID, "error", err)
		return nil, Internal(err)
	}
	ms.emitState(conn, stored.ID, req.ClientMessageID, req.RoomID, models.StateSent)

	ev := ms.rooms.NewEvent(models.RoomEventMessage, req.RoomID, &conn.Profile, map[string]interface{}{
		"message_id":        stored.ID,
		"client_message_id": req.ClientMessageID,
		"type":              msgType,
		"content":           content,
		"metadata":          req.Metadata,
		"avatar":            conn.Profile.Avatar,
	})
	ms.rooms.BroadcastToRoom(ctx, TopicRoom, ev, "")

	return &models.SendResult{
		MessageID:       stored.ID,
		ClientMessageID: req.ClientMessageID,
		State:           models.StateSent,
		ServerTs:        ev.ServerTs,
	}, nil
}

// checkCanSpeak enforces membership, ban and mute. An expired mute is
// cleared on the way through.
func (ms *MessageService) checkCanSpeak(ctx context.Context, roomID, userID string) error {
	m, err := ms.members.GetMembership(ctx, roomID, userID)
	if err != nil {
		return Internal(err)
	}
	if m == nil || m.HasLeft {
		return ErrNotAMember
	}
	now := ms.now()
	if m.BannedAt(now) {
		return ErrUserBanned
	}
	if !m.IsMuted {
		return nil
	}

	remaining, active := m.MuteRemaining(now)
	if !active {
		if err := ms.members.ClearMute(ctx, roomID, userID); err != nil {
			ms.logger.Warn("Failed to clear expired mute", "room_id", roomID, "user_id", userID, "error", err)
		}
		return nil
	}
	details := map[string]interface{}{"permanent": remaining < 0}
	if remaining > 0 {
		details["remaining_seconds"] = int64(math.Ceil(remaining.Seconds()))
		details["muted_until"] = m.MutedUntil.UTC().Format(time.RFC3339)
	}
	return ErrUserMuted.WithDetails(details)
}

func (ms *MessageService) validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", ErrInvalidContent
	}
	if utf8.RuneCountInString(trimmed) > ms.config.MaxMessageLength {
		return "", ErrContentTooLong.WithDetails(map[string]interface{}{"max_length": ms.config.MaxMessageLength})
	}
	return trimmed, nil
}

// checkRate counts sends per user in a fixed window. A store failure lets the
// message through.
func (ms *MessageService) checkRate(ctx context.Context, userID string) error {
	if ms.config.MessageRateLimit == 0 {
		return nil
	}
	key := rateLimitPrefix + userID
	n, err := ms.store.IncrWithTTL(ctx, key, ms.config.MessageRateWindow)
	if err != nil {
		ms.logger.Warn("Rate limiter unavailable", "user_id", userID, "error", err)
		return nil
	}
	if n > int64(ms.config.MessageRateLimit) {
		return ErrRateLimited.WithDetails(map[string]interface{}{"retry_after_seconds": int64(ms.config.MessageRateWindow.Seconds())})
	}
	return nil
}

func (ms *MessageService) emitState(conn *Connection, messageID, clientMessageID, roomID string, state models.MessageState) {
	ev := models.MessageStateEvent{
		MessageID:       messageID,
		ClientMessageID: clientMessageID,
		RoomID:          roomID,
		State:           state,
		ServerTs:        ms.now().UnixMilli(),
	}
	if err := conn.Send(eventMessageState, ev); err != nil {
		ms.logger.Debug("Could not emit message state", "socket_id", conn.SocketID, "state", state, "error", err)
	}
}

// AckMessage routes a delivered or read acknowledgment to the original
// sender's devices only.
func (ms *MessageService) AckMessage(ctx context.Context, conn *Connection, req models.AckRequest) error {
	if req.MessageID == "" || req.SenderID == "" {
		return ErrInvalidPayload.WithMessage("message_id and sender_id are required")
	}
	if req.State != models.StateDelivered && req.State != models.StateRead {
		return ErrInvalidPayload.WithMessage("state must be delivered or read")
	}
	if req.SenderID == conn.UserID {
		return nil
	}
	ev := models.MessageStateEvent{
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		State:     req.State,
		ByUserID:  conn.UserID,
		ServerTs:  ms.now().UnixMilli(),
	}
	ms.relay.Publish(ctx, TopicMessageState, Envelope{UserIDs: []string{req.SenderID}, Event: eventMessageState}, ev)
	return nil
}

// SendPrivateMessage persists a direct message and delivers it to every
// device of the recipient, or queues it when they have none.
func (ms *MessageService) SendPrivateMessage(ctx context.Context, conn *Connection, req models.SendPrivateRequest) (*models.SendResult, error) {
	if req.RecipientID == "" || req.RecipientID == conn.UserID {
		return nil, ErrInvalidPayload.WithMessage("a different recipient_id is required")
	}

	key := ""
	if req.ClientMessageID != "" {
		key = "dm:" + req.RecipientID + ":" + conn.UserID + ":" + req.ClientMessageID
		if res := ms.replay(ctx, key, req.ClientMessageID); res != nil {
			return res, nil
		}
	}

	result, err := ms.sendPrivateMessage(ctx, conn, req)
	if key != "" {
		if err != nil {
			ms.idem.Abort(ctx, key)
		} else {
			ms.idem.Complete(ctx, key, result.MessageID)
		}
	}
	return result, err
}

func (ms *MessageService) sendPrivateMessage(ctx context.Context, conn *Connection, req models.SendPrivateRequest) (*models.SendResult, error) {
	content, err := ms.validateContent(req.Content)
	if err != nil {
		return nil, err
	}
	if err := ms.checkRate(ctx, conn.UserID); err != nil {
		return nil, err
	}
	if err := ms.checkBlocked(ctx, conn.UserID, req.RecipientID); err != nil {
		return nil, err
	}

	ms.emitState(conn, "", req.ClientMessageID, "", models.StateSending)
	stored, err := ms.messages.CreateDirectMessage(ctx, NewDirectMessage{
		SenderID:        conn.UserID,
		RecipientID:     req.RecipientID,
		Content:         content,
		ClientMessageID: req.ClientMessageID,
		Metadata:        req.Metadata,
	})
	if err != nil {
		ms.logger.Error("Failed to persist direct message", "recipient_id", req.RecipientID, "user_id", conn.UserID, "error", err)
		return nil, Internal(err)
	}
	ms.emitState(conn, stored.ID, req.ClientMessageID, "", models.StateSent)

	pm := models.PrivateMessage{
		ID:              stored.ID,
		ClientMessageID: req.ClientMessageID,
		SenderID:        conn.UserID,
		SenderName:      conn.Profile.DisplayName,
		RecipientID:     req.RecipientID,
		Content:         content,
		Metadata:        req.Metadata,
		ServerTs:        ms.now().UnixMilli(),
	}
	ms.deliverPrivate(ctx, pm)
	ms.relay.Publish(ctx, TopicPrivate, Envelope{UserIDs: []string{conn.UserID}, ExceptSocket: conn.SocketID, Event: eventPrivate}, pm)

	return &models.SendResult{
		MessageID:       stored.ID,
		ClientMessageID: req.ClientMessageID,
		State:           models.StateSent,
		ServerTs:        pm.ServerTs,
	}, nil
}

func (ms *MessageService) checkBlocked(ctx context.Context, senderID, recipientID string) error {
	if ms.social == nil {
		return nil
	}
	for _, pair := range [][2]string{{recipientID, senderID}, {senderID, recipientID}} {
		blocked, err := ms.social.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			return Internal(err)
		}
		if blocked {
			return ErrUserBlocked
		}
	}
	return nil
}

// deliverPrivate sends to the recipient's devices, or queues when the
// recipient has no socket anywhere. The second presence check catches a
// recipient who connected (and flushed) while we were queueing.
func (ms *MessageService) deliverPrivate(ctx context.Context, pm models.PrivateMessage) {
	online, err := ms.presence.HasSockets(ctx, pm.RecipientID)
	if err != nil {
		ms.logger.Warn("Presence unavailable for direct message, using local registry", "recipient_id", pm.RecipientID, "error", err)
		online = ms.registry.HasUser(pm.RecipientID)
	}
	if online {
		ms.relay.Publish(ctx, TopicPrivate, Envelope{UserIDs: []string{pm.RecipientID}, Event: eventPrivate}, pm)
		return
	}

	if err := ms.enqueuePending(ctx, pm); err != nil {
		ms.logger.Error("Failed to queue direct message", "recipient_id", pm.RecipientID, "error", err)
		return
	}
	if online, err := ms.presence.HasSockets(ctx, pm.RecipientID); err == nil && online {
		if _, err := ms.FlushPending(ctx, pm.RecipientID); err != nil {
			ms.logger.Warn("Failed to flush after late connect", "recipient_id", pm.RecipientID, "error", err)
		}
	}
}

func (ms *MessageService) enqueuePending(ctx context.Context, pm models.PrivateMessage) error {
	pm.Queued = true
	data, err := json.Marshal(pm)
	if err != nil {
		return err
	}
	key := pendingDMPrefix + pm.RecipientID
	if _, err := ms.store.RPush(ctx, key, string(data)); err != nil {
		return err
	}
	if err := ms.store.LTrim(ctx, key, -int64(ms.config.PendingDMLimit), -1); err != nil {
		return err
	}
	return ms.store.Expire(ctx, key, ms.config.PendingDMTTL)
}

// FlushPending delivers every queued direct message for userID in the order
// they were sent. The queue is drained atomically so concurrent flushes never
// deliver the same message twice.
func (ms *MessageService) FlushPending(ctx context.Context, userID string) (int, error) {
	items, err := ms.store.LDrain(ctx, pendingDMPrefix+userID)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, raw := range items {
		var pm models.PrivateMessage
		if err := json.Unmarshal([]byte(raw), &pm); err != nil {
			ms.logger.Warn("Dropping unreadable queued message", "user_id", userID, "error", err)
			continue
		}
		ms.relay.Publish(ctx, TopicPrivate, Envelope{UserIDs: []string{userID}, Event: eventPrivate}, pm)
		delivered++
	}
	if delivered > 0 {
		ms.logger.Info("Delivered queued direct messages", "user_id", userID, "count", delivered)
	}
	return delivered, nil
}
