package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chorus/realtime/config"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const (
	giftOnceTTL      = 24 * time.Hour
	eventForceLeave  = "force_leave"
	eventRoomEvent   = "room_event"
	eventForcedLeave = "room_force_leave"
)

func rosterKey(roomID string) string              { return "room:" + roomID + ":online" }
func roomSocketsKey(roomID, userID string) string { return "room:" + roomID + ":sockets:" + userID }
func joinedKey(roomID, userID string) string      { return "room:" + roomID + ":joined:" + userID }
func userRoomsKey(userID string) string           { return "presence:rooms:" + userID }

type RoomService struct {
	store    store.Store
	registry *Registry
	relay    *Relay
	members  MembershipStore
	config   *config.Config
	logger   *utils.Logger
	now      func() time.Time
}

func NewRoomService(s store.Store, registry *Registry, relay *Relay, members MembershipStore, cfg *config.Config, logger *utils.Logger) *RoomService {
	rs := &RoomService{
		store:    s,
		registry: registry,
		relay:    relay,
		members:  members,
		config:   cfg,
		logger:   logger.With("component", "rooms"),
		now:      time.Now,
	}
	relay.HandleControl(eventForceLeave, rs.applyForceLeave)
	return rs
}

// NewEvent builds a room event stamped with a fresh id and the server time.
func (rs *RoomService) NewEvent(eventType models.RoomEventType, roomID string, sender *models.Profile, data map[string]interface{}) models.RoomEvent {
	ev := models.RoomEvent{
		ID:       uuid.NewString(),
		Type:     eventType,
		RoomID:   roomID,
		ServerTs: rs.now().UnixMilli(),
		Data:     data,
	}
	if sender != nil {
		ev.SenderID = sender.UserID
		ev.SenderName = sender.DisplayName
	}
	return ev
}

// checkAccess verifies the room is active and the user is an unbanned member.
func (rs *RoomService) checkAccess(ctx context.Context, roomID, userID string) (*models.RoomInfo, *models.Membership, error) {
	room, err := rs.members.GetRoom(ctx, roomID)
	if err != nil {
		return nil, nil, Internal(err)
	}
	if room == nil || !room.IsActive {
		return nil, nil, ErrRoomNotFound
	}
	m, err := rs.members.GetMembership(ctx, roomID, userID)
	if err != nil {
		return nil, nil, Internal(err)
	}
	if m == nil || m.HasLeft {
		return nil, nil, ErrNotAMember
	}
	if m.BannedAt(rs.now()) {
		return nil, nil, ErrUserBanned
	}
	return room, m, nil
}

// Join adds the socket to the room. A socket that already joined gets the
// roster back without any broadcast; repeat joins by the same user within the
// debounce window add the socket but announce nothing.
func (rs *RoomService) Join(ctx context.Context, conn *Connection, roomID string) (*models.JoinResult, error) {
	if roomID == "" {
		return nil, ErrInvalidPayload.WithMessage("room_id is required")
	}
	if _, _, err := rs.checkAccess(ctx, roomID, conn.UserID); err != nil {
		return nil, err
	}

	if conn.HasRoom(roomID) {
		roster, err := rs.Roster(ctx, roomID)
		if err != nil {
			return nil, Internal(err)
		}
		return &models.JoinResult{RoomID: roomID, Online: roster, Rejoined: true}, nil
	}

	rs.registry.JoinRoom(conn.SocketID, roomID)
	if err := rs.addToRoster(ctx, roomID, conn); err != nil {
		rs.registry.LeaveRoom(conn.SocketID, roomID)
		return nil, Internal(err)
	}

	first, err := rs.store.SetNX(ctx, joinedKey(roomID, conn.UserID), conn.SocketID, rs.config.JoinDebounce)
	if err != nil {
		rs.logger.Warn("Join debounce unavailable", "room_id", roomID, "error", err)
		first = true
	}
	if first {
		ev := rs.NewEvent(models.RoomEventUserJoined, roomID, &conn.Profile, map[string]interface{}{
			"user_id":      conn.UserID,
			"display_name": conn.Profile.DisplayName,
			"avatar":       conn.Profile.Avatar,
		})
		rs.BroadcastToRoom(ctx, TopicRoom, ev, conn.SocketID)
	}

	roster, err := rs.Roster(ctx, roomID)
	if err != nil {
		return nil, Internal(err)
	}
	rs.logger.Debug("Joined room", "room_id", roomID, "user_id", conn.UserID, "announced", first)
	return &models.JoinResult{RoomID: roomID, Online: roster}, nil
}

func (rs *RoomService) addToRoster(ctx context.Context, roomID string, conn *Connection) error {
	if _, err := rs.store.SAdd(ctx, roomSocketsKey(roomID, conn.UserID), conn.SocketID); err != nil {
		return err
	}
	if _, err := rs.store.SAdd(ctx, rosterKey(roomID), conn.UserID); err != nil {
		return err
	}
	_, err := rs.store.SAdd(ctx, userRoomsKey(conn.UserID), roomID)
	return err
}

// Leave is the manual leave command.
func (rs *RoomService) Leave(ctx context.Context, conn *Connection, roomID string) error {
	if !conn.HasRoom(roomID) {
		return ErrNotInRoom
	}
	return rs.leave(ctx, conn, roomID, models.LeaveManual)
}

// LeaveAll removes the socket from every room it joined, used on disconnect.
func (rs *RoomService) LeaveAll(ctx context.Context, conn *Connection, reason models.LeaveReason) {
	for _, roomID := range conn.JoinedRooms() {
		if err := rs.leave(ctx, conn, roomID, reason); err != nil {
			rs.logger.Warn("Failed to leave room", "room_id", roomID, "user_id", conn.UserID, "error", err)
		}
	}
}

func (rs *RoomService) leave(ctx context.Context, conn *Connection, roomID string, reason models.LeaveReason) error {
	rs.registry.LeaveRoom(conn.SocketID, roomID)
	return rs.releaseSocket(ctx, roomID, conn.UserID, conn.SocketID, reason)
}

// releaseSocket drops one socket from the room and, when it was the user's
// last one there, the user from the roster.
func (rs *RoomService) releaseSocket(ctx context.Context, roomID, userID, socketID string, reason models.LeaveReason) error {
	if _, err := rs.store.SRem(ctx, roomSocketsKey(roomID, userID), socketID); err != nil {
		return Internal(err)
	}
	remaining, err := rs.store.SCard(ctx, roomSocketsKey(roomID, userID))
	if err != nil {
		return Internal(err)
	}
	if remaining > 0 {
		return nil
	}
	return rs.dropUser(ctx, roomID, userID, reason)
}

func (rs *RoomService) dropUser(ctx context.Context, roomID, userID string, reason models.LeaveReason) error {
	removed, err := rs.store.SRem(ctx, rosterKey(roomID), userID)
	if err != nil {
		return Internal(err)
	}
	_ = rs.store.Del(ctx, roomSocketsKey(roomID, userID))
	_, _ = rs.store.SRem(ctx, userRoomsKey(userID), roomID)
	if removed == 0 {
		return nil
	}

	ev := rs.NewEvent(models.RoomEventUserLeft, roomID, nil, map[string]interface{}{
		"user_id": userID,
		"reason":  reason,
	})
	rs.BroadcastToRoom(ctx, TopicRoom, ev, "")
	return nil
}

// PruneSocket releases room state held by a socket that vanished without a
// disconnect, as found by the presence sweep.
func (rs *RoomService) PruneSocket(ctx context.Context, userID, socketID string) {
	rooms, err := rs.store.SMembers(ctx, userRoomsKey(userID))
	if err != nil {
		rs.logger.Warn("Failed to load rooms for pruned socket", "user_id", userID, "error", err)
		return
	}
	for _, roomID := range rooms {
		if err := rs.releaseSocket(ctx, roomID, userID, socketID, models.LeaveDisconnect); err != nil {
			rs.logger.Warn("Failed to release pruned socket", "room_id", roomID, "error", err)
		}
	}
}

// ForceLeave removes a kicked or banned user from the room on every instance.
func (rs *RoomService) ForceLeave(ctx context.Context, roomID, userID string, reason models.LeaveReason) error {
	payload := map[string]interface{}{"room_id": roomID, "user_id": userID, "reason": reason}
	rs.relay.Publish(ctx, TopicControl, Envelope{RoomID: roomID, UserIDs: []string{userID}, Event: eventForceLeave}, payload)
	return rs.dropUser(ctx, roomID, userID, reason)
}

// applyForceLeave runs on each instance for its own sockets of the user.
func (rs *RoomService) applyForceLeave(_ context.Context, env *Envelope) {
	for _, userID := range env.UserIDs {
		for _, c := range rs.registry.SocketsOf(userID) {
			if !rs.registry.LeaveRoom(c.SocketID, env.RoomID) {
				continue
			}
			if err := c.Send(eventForcedLeave, env.Payload); err != nil {
				rs.logger.Debug("Could not notify forced leave", "socket_id", c.SocketID, "error", err)
			}
		}
	}
}

// Roster returns the users currently present in roomID.
func (rs *RoomService) Roster(ctx context.Context, roomID string) ([]string, error) {
	return rs.store.SMembers(ctx, rosterKey(roomID))
}

// InRoster reports whether userID is present in roomID.
func (rs *RoomService) InRoster(ctx context.Context, roomID, userID string) (bool, error) {
	roster, err := rs.Roster(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, id := range roster {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// BroadcastToRoom emits ev as a room_event to everyone in the room.
func (rs *RoomService) BroadcastToRoom(ctx context.Context, topic Topic, ev models.RoomEvent, exceptSocket string) {
	rs.relay.Publish(ctx, topic, Envelope{RoomID: ev.RoomID, ExceptSocket: exceptSocket, Event: eventRoomEvent}, ev)
}

// SendToUser emits an arbitrary event to every socket of userID.
func (rs *RoomService) SendToUser(ctx context.Context, userID, event string, payload interface{}) {
	rs.relay.Publish(ctx, TopicPrivate, Envelope{UserIDs: []string{userID}, Event: event}, payload)
}

// NotifyGiftSent broadcasts a settled gift once per transaction, no matter
// how many times or on how many instances it is reported.
func (rs *RoomService) NotifyGiftSent(ctx context.Context, roomID string, gift models.GiftNotice) (bool, error) {
	if gift.TransactionID == "" {
		return false, ErrInvalidPayload.WithMessage("transaction_id is required")
	}
	first, err := rs.store.SetNX(ctx, "gift:once:"+gift.TransactionID, roomID, giftOnceTTL)
	if err != nil {
		return false, Internal(err)
	}
	if !first {
		rs.logger.Debug("Gift already announced", "transaction_id", gift.TransactionID)
		return false, nil
	}

	data := map[string]interface{}{
		"transaction_id": gift.TransactionID,
		"recipient_id":   gift.RecipientID,
		"gift_id":        gift.GiftID,
		"quantity":       gift.Quantity,
	}
	for k, v := range gift.Extra {
		if _, taken := data[k]; !taken {
			data[k] = v
		}
	}
	sender := &models.Profile{UserID: gift.SenderID, DisplayName: gift.SenderName}
	rs.BroadcastToRoom(ctx, TopicGift, rs.NewEvent(models.RoomEventGift, roomID, sender, data), "")
	return true, nil
}

func (rs *RoomService) NotifyRoomUpdated(ctx context.Context, roomID string, changes map[string]interface{}) {
	rs.BroadcastToRoom(ctx, TopicRoom, rs.NewEvent(models.RoomEventRoomUpdated, roomID, nil, changes), "")
}

// NotifySystem posts a system line into the room.
func (rs *RoomService) NotifySystem(ctx context.Context, roomID, text string) {
	rs.BroadcastToRoom(ctx, TopicRoom, rs.NewEvent(models.RoomEventSystem, roomID, nil, map[string]interface{}{"text": text}), "")
}

// NotifyProfileUpdated tells the user's own devices and the given rooms.
func (rs *RoomService) NotifyProfileUpdated(ctx context.Context, profile models.Profile, roomIDs []string) {
	rs.SendToUser(ctx, profile.UserID, "profile_updated", profile)
	for _, roomID := range roomIDs {
		ev := rs.NewEvent(models.RoomEventSystem, roomID, &profile, map[string]interface{}{
			"kind":         "profile_updated",
			"user_id":      profile.UserID,
			"display_name": profile.DisplayName,
			"avatar":       profile.Avatar,
		})
		rs.BroadcastToRoom(ctx, TopicRoom, ev, "")
	}
}
