package handlers

import (
	"context"
	"encoding/json"
	"time"

	"chorus/realtime/models"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

// result is merged into the ack data next to "success".
type result map[string]interface{}

type commandFunc func(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error)

// Dispatcher runs client commands against the hub and acknowledges each one.
type Dispatcher struct {
	hub      *services.Hub
	logger   *utils.Logger
	commands map[string]commandFunc
	now      func() time.Time
}

func NewDispatcher(hub *services.Hub, logger *utils.Logger) *Dispatcher {
	d := &Dispatcher{
		hub:    hub,
		logger: logger.With("component", "dispatcher"),
		now:    time.Now,
	}
	d.commands = map[string]commandFunc{
		"authenticate":         d.authenticate,
		"join_room":            d.joinRoom,
		"leave_room":           d.leaveRoom,
		"send_message":         d.sendMessage,
		"message_ack":          d.messageAck,
		"typing_start":         d.typing(true),
		"typing_stop":          d.typing(false),
		"heartbeat":            d.heartbeat,
		"set_status":           d.setStatus,
		"send_private_message": d.sendPrivate,
		"get_online_users":     d.onlineUsers,
		"game_queue_join":      d.queueJoin,
		"game_queue_leave":     d.queueLeave,
		"game_move":            d.gameMove,
		"room_game_open":       d.roomGameOpen,
		"room_game_request":    d.roomGameRequest,
		"room_game_requests":   d.roomGameRequests,
		"room_game_start":      d.roomGameStart,
		"room_game_move":       d.roomGameMove,
		"room_game_cancel":     d.roomGameCancel,
	}
	return d
}

// Dispatch handles one raw frame from conn. Every frame gets exactly one ack,
// including frames that could not be parsed.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *services.Connection, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		d.reply(conn, "", nil, services.ErrInvalidPayload.WithMessage("frame is not valid JSON"))
		return
	}

	fn, ok := d.commands[cmd.Command]
	if !ok {
		d.reply(conn, cmd.RequestID, nil, services.ErrUnknownCommand.WithDetails(map[string]interface{}{"command": cmd.Command}))
		return
	}

	res, err := fn(ctx, conn, cmd.Data)
	if err != nil {
		typed := services.AsError(err)
		if typed.Code == services.CodeInternal {
			d.logger.Error("Command failed", "command", cmd.Command, "user_id", conn.UserID, "error", err)
		} else {
			d.logger.Debug("Command rejected", "command", cmd.Command, "user_id", conn.UserID, "code", typed.Code)
		}
	}
	d.reply(conn, cmd.RequestID, res, err)
}

func (d *Dispatcher) reply(conn *services.Connection, requestID string, res result, err error) {
	data := map[string]interface{}{"success": err == nil}
	for k, v := range res {
		data[k] = v
	}
	if err != nil {
		data["error"] = services.AsError(err)
	}
	if sendErr := conn.Send(eventAck, ack{RequestID: requestID, Data: data}); sendErr != nil {
		d.logger.Debug("Could not deliver ack", "socket_id", conn.SocketID, "error", sendErr)
	}
}

// bind decodes the command data into out. Missing data decodes as empty.
func bind(data json.RawMessage, out interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.ErrInvalidPayload.WithMessage(err.Error())
	}
	return nil
}

type roomRef struct {
	RoomID string `json:"room_id"`
}

func (r roomRef) validate() error {
	if r.RoomID == "" {
		return services.ErrInvalidPayload.WithMessage("room_id is required")
	}
	return nil
}

func (d *Dispatcher) authenticate(_ context.Context, conn *services.Connection, _ json.RawMessage) (result, error) {
	return result{"user_id": conn.UserID, "socket_id": conn.SocketID}, nil
}

func (d *Dispatcher) joinRoom(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req roomRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	joined, err := d.hub.Rooms.Join(ctx, conn, req.RoomID)
	if err != nil {
		return nil, err
	}
	d.hub.Presence.SetOverlay(ctx, conn.UserID, models.OverlayInRoom, req.RoomID)
	return result{"room_id": joined.RoomID, "online_users": joined.Online, "rejoined": joined.Rejoined}, nil
}

func (d *Dispatcher) leaveRoom(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req roomRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := d.hub.Rooms.Leave(ctx, conn, req.RoomID); err != nil {
		return nil, err
	}
	if in, err := d.hub.Rooms.InRoster(ctx, req.RoomID, conn.UserID); err == nil && !in {
		d.hub.RoomGames.PlayerLeft(ctx, req.RoomID, conn.UserID)
	}
	return result{"room_id": req.RoomID}, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req models.SendMessageRequest
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	res, err := d.hub.Messages.SendRoomMessage(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	return sendResult(res), nil
}

func (d *Dispatcher) messageAck(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req models.AckRequest
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	if err := d.hub.Messages.AckMessage(ctx, conn, req); err != nil {
		return nil, err
	}
	return result{"message_id": req.MessageID, "state": req.State}, nil
}

func (d *Dispatcher) typing(typing bool) commandFunc {
	return func(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
		var req roomRef
		if err := bind(data, &req); err != nil {
			return nil, err
		}
		if err := req.validate(); err != nil {
			return nil, err
		}
		if err := d.hub.Presence.Typing(ctx, conn, req.RoomID, typing); err != nil {
			return nil, err
		}
		if typing {
			d.hub.Presence.SetOverlay(ctx, conn.UserID, models.OverlayTyping, req.RoomID)
		}
		return result{"room_id": req.RoomID, "is_typing": typing}, nil
	}
}

func (d *Dispatcher) heartbeat(ctx context.Context, conn *services.Connection, _ json.RawMessage) (result, error) {
	if err := d.hub.Presence.Heartbeat(ctx, conn); err != nil {
		return nil, services.Internal(err)
	}
	return result{"server_ts": d.now().UnixMilli()}, nil
}

func (d *Dispatcher) setStatus(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req struct {
		Status models.PresenceOverlay `json:"status"`
		RoomID string                 `json:"room_id"`
	}
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	switch req.Status {
	case models.OverlayIdle, models.OverlayActive:
	default:
		return nil, services.ErrInvalidPayload.WithMessage("status must be idle or active")
	}
	d.hub.Presence.SetOverlay(ctx, conn.UserID, req.Status, req.RoomID)
	return result{"status": req.Status}, nil
}

func (d *Dispatcher) sendPrivate(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req models.SendPrivateRequest
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	res, err := d.hub.Messages.SendPrivateMessage(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	return sendResult(res), nil
}

func sendResult(res *models.SendResult) result {
	out := result{
		"message_id": res.MessageID,
		"state":      res.State,
		"server_ts":  res.ServerTs,
		"duplicate":  res.Duplicate,
	}
	if res.ClientMessageID != "" {
		out["client_message_id"] = res.ClientMessageID
	}
	return out
}

func (d *Dispatcher) onlineUsers(ctx context.Context, _ *services.Connection, _ json.RawMessage) (result, error) {
	users, err := d.hub.Presence.Online(ctx)
	if err != nil {
		return nil, services.Internal(err)
	}
	return result{"count": len(users), "users": users}, nil
}

type gameRef struct {
	RoomID   string   `json:"room_id"`
	GameType string   `json:"game_type"`
	Players  []string `json:"players"`
}

func (d *Dispatcher) queueJoin(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req gameRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	res, err := d.hub.Matchmaker.Join(ctx, conn, req.GameType)
	if err != nil {
		return nil, err
	}
	out := result{"queued": res.Queued}
	if res.Match != nil {
		out["match"] = res.Match
	}
	return out, nil
}

func (d *Dispatcher) queueLeave(ctx context.Context, conn *services.Connection, _ json.RawMessage) (result, error) {
	return nil, d.hub.Matchmaker.Leave(ctx, conn)
}

func (d *Dispatcher) gameMove(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var move models.GameMove
	if err := bind(data, &move); err != nil {
		return nil, err
	}
	match, err := d.hub.Matchmaker.Move(ctx, conn, move)
	if err != nil {
		return nil, err
	}
	return result{"match": match}, nil
}

func (d *Dispatcher) roomGameOpen(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req gameRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	return nil, d.hub.RoomGames.Open(ctx, conn, req.RoomID, req.GameType)
}

func (d *Dispatcher) roomGameRequest(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req gameRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	added, err := d.hub.RoomGames.Request(ctx, conn, req.RoomID, req.GameType)
	if err != nil {
		return nil, err
	}
	return result{"duplicate": !added}, nil
}

func (d *Dispatcher) roomGameRequests(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req gameRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	users, err := d.hub.RoomGames.Requests(ctx, conn, req.RoomID, req.GameType)
	if err != nil {
		return nil, err
	}
	return result{"room_id": req.RoomID, "game_type": req.GameType, "requests": users}, nil
}

func (d *Dispatcher) roomGameStart(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req gameRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	state, err := d.hub.RoomGames.Start(ctx, conn, req.RoomID, req.GameType, req.Players)
	if err != nil {
		return nil, err
	}
	return result{"game": state}, nil
}

func (d *Dispatcher) roomGameMove(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var move models.GameMove
	if err := bind(data, &move); err != nil {
		return nil, err
	}
	state, err := d.hub.RoomGames.Move(ctx, conn, move)
	if err != nil {
		return nil, err
	}
	return result{"game": state}, nil
}

func (d *Dispatcher) roomGameCancel(ctx context.Context, conn *services.Connection, data json.RawMessage) (result, error) {
	var req roomRef
	if err := bind(data, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return nil, d.hub.RoomGames.Cancel(ctx, conn, req.RoomID)
}
