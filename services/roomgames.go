package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/realtime/config"
	"chorus/realtime/games"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

func rgOpenKey(roomID string) string               { return "rg:open:" + roomID }
func rgRequestsKey(roomID, gameType string) string { return "rg:requests:" + roomID + ":" + gameType }
func rgActiveKey(roomID string) string             { return "rg:active:" + roomID }
func rgStateKey(roomID string) string              { return "rg:state:" + roomID }
func rgLockKey(roomID string) string               { return "rg:lock:" + roomID }

// RoomGameService runs the owner-approved game of a room: the owner opens a
// game type, members ask to play, the owner starts with some of them, and
// the finished game stays visible for a grace period.
type RoomGameService struct {
	store   store.Store
	relay   *Relay
	rooms   *RoomService
	members MembershipStore
	config  *config.Config
	logger  *utils.Logger
	now     func() time.Time
	roller  games.Roller

	ctx    context.Context
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewRoomGameService(ctx context.Context, s store.Store, relay *Relay, rooms *RoomService, members MembershipStore, cfg *config.Config, logger *utils.Logger) *RoomGameService {
	return &RoomGameService{
		store:   s,
		relay:   relay,
		rooms:   rooms,
		members: members,
		config:  cfg,
		logger:  logger.With("component", "room_games"),
		now:     time.Now,
		roller:  games.RandomRoller,
		ctx:     ctx,
		timers:  make(map[string]*time.Timer),
	}
}

func (rg *RoomGameService) broadcast(ctx context.Context, roomID, event string, payload interface{}) {
	rg.relay.Publish(ctx, TopicGame, Envelope{RoomID: roomID, Event: event}, payload)
}

func (rg *RoomGameService) requireOwner(ctx context.Context, conn *Connection, roomID string) (*models.RoomInfo, error) {
	if !conn.HasRoom(roomID) {
		return nil, ErrNotInRoom
	}
	room, err := rg.members.GetRoom(ctx, roomID)
	if err != nil {
		return nil, Internal(err)
	}
	if room == nil || !room.IsActive {
		return nil, ErrRoomNotFound
	}
	if room.OwnerID != conn.UserID {
		return nil, ErrNotRoomOwner
	}
	return room, nil
}

// Open lets members request to play gameType.
func (rg *RoomGameService) Open(ctx context.Context, conn *Connection, roomID, gameType string) error {
	if !games.Supported(gameType) {
		return ErrInvalidPayload.WithMessage("unknown game type")
	}
	if _, err := rg.requireOwner(ctx, conn, roomID); err != nil {
		return err
	}
	if active, err := rg.store.Exists(ctx, rgActiveKey(roomID)); err != nil {
		return Internal(err)
	} else if active {
		return ErrGameInProgress
	}

	if err := rg.store.Set(ctx, rgOpenKey(roomID), gameType, rg.config.RoomGameTTL); err != nil {
		return Internal(err)
	}
	if err := rg.store.Del(ctx, rgRequestsKey(roomID, gameType)); err != nil {
		return Internal(err)
	}
	rg.broadcast(ctx, roomID, "room_game_open", map[string]interface{}{"room_id": roomID, "game_type": gameType})
	return nil
}

func (rg *RoomGameService) openType(ctx context.Context, roomID string) (string, error) {
	gameType, err := rg.store.Get(ctx, rgOpenKey(roomID))
	if errors.Is(err, store.ErrNil) {
		return "", nil
	}
	return gameType, err
}

// Request records the caller's wish to play. Repeats are no-ops.
func (rg *RoomGameService) Request(ctx context.Context, conn *Connection, roomID, gameType string) (bool, error) {
	if !conn.HasRoom(roomID) {
		return false, ErrNotInRoom
	}
	open, err := rg.openType(ctx, roomID)
	if err != nil {
		return false, Internal(err)
	}
	if open == "" || open != gameType {
		return false, ErrGameNotOpen
	}

	added, err := rg.store.SAdd(ctx, rgRequestsKey(roomID, gameType), conn.UserID)
	if err != nil {
		return false, Internal(err)
	}
	_ = rg.store.Expire(ctx, rgRequestsKey(roomID, gameType), rg.config.RoomGameTTL)
	if added == 0 {
		return false, nil
	}

	room, err := rg.members.GetRoom(ctx, roomID)
	if err == nil && room != nil {
		payload := map[string]interface{}{
			"room_id":      roomID,
			"game_type":    gameType,
			"user_id":      conn.UserID,
			"display_name": conn.Profile.DisplayName,
		}
		rg.relay.Publish(ctx, TopicGame, Envelope{UserIDs: []string{room.OwnerID}, Event: "room_game_request"}, payload)
	}
	return true, nil
}

// Requests lists who asked to play; owner only.
func (rg *RoomGameService) Requests(ctx context.Context, conn *Connection, roomID, gameType string) ([]string, error) {
	if _, err := rg.requireOwner(ctx, conn, roomID); err != nil {
		return nil, err
	}
	users, err := rg.store.SMembers(ctx, rgRequestsKey(roomID, gameType))
	if err != nil {
		return nil, Internal(err)
	}
	sort.Strings(users)
	return users, nil
}

// Start begins a countdown for the selected requesters. Only one game may be
// active per room.
func (rg *RoomGameService) Start(ctx context.Context, conn *Connection, roomID, gameType string, players []string) (*models.RoomGameState, error) {
	room, err := rg.requireOwner(ctx, conn, roomID)
	if err != nil {
		return nil, err
	}
	open, err := rg.openType(ctx, roomID)
	if err != nil {
		return nil, Internal(err)
	}
	if open != gameType {
		return nil, ErrGameNotOpen
	}

	players = dedupe(players)
	if len(players) < 2 || (gameType == models.GameTypeTicTacToe && len(players) != 2) {
		return nil, ErrNotEnoughPlayers
	}
	requested, err := rg.store.SMembers(ctx, rgRequestsKey(roomID, gameType))
	if err != nil {
		return nil, Internal(err)
	}
	if !subset(players, requested) {
		return nil, ErrInvalidPayload.WithMessage("players must be chosen from the requests")
	}

	gameID := uuid.NewString()
	won, err := rg.store.SetNX(ctx, rgActiveKey(roomID), gameID, rg.config.RoomGameTTL)
	if err != nil {
		return nil, Internal(err)
	}
	if !won {
		return nil, ErrGameInProgress
	}

	now := rg.now()
	state := &models.RoomGameState{
		GameID:    gameID,
		RoomID:    roomID,
		OwnerID:   room.OwnerID,
		StartedAt: now.UnixMilli(),
		StartsAt:  now.Add(rg.config.RoomGameCountdown).UnixMilli(),
		Game: models.GameSnapshot{
			GameType: gameType,
			Status:   models.GameCounting,
		},
	}
	for _, id := range players {
		state.Game.Players = append(state.Game.Players, models.PlayerScore{UserID: id, Connected: true})
	}
	if err := rg.save(ctx, state); err != nil {
		_ = rg.store.Del(ctx, rgActiveKey(roomID))
		return nil, Internal(err)
	}
	_ = rg.store.Del(ctx, rgOpenKey(roomID), rgRequestsKey(roomID, gameType))

	rg.broadcast(ctx, roomID, "room_game_countdown", map[string]interface{}{
		"state":   state,
		"seconds": int(rg.config.RoomGameCountdown.Seconds()),
	})
	rg.schedule(roomID, rg.config.RoomGameCountdown, func() { rg.begin(roomID, gameID) })
	rg.logger.Info("Room game countdown", "room_id", roomID, "game_id", gameID, "players", len(players))
	return state, nil
}

// begin runs when the countdown ends. Players who left the room meanwhile
// are dropped; with fewer than two left the game is cancelled.
func (rg *RoomGameService) begin(roomID, gameID string) {
	ctx := rg.ctx
	var (
		state     *models.RoomGameState
		cancelled bool
	)
	err := withLock(ctx, rg.store, rgLockKey(roomID), gameID, func() error {
		s, err := rg.load(ctx, roomID)
		if err != nil {
			return err
		}
		if s == nil || s.GameID != gameID || s.Game.Status != models.GameCounting {
			return nil
		}

		present := make([]string, 0, len(s.Game.Players))
		for _, p := range s.Game.Players {
			in, err := rg.rooms.InRoster(ctx, roomID, p.UserID)
			if err != nil {
				return err
			}
			if in {
				present = append(present, p.UserID)
			}
		}
		if len(present) < 2 || (s.Game.GameType == models.GameTypeTicTacToe && len(present) != 2) {
			cancelled = true
			state = s
			return nil
		}

		game, err := games.New(s.Game.GameType, present, games.Options{
			DiceRounds: rg.config.DiceRounds,
			DiceCount:  rg.config.DiceCount,
			Roller:     rg.roller,
		})
		if err != nil {
			return err
		}
		s.Game = game.Snapshot()
		state = s
		return rg.save(ctx, s)
	})
	if err != nil {
		rg.logger.Error("Failed to begin room game", "room_id", roomID, "game_id", gameID, "error", err)
		return
	}
	if state == nil {
		return
	}
	if cancelled {
		rg.teardown(ctx, roomID, gameID)
		rg.broadcast(ctx, roomID, "room_game_cancelled", map[string]interface{}{
			"room_id": roomID,
			"game_id": gameID,
			"reason":  "not_enough_players",
		})
		return
	}
	rg.broadcast(ctx, roomID, "room_game_started", state)
}

// Move plays for the caller in the room's running game.
func (rg *RoomGameService) Move(ctx context.Context, conn *Connection, move models.GameMove) (*models.RoomGameState, error) {
	roomID := move.RoomID
	if roomID == "" {
		return nil, ErrInvalidPayload.WithMessage("room_id is required")
	}
	if !conn.HasRoom(roomID) {
		return nil, ErrNotInRoom
	}

	var state *models.RoomGameState
	err := withLock(ctx, rg.store, rgLockKey(roomID), conn.SocketID, func() error {
		s, err := rg.load(ctx, roomID)
		if err != nil {
			return Internal(err)
		}
		if s == nil {
			return ErrGameNotFound
		}
		if s.Game.Status != models.GamePlaying {
			return ErrInvalidMove.WithMessage("game is not in play")
		}
		game, err := games.Restore(s.Game, rg.roller)
		if err != nil {
			return Internal(err)
		}
		if err := game.Play(conn.UserID, move); err != nil {
			return gameError(err)
		}
		s.Game = game.Snapshot()
		if err := rg.save(ctx, s); err != nil {
			return Internal(err)
		}
		state = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	rg.afterChange(ctx, state)
	return state, nil
}

// PlayerLeft forfeits a departed player's place in a running game.
func (rg *RoomGameService) PlayerLeft(ctx context.Context, roomID, userID string) {
	var state *models.RoomGameState
	err := withLock(ctx, rg.store, rgLockKey(roomID), userID, func() error {
		s, err := rg.load(ctx, roomID)
		if err != nil || s == nil || s.Game.Status != models.GamePlaying {
			return err
		}
		game, err := games.Restore(s.Game, rg.roller)
		if err != nil {
			return err
		}
		before := len(s.Game.Players)
		game.Forfeit(userID)
		s.Game = game.Snapshot()
		if len(s.Game.Players) == before && s.Game.Status != models.GameFinished {
			return nil
		}
		state = s
		return rg.save(ctx, s)
	})
	if err != nil {
		rg.logger.Warn("Failed to forfeit room game player", "room_id", roomID, "user_id", userID, "error", err)
		return
	}
	if state != nil {
		rg.afterChange(ctx, state)
	}
}

func (rg *RoomGameService) afterChange(ctx context.Context, state *models.RoomGameState) {
	rg.broadcast(ctx, state.RoomID, "room_game_state", state)
	if state.Game.Status != models.GameFinished {
		return
	}
	rg.broadcast(ctx, state.RoomID, "room_game_finished", map[string]interface{}{
		"room_id":   state.RoomID,
		"game_id":   state.GameID,
		"winner_id": state.Game.WinnerID,
		"draw":      state.Game.Draw,
		"players":   state.Game.Players,
	})
	roomID, gameID := state.RoomID, state.GameID
	rg.schedule(roomID, rg.config.RoomGameFinishGrace, func() {
		if rg.teardown(rg.ctx, roomID, gameID) {
			rg.broadcast(rg.ctx, roomID, "room_game_closed", map[string]interface{}{"room_id": roomID, "game_id": gameID})
		}
	})
}

// Cancel stops the room's game at the owner's request.
func (rg *RoomGameService) Cancel(ctx context.Context, conn *Connection, roomID string) error {
	if _, err := rg.requireOwner(ctx, conn, roomID); err != nil {
		return err
	}
	s, err := rg.load(ctx, roomID)
	if err != nil {
		return Internal(err)
	}
	if s == nil {
		open, err := rg.openType(ctx, roomID)
		if err != nil {
			return Internal(err)
		}
		if open == "" {
			return ErrGameNotFound
		}
		_ = rg.store.Del(ctx, rgOpenKey(roomID), rgRequestsKey(roomID, open))
		rg.broadcast(ctx, roomID, "room_game_cancelled", map[string]interface{}{"room_id": roomID, "reason": "owner"})
		return nil
	}

	rg.stopTimer(roomID)
	rg.teardown(ctx, roomID, s.GameID)
	rg.broadcast(ctx, roomID, "room_game_cancelled", map[string]interface{}{
		"room_id": roomID,
		"game_id": s.GameID,
		"reason":  "owner",
	})
	return nil
}

// State returns the room's current game, or nil.
func (rg *RoomGameService) State(ctx context.Context, roomID string) (*models.RoomGameState, error) {
	return rg.load(ctx, roomID)
}

// teardown removes the room's game if it is still gameID. Timers left over
// from an earlier game, on this instance or another, leave a newer one alone.
func (rg *RoomGameService) teardown(ctx context.Context, roomID, gameID string) bool {
	removed := false
	err := withLock(ctx, rg.store, rgLockKey(roomID), "teardown", func() error {
		s, err := rg.load(ctx, roomID)
		if err != nil {
			return err
		}
		if s != nil && s.GameID != gameID {
			return nil
		}
		released, err := rg.store.DelIfEqual(ctx, rgActiveKey(roomID), gameID)
		if err != nil {
			return err
		}
		if s != nil {
			if err := rg.store.Del(ctx, rgStateKey(roomID)); err != nil {
				return err
			}
		}
		removed = released || s != nil
		return nil
	})
	if err != nil {
		rg.logger.Warn("Failed to tear down room game", "room_id", roomID, "game_id", gameID, "error", err)
		return false
	}
	return removed
}

func (rg *RoomGameService) save(ctx context.Context, state *models.RoomGameState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return rg.store.Set(ctx, rgStateKey(state.RoomID), string(data), rg.config.RoomGameTTL)
}

func (rg *RoomGameService) load(ctx context.Context, roomID string) (*models.RoomGameState, error) {
	raw, err := rg.store.Get(ctx, rgStateKey(roomID))
	if errors.Is(err, store.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state models.RoomGameState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// schedule replaces any pending timer of the room.
func (rg *RoomGameService) schedule(roomID string, after time.Duration, fn func()) {
	rg.mu.Lock()
	defer rg.mu.Unlock()

	if t, ok := rg.timers[roomID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(after, func() {
		rg.mu.Lock()
		if rg.timers[roomID] == t {
			delete(rg.timers, roomID)
		}
		rg.mu.Unlock()
		if rg.ctx.Err() != nil {
			return
		}
		fn()
	})
	rg.timers[roomID] = t
}

func (rg *RoomGameService) stopTimer(roomID string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if t, ok := rg.timers[roomID]; ok {
		t.Stop()
		delete(rg.timers, roomID)
	}
}

// StopTimers cancels every pending countdown and teardown.
func (rg *RoomGameService) StopTimers() {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	for id, t := range rg.timers {
		t.Stop()
		delete(rg.timers, id)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func subset(ids, of []string) bool {
	set := make(map[string]struct{}, len(of))
	for _, id := range of {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}
