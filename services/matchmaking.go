package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"chorus/realtime/config"
	"chorus/realtime/games"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const (
	lockTTL      = 5 * time.Second
	lockAttempts = 20
	lockBackoff  = 25 * time.Millisecond
)

func queueKey(gameType string) string   { return "mm:queue:" + gameType }
func queuedKey(userID string) string    { return "mm:queued:" + userID }
func matchKey(matchID string) string    { return "mm:match:" + matchID }
func userMatchKey(userID string) string { return "mm:user:" + userID }

type queuedRecord struct {
	GameType string `json:"game_type"`
	Entry    string `json:"entry"`
}

// Matchmaker pairs players through a per-game FIFO queue in the shared store
// and runs the resulting two player match.
type Matchmaker struct {
	store    store.Store
	relay    *Relay
	presence *PresenceService
	config   *config.Config
	logger   *utils.Logger
	now      func() time.Time
	roller   games.Roller
	flip     func() bool
}

func NewMatchmaker(s store.Store, relay *Relay, presence *PresenceService, cfg *config.Config, logger *utils.Logger) *Matchmaker {
	return &Matchmaker{
		store:    s,
		relay:    relay,
		presence: presence,
		config:   cfg,
		logger:   logger.With("component", "matchmaking"),
		now:      time.Now,
		roller:   games.RandomRoller,
		flip:     func() bool { return rand.Intn(2) == 0 },
	}
}

// Join pairs the caller with the oldest still-connected waiting player, or
// queues them when nobody suitable is waiting.
func (mm *Matchmaker) Join(ctx context.Context, conn *Connection, gameType string) (*models.QueueResult, error) {
	if !games.Supported(gameType) {
		return nil, ErrInvalidPayload.WithMessage("unknown game type")
	}
	if active, err := mm.store.Exists(ctx, userMatchKey(conn.UserID)); err != nil {
		return nil, Internal(err)
	} else if active {
		return nil, ErrGameInProgress
	}
	if queued, err := mm.stillQueued(ctx, conn.UserID, gameType); err != nil {
		return nil, Internal(err)
	} else if queued {
		return &models.QueueResult{Queued: true}, nil
	}

	opponent, raw, err := mm.popOpponent(ctx, gameType, conn.UserID)
	if err != nil {
		return nil, Internal(err)
	}
	if opponent == nil {
		if err := mm.enqueue(ctx, conn, gameType); err != nil {
			return nil, Internal(err)
		}
		mm.logger.Debug("Queued for match", "user_id", conn.UserID, "game_type", gameType)
		return &models.QueueResult{Queued: true}, nil
	}

	match, err := mm.createMatch(ctx, gameType, *opponent, models.MatchPlayer{UserID: conn.UserID, SocketID: conn.SocketID})
	if err != nil {
		mm.requeue(ctx, gameType, opponent.UserID, raw)
		return nil, err
	}
	return &models.QueueResult{Match: match}, nil
}

// stillQueued reports whether the user already waits in gameType's queue on
// a live socket. A record for another game type or a dead socket is dropped
// so the caller can queue afresh.
func (mm *Matchmaker) stillQueued(ctx context.Context, userID, gameType string) (bool, error) {
	rec, entry, err := mm.queued(ctx, userID)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.GameType == gameType && entry != nil {
		alive, err := mm.presence.SocketAlive(ctx, entry.SocketID)
		if err != nil {
			return false, err
		}
		if alive {
			return true, nil
		}
	}
	mm.logger.Debug("Replacing queue entry", "user_id", userID, "queued_for", rec.GameType, "game_type", gameType)
	return false, mm.dropQueued(ctx, userID, rec)
}

// queued loads the user's queue record and the entry it points at.
func (mm *Matchmaker) queued(ctx context.Context, userID string) (*queuedRecord, *models.QueueEntry, error) {
	raw, err := mm.store.Get(ctx, queuedKey(userID))
	if errors.Is(err, store.ErrNil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var rec queuedRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return &queuedRecord{}, nil, nil
	}
	var entry models.QueueEntry
	if err := json.Unmarshal([]byte(rec.Entry), &entry); err != nil {
		return &rec, nil, nil
	}
	return &rec, &entry, nil
}

func (mm *Matchmaker) dropQueued(ctx context.Context, userID string, rec *queuedRecord) error {
	if rec.GameType != "" && rec.Entry != "" {
		if _, err := mm.store.LRem(ctx, queueKey(rec.GameType), 0, rec.Entry); err != nil {
			return err
		}
	}
	return mm.store.Del(ctx, queuedKey(userID))
}

// requeue puts a popped opponent back at the head of the queue.
func (mm *Matchmaker) requeue(ctx context.Context, gameType, userID, raw string) {
	if _, err := mm.store.LPush(ctx, queueKey(gameType), raw); err != nil {
		mm.logger.Error("Failed to requeue opponent", "user_id", userID, "game_type", gameType, "error", err)
		return
	}
	record, err := json.Marshal(queuedRecord{GameType: gameType, Entry: raw})
	if err == nil {
		err = mm.store.Set(ctx, queuedKey(userID), string(record), mm.config.QueueEntryTTL)
	}
	if err != nil {
		mm.logger.Warn("Failed to restore queue record", "user_id", userID, "error", err)
	}
}

// popOpponent takes entries off the queue until it finds a live one that is
// not the caller. Stale entries are discarded.
func (mm *Matchmaker) popOpponent(ctx context.Context, gameType, userID string) (*models.MatchPlayer, string, error) {
	for {
		raw, err := mm.store.LPop(ctx, queueKey(gameType))
		if errors.Is(err, store.ErrNil) {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", err
		}

		var entry models.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			mm.logger.Warn("Dropping malformed queue entry", "game_type", gameType, "error", err)
			continue
		}
		if entry.UserID == userID {
			continue
		}
		if mm.now().Sub(time.UnixMilli(entry.Queued)) > mm.config.QueueEntryTTL {
			mm.logger.Debug("Skipping expired queue entry", "user_id", entry.UserID)
			_ = mm.store.Del(ctx, queuedKey(entry.UserID))
			continue
		}
		alive, err := mm.presence.SocketAlive(ctx, entry.SocketID)
		if err != nil {
			_, _ = mm.store.LPush(ctx, queueKey(gameType), raw)
			return nil, "", err
		}
		if !alive {
			mm.logger.Debug("Skipping disconnected queue entry", "user_id", entry.UserID, "socket_id", entry.SocketID)
			_ = mm.store.Del(ctx, queuedKey(entry.UserID))
			continue
		}

		_ = mm.store.Del(ctx, queuedKey(entry.UserID))
		return &models.MatchPlayer{UserID: entry.UserID, SocketID: entry.SocketID}, raw, nil
	}
}

func (mm *Matchmaker) enqueue(ctx context.Context, conn *Connection, gameType string) error {
	entry, err := json.Marshal(models.QueueEntry{UserID: conn.UserID, SocketID: conn.SocketID, Queued: mm.now().UnixMilli()})
	if err != nil {
		return err
	}
	record, err := json.Marshal(queuedRecord{GameType: gameType, Entry: string(entry)})
	if err != nil {
		return err
	}
	if _, err := mm.store.RPush(ctx, queueKey(gameType), string(entry)); err != nil {
		return err
	}
	return mm.store.Set(ctx, queuedKey(conn.UserID), string(record), mm.config.QueueEntryTTL)
}

func (mm *Matchmaker) createMatch(ctx context.Context, gameType string, a, b models.MatchPlayer) (*models.GameMatch, error) {
	if mm.flip() {
		a, b = b, a
	}
	game, err := games.New(gameType, []string{a.UserID, b.UserID}, games.Options{
		DiceRounds: mm.config.DiceRounds,
		DiceCount:  mm.config.DiceCount,
		Roller:     mm.roller,
	})
	if err != nil {
		return nil, ErrInvalidPayload.WithMessage(err.Error())
	}
	if gameType == models.GameTypeTicTacToe {
		a.Symbol, b.Symbol = games.SymbolX, games.SymbolO
	}

	snap := game.Snapshot()
	match := &models.GameMatch{
		MatchID:   uuid.NewString(),
		GameType:  gameType,
		Players:   []models.MatchPlayer{a, b},
		CreatedAt: mm.now().UnixMilli(),
		State:     &snap,
	}
	if err := mm.save(ctx, match); err != nil {
		return nil, Internal(err)
	}
	for _, p := range match.Players {
		if err := mm.store.Set(ctx, userMatchKey(p.UserID), match.MatchID, mm.config.MatchTTL); err != nil {
			mm.teardown(ctx, match)
			return nil, Internal(err)
		}
	}

	mm.relay.Publish(ctx, TopicGame, Envelope{SocketIDs: []string{a.SocketID, b.SocketID}, Event: "game_match_found"}, match)
	mm.logger.Info("Match created", "match_id", match.MatchID, "game_type", gameType)
	return match, nil
}

func (mm *Matchmaker) save(ctx context.Context, match *models.GameMatch) error {
	data, err := json.Marshal(match)
	if err != nil {
		return err
	}
	return mm.store.Set(ctx, matchKey(match.MatchID), string(data), mm.config.MatchTTL)
}

func (mm *Matchmaker) load(ctx context.Context, matchID string) (*models.GameMatch, error) {
	raw, err := mm.store.Get(ctx, matchKey(matchID))
	if errors.Is(err, store.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var match models.GameMatch
	if err := json.Unmarshal([]byte(raw), &match); err != nil {
		return nil, err
	}
	return &match, nil
}

// Leave removes the caller's queue entry, if any, whichever device queued it.
func (mm *Matchmaker) Leave(ctx context.Context, conn *Connection) error {
	rec, _, err := mm.queued(ctx, conn.UserID)
	if err != nil {
		return Internal(err)
	}
	if rec == nil {
		return nil
	}
	if err := mm.dropQueued(ctx, conn.UserID, rec); err != nil {
		return Internal(err)
	}
	return nil
}

// leaveSocket removes the user's queue entry only when conn queued it.
func (mm *Matchmaker) leaveSocket(ctx context.Context, conn *Connection) error {
	rec, entry, err := mm.queued(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if rec == nil || (entry != nil && entry.SocketID != conn.SocketID) {
		return nil
	}
	return mm.dropQueued(ctx, conn.UserID, rec)
}

// Move applies a move under the match lock and pushes the new state to both
// players.
func (mm *Matchmaker) Move(ctx context.Context, conn *Connection, move models.GameMove) (*models.GameMatch, error) {
	if move.MatchID == "" {
		return nil, ErrInvalidPayload.WithMessage("match_id is required")
	}

	var result *models.GameMatch
	err := withLock(ctx, mm.store, "mm:lock:"+move.MatchID, conn.SocketID, func() error {
		match, err := mm.load(ctx, move.MatchID)
		if err != nil {
			return Internal(err)
		}
		if match == nil || match.State == nil {
			return ErrGameNotFound
		}
		if match.Player(conn.UserID) == nil {
			return ErrInvalidMove.WithMessage("you are not in this match")
		}

		game, err := games.Restore(*match.State, mm.roller)
		if err != nil {
			return Internal(err)
		}
		if err := game.Play(conn.UserID, move); err != nil {
			return gameError(err)
		}
		snap := game.Snapshot()
		match.State = &snap

		if game.Finished() {
			mm.teardown(ctx, match)
		} else if err := mm.save(ctx, match); err != nil {
			return Internal(err)
		}
		result = match
		return nil
	})
	if err != nil {
		return nil, err
	}

	mm.relay.Publish(ctx, TopicGame, Envelope{SocketIDs: socketIDs(result), Event: "game_state"}, result)
	return result, nil
}

// OnDisconnect removes the socket's queue entry and ends any match it was
// playing, telling the opponent.
func (mm *Matchmaker) OnDisconnect(ctx context.Context, conn *Connection) {
	if err := mm.leaveSocket(ctx, conn); err != nil {
		mm.logger.Warn("Failed to leave queue on disconnect", "user_id", conn.UserID, "error", err)
	}

	matchID, err := mm.store.Get(ctx, userMatchKey(conn.UserID))
	if err != nil {
		return
	}
	match, err := mm.load(ctx, matchID)
	if err != nil || match == nil {
		_ = mm.store.Del(ctx, userMatchKey(conn.UserID))
		return
	}
	me := match.Player(conn.UserID)
	if me == nil || me.SocketID != conn.SocketID {
		return
	}

	mm.teardown(ctx, match)
	if opp := match.Opponent(conn.UserID); opp != nil {
		payload := map[string]interface{}{"match_id": match.MatchID, "user_id": conn.UserID}
		mm.relay.Publish(ctx, TopicGame, Envelope{SocketIDs: []string{opp.SocketID}, Event: "game_opponent_left"}, payload)
	}
	mm.logger.Info("Match ended by disconnect", "match_id", match.MatchID, "user_id", conn.UserID)
}

func (mm *Matchmaker) teardown(ctx context.Context, match *models.GameMatch) {
	keys := []string{matchKey(match.MatchID)}
	for _, p := range match.Players {
		keys = append(keys, userMatchKey(p.UserID))
	}
	if err := mm.store.Del(ctx, keys...); err != nil {
		mm.logger.Warn("Failed to tear down match", "match_id", match.MatchID, "error", err)
	}
}

func socketIDs(match *models.GameMatch) []string {
	out := make([]string, 0, len(match.Players))
	for _, p := range match.Players {
		out = append(out, p.SocketID)
	}
	return out
}

// withLock runs fn while holding a short SetNX lock on key. The lock is
// released only if it still carries this holder's token.
func withLock(ctx context.Context, s store.Store, key, owner string, fn func() error) error {
	token := owner + ":" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		ok, err := s.SetNX(ctx, key, token, lockTTL)
		if err != nil {
			return Internal(err)
		}
		if ok {
			break
		}
		if attempt >= lockAttempts {
			return ErrServiceUnavailable.WithMessage("game is busy, try again")
		}
		select {
		case <-ctx.Done():
			return Internal(ctx.Err())
		case <-time.After(lockBackoff):
		}
	}
	defer func() { _, _ = s.DelIfEqual(ctx, key, token) }()
	return fn()
}

// gameError maps rule violations to client error codes.
func gameError(err error) error {
	switch {
	case errors.Is(err, games.ErrNotYourTurn):
		return ErrNotYourTurn
	case errors.Is(err, games.ErrCellOccupied):
		return ErrCellOccupied
	case errors.Is(err, games.ErrTooFewPlayers):
		return ErrNotEnoughPlayers
	}
	return ErrInvalidMove.WithMessage(err.Error())
}
