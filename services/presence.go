package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"chorus/realtime/config"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const (
	presenceSocketsPrefix = "presence:sockets:"
	presenceSocketPrefix  = "presence:socket:"
	presenceUserPrefix    = "presence:user:"
	presenceOnlineKey     = "presence:online"
	typingPrefix          = "typing:"
)

// SocketPruner is told about sockets the sweep found dead so that room
// state held for them can be released.
type SocketPruner func(ctx context.Context, userID, socketID string)

type PresenceService struct {
	store    store.Store
	registry *Registry
	relay    *Relay
	social   SocialStore
	lastSeen LastSeenRecorder
	config   *config.Config
	logger   *utils.Logger
	now      func() time.Time

	onPrune  SocketPruner
	instance string
}

func NewPresenceService(s store.Store, registry *Registry, relay *Relay, social SocialStore, lastSeen LastSeenRecorder, cfg *config.Config, logger *utils.Logger) *PresenceService {
	return &PresenceService{
		store:    s,
		registry: registry,
		relay:    relay,
		social:   social,
		lastSeen: lastSeen,
		config:   cfg,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		instance: cfg.InstanceID,
	}
}

func (ps *PresenceService) OnSocketPruned(fn SocketPruner) {
	ps.onPrune = fn
}

func socketsKey(userID string) string  { return presenceSocketsPrefix + userID }
func socketKey(socketID string) string { return presenceSocketPrefix + socketID }
func userKey(userID string) string     { return presenceUserPrefix + userID }

// Connect registers the socket in the shared store and announces the user to
// followers unless they are still listed online, as after a quick reconnect.
func (ps *PresenceService) Connect(ctx context.Context, conn *Connection) error {
	wasOnline, err := ps.listed(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if err := ps.register(ctx, conn); err != nil {
		return err
	}
	ps.logger.Debug("Socket registered", "user_id", conn.UserID, "socket_id", conn.SocketID)

	if !wasOnline {
		ps.publish(ctx, conn.UserID, models.StatusOnline, "", "")
	}
	return nil
}

func (ps *PresenceService) register(ctx context.Context, conn *Connection) error {
	now := ps.now()
	ttl := ps.config.PresenceTTL

	if _, err := ps.store.SAdd(ctx, socketsKey(conn.UserID), conn.SocketID); err != nil {
		return err
	}
	if err := ps.store.Expire(ctx, socketsKey(conn.UserID), ttl); err != nil {
		return err
	}
	if err := ps.store.Set(ctx, socketKey(conn.SocketID), conn.UserID, ttl); err != nil {
		return err
	}
	meta := map[string]string{
		"status":    string(models.StatusOnline),
		"last_seen": strconv.FormatInt(now.UnixMilli(), 10),
		"instance":  ps.instance,
		"socket":    conn.SocketID,
	}
	if err := ps.store.HSet(ctx, userKey(conn.UserID), meta); err != nil {
		return err
	}
	if err := ps.store.Expire(ctx, userKey(conn.UserID), ttl); err != nil {
		return err
	}
	return ps.store.ZAdd(ctx, presenceOnlineKey, float64(now.UnixMilli()), conn.UserID)
}

// Heartbeat refreshes every TTL held for the socket.
func (ps *PresenceService) Heartbeat(ctx context.Context, conn *Connection) error {
	conn.Touch(ps.now())
	return ps.register(ctx, conn)
}

// TransportAlive counts a transport level pong as a heartbeat, at most once
// per half ping interval. It reports whether presence was refreshed.
func (ps *PresenceService) TransportAlive(ctx context.Context, conn *Connection) (bool, error) {
	if ps.now().Sub(conn.LastHeartbeat()) < ps.config.PingInterval/2 {
		return false, nil
	}
	return true, ps.Heartbeat(ctx, conn)
}

// Disconnect removes the socket. The user stays online until the sweep sees
// no sockets for longer than the offline threshold.
func (ps *PresenceService) Disconnect(ctx context.Context, conn *Connection) error {
	now := ps.now()
	if _, err := ps.store.SRem(ctx, socketsKey(conn.UserID), conn.SocketID); err != nil {
		return err
	}
	if err := ps.store.Del(ctx, socketKey(conn.SocketID)); err != nil {
		return err
	}
	if err := ps.store.HSet(ctx, userKey(conn.UserID), map[string]string{
		"last_seen": strconv.FormatInt(now.UnixMilli(), 10),
	}); err != nil {
		return err
	}
	if err := ps.store.Expire(ctx, userKey(conn.UserID), ps.config.PresenceTTL); err != nil {
		return err
	}
	return ps.store.ZAdd(ctx, presenceOnlineKey, float64(now.UnixMilli()), conn.UserID)
}

func (ps *PresenceService) HasSockets(ctx context.Context, userID string) (bool, error) {
	n, err := ps.store.SCard(ctx, socketsKey(userID))
	return n > 0, err
}

// SocketAlive reports whether the socket's liveness key still exists anywhere
// in the cluster.
func (ps *PresenceService) SocketAlive(ctx context.Context, socketID string) (bool, error) {
	return ps.store.Exists(ctx, socketKey(socketID))
}

// IsOnline is true while the user has a registered socket or had one within
// the offline threshold. Store failures fall back to this process's sockets.
func (ps *PresenceService) IsOnline(ctx context.Context, userID string) bool {
	has, err := ps.HasSockets(ctx, userID)
	if err != nil {
		ps.logger.Warn("Presence store unavailable, using local registry", "user_id", userID, "error", err)
		return ps.registry.HasUser(userID)
	}
	if has {
		return true
	}
	lastSeen, err := ps.lastSeenAt(ctx, userID)
	if err != nil {
		ps.logger.Warn("Presence store unavailable, using local registry", "user_id", userID, "error", err)
		return ps.registry.HasUser(userID)
	}
	return !lastSeen.IsZero() && ps.now().Sub(lastSeen) < ps.config.OfflineThreshold
}

// listed reports whether the user is still in the online index, that is
// not yet marked offline by a sweep.
func (ps *PresenceService) listed(ctx context.Context, userID string) (bool, error) {
	_, err := ps.store.ZScore(ctx, presenceOnlineKey, userID)
	if errors.Is(err, store.ErrNil) {
		return false, nil
	}
	return err == nil, err
}

func (ps *PresenceService) lastSeenAt(ctx context.Context, userID string) (time.Time, error) {
	meta, err := ps.store.HGetAll(ctx, userKey(userID))
	if err != nil {
		return time.Time{}, err
	}
	if ms, err := strconv.ParseInt(meta["last_seen"], 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	// Metadata expired; the online index still carries the last timestamp.
	score, err := ps.store.ZScore(ctx, presenceOnlineKey, userID)
	if errors.Is(err, store.ErrNil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(score)), nil
}

func (ps *PresenceService) Get(ctx context.Context, userID string) (*models.UserPresence, error) {
	sockets, err := ps.store.SMembers(ctx, socketsKey(userID))
	if err != nil {
		return nil, err
	}
	lastSeen, err := ps.lastSeenAt(ctx, userID)
	if err != nil {
		return nil, err
	}
	status := models.StatusOffline
	if ps.IsOnline(ctx, userID) {
		status = models.StatusOnline
	}
	return &models.UserPresence{
		UserID:    userID,
		Status:    status,
		SocketIDs: sockets,
		LastSeen:  lastSeen,
	}, nil
}

// Online lists users currently considered online.
func (ps *PresenceService) Online(ctx context.Context) ([]models.UserPresence, error) {
	members, err := ps.store.ZRangeWithScores(ctx, presenceOnlineKey, 0, -1)
	if err != nil {
		ps.logger.Warn("Presence store unavailable, listing local users", "error", err)
		users := make([]models.UserPresence, 0)
		for _, id := range ps.registry.UserIDs() {
			users = append(users, models.UserPresence{UserID: id, Status: models.StatusOnline, LastSeen: ps.now()})
		}
		return users, nil
	}

	now := ps.now()
	users := make([]models.UserPresence, 0, len(members))
	for _, m := range members {
		if now.Sub(time.UnixMilli(int64(m.Score))) >= ps.config.OfflineThreshold {
			has, err := ps.HasSockets(ctx, m.Member)
			if err != nil {
				has = ps.registry.HasUser(m.Member)
			}
			if !has {
				continue
			}
		}
		users = append(users, models.UserPresence{
			UserID:   m.Member,
			Status:   models.StatusOnline,
			LastSeen: time.UnixMilli(int64(m.Score)),
		})
	}
	return users, nil
}

// Sweep reconciles the shared presence state: dead sockets are pruned, users
// without sockets past the threshold go offline, and expired metadata of
// users who still have sockets is rebuilt.
func (ps *PresenceService) Sweep(ctx context.Context) {
	members, err := ps.store.ZRangeWithScores(ctx, presenceOnlineKey, 0, -1)
	if err != nil {
		ps.logger.Warn("Presence sweep skipped", "error", err)
		return
	}

	now := ps.now()
	offline := 0
	for _, m := range members {
		live, err := ps.liveSockets(ctx, m.Member)
		if err != nil {
			ps.logger.Warn("Presence sweep failed for user", "user_id", m.Member, "error", err)
			continue
		}

		if len(live) > 0 {
			ps.restoreMetadata(ctx, m.Member, live[0])
			continue
		}

		lastSeen, err := ps.lastSeenAt(ctx, m.Member)
		if err != nil {
			continue
		}
		if lastSeen.IsZero() {
			lastSeen = time.UnixMilli(int64(m.Score))
		}
		if now.Sub(lastSeen) < ps.config.OfflineThreshold {
			continue
		}
		if ps.markOffline(ctx, m.Member, lastSeen) {
			offline++
		}
	}

	if offline > 0 {
		ps.logger.Info("Presence sweep marked users offline", "count", offline, "scanned", len(members))
	}
}

// liveSockets returns the user's sockets whose liveness key still exists,
// removing the rest.
func (ps *PresenceService) liveSockets(ctx context.Context, userID string) ([]string, error) {
	sockets, err := ps.store.SMembers(ctx, socketsKey(userID))
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(sockets))
	for _, sid := range sockets {
		alive, err := ps.SocketAlive(ctx, sid)
		if err != nil {
			return nil, err
		}
		if alive {
			live = append(live, sid)
			continue
		}
		if _, err := ps.store.SRem(ctx, socketsKey(userID), sid); err != nil {
			return nil, err
		}
		ps.logger.Debug("Pruned dead socket", "user_id", userID, "socket_id", sid)
		if ps.onPrune != nil {
			ps.onPrune(ctx, userID, sid)
		}
	}
	return live, nil
}

func (ps *PresenceService) restoreMetadata(ctx context.Context, userID, socketID string) {
	meta, err := ps.store.HGetAll(ctx, userKey(userID))
	if err != nil || len(meta) > 0 {
		return
	}
	now := ps.now()
	if err := ps.store.HSet(ctx, userKey(userID), map[string]string{
		"status":    string(models.StatusOnline),
		"last_seen": strconv.FormatInt(now.UnixMilli(), 10),
		"socket":    socketID,
	}); err != nil {
		ps.logger.Warn("Failed to restore presence metadata", "user_id", userID, "error", err)
		return
	}
	_ = ps.store.Expire(ctx, userKey(userID), ps.config.PresenceTTL)
	ps.logger.Debug("Restored presence metadata", "user_id", userID, "socket_id", socketID)
}

// markOffline drops the user from the online index unless a socket was
// registered meanwhile, possibly on another instance.
func (ps *PresenceService) markOffline(ctx context.Context, userID string, lastSeen time.Time) bool {
	cleared, err := ps.store.ClearIfEmpty(ctx, socketsKey(userID), presenceOnlineKey, userID, userKey(userID))
	if err != nil {
		ps.logger.Warn("Failed to drop user from online index", "user_id", userID, "error", err)
		return false
	}
	if !cleared {
		ps.logger.Debug("User reconnected during sweep", "user_id", userID)
		return false
	}

	ps.publish(ctx, userID, models.StatusOffline, "", "")
	if ps.lastSeen != nil {
		if err := ps.lastSeen.RecordLastSeen(ctx, userID, lastSeen); err != nil {
			ps.logger.Warn("Failed to record last seen", "user_id", userID, "error", err)
		}
	}
	return true
}

// SetOverlay broadcasts a transient state such as idle or active. Overlays
// are never stored.
func (ps *PresenceService) SetOverlay(ctx context.Context, userID string, overlay models.PresenceOverlay, roomID string) {
	ps.publish(ctx, userID, models.StatusOnline, overlay, roomID)
}

// Typing marks the user as typing in roomID and tells the room. The marker
// expires by itself after the typing TTL.
func (ps *PresenceService) Typing(ctx context.Context, conn *Connection, roomID string, typing bool) error {
	if !conn.HasRoom(roomID) {
		return ErrNotInRoom
	}
	key := typingPrefix + roomID + ":" + conn.UserID
	if typing {
		if err := ps.store.Set(ctx, key, conn.SocketID, ps.config.TypingTTL); err != nil {
			return Internal(err)
		}
	} else if err := ps.store.Del(ctx, key); err != nil {
		return Internal(err)
	}

	payload := map[string]interface{}{
		"room_id":      roomID,
		"user_id":      conn.UserID,
		"display_name": conn.Profile.DisplayName,
		"is_typing":    typing,
		"server_ts":    ps.now().UnixMilli(),
	}
	ps.relay.Publish(ctx, TopicRoom, Envelope{RoomID: roomID, ExceptSocket: conn.SocketID, Event: "typing"}, payload)
	return nil
}

func (ps *PresenceService) publish(ctx context.Context, userID string, status models.PresenceStatus, overlay models.PresenceOverlay, roomID string) {
	if ps.social == nil {
		return
	}
	followers, err := ps.social.GetFollowerIDs(ctx, userID)
	if err != nil {
		ps.logger.Warn("Failed to load followers for presence update", "user_id", userID, "error", err)
		return
	}
	if len(followers) == 0 {
		return
	}
	now := ps.now().UnixMilli()
	update := models.PresenceUpdate{
		UserID:   userID,
		Status:   status,
		Overlay:  overlay,
		RoomID:   roomID,
		LastSeen: now,
		ServerTs: now,
	}
	ps.relay.Publish(ctx, TopicPresence, Envelope{UserIDs: followers, Event: "presence_update"}, update)
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (ps *PresenceService) Run(ctx context.Context) {
	ticker := time.NewTicker(ps.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps.Sweep(ctx)
		}
	}
}
