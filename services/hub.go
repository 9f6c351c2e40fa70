package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chorus/realtime/config"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

// Deps are the collaborators the hub consumes. Social and LastSeen may be nil.
type Deps struct {
	Store    store.Store
	Verifier TokenVerifier
	Members  MembershipStore
	Messages MessageStore
	Profiles ProfileStore
	Social   SocialStore
	LastSeen LastSeenRecorder
}

// Hub owns the realtime components of one process and their background loops.
type Hub struct {
	config *config.Config
	logger *utils.Logger
	store  store.Store

	verifier TokenVerifier
	profiles ProfileStore
	lastSeen LastSeenRecorder

	Registry   *Registry
	Relay      *Relay
	Presence   *PresenceService
	Rooms      *RoomService
	Messages   *MessageService
	Matchmaker *Matchmaker
	RoomGames  *RoomGameService
	idem       *IdempotencyCache

	// Internal state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewHub(cfg *config.Config, deps Deps, logger *utils.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry()
	relay := NewRelay(deps.Store, registry, cfg.InstanceID, logger)
	presence := NewPresenceService(deps.Store, registry, relay, deps.Social, deps.LastSeen, cfg, logger)
	rooms := NewRoomService(deps.Store, registry, relay, deps.Members, cfg, logger)
	idem := NewIdempotencyCache(deps.Store, cfg.IdempotencyWindow, logger)
	messages := NewMessageService(deps.Store, registry, relay, rooms, presence, deps.Members, deps.Messages, deps.Social, idem, cfg, logger)

	h := &Hub{
		config:     cfg,
		logger:     logger.With("component", "hub"),
		store:      deps.Store,
		verifier:   deps.Verifier,
		profiles:   deps.Profiles,
		lastSeen:   deps.LastSeen,
		Registry:   registry,
		Relay:      relay,
		Presence:   presence,
		Rooms:      rooms,
		Messages:   messages,
		Matchmaker: NewMatchmaker(deps.Store, relay, presence, cfg, logger),
		RoomGames:  NewRoomGameService(ctx, deps.Store, relay, rooms, deps.Members, cfg, logger),
		idem:       idem,
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	presence.OnSocketPruned(rooms.PruneSocket)
	return h
}

// Start launches the relay listener, the presence sweeper and the
// idempotency janitor.
func (h *Hub) Start() error {
	h.logger.Info("Starting realtime hub", "instance_id", h.config.InstanceID)

	h.wg.Add(1)
	go h.relayListener()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Presence.Run(h.ctx)
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.idem.Run(h.ctx)
	}()

	return nil
}

// relayListener keeps the relay subscribed, resubscribing after failures.
func (h *Hub) relayListener() {
	defer h.wg.Done()

	for {
		err := h.Relay.Run(h.ctx)
		if h.ctx.Err() != nil {
			return
		}
		if err != nil {
			h.logger.Error("Relay stopped, resubscribing", "error", err)
		}
		select {
		case <-h.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Stop cancels background work and pending game timers, then waits.
func (h *Hub) Stop() {
	h.logger.Info("Stopping realtime hub")

	h.cancel()
	h.RoomGames.StopTimers()
	h.wg.Wait()

	h.logger.Info("Realtime hub stopped")
}

// Context is cancelled when the hub stops.
func (h *Hub) Context() context.Context { return h.ctx }

// Authenticate verifies a bearer credential and loads the subject's profile.
func (h *Hub) Authenticate(ctx context.Context, token string) (*models.Profile, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, ErrInvalidToken
	}
	if claims.TokenType != h.config.AccessTokenType {
		return nil, ErrInvalidTokenType
	}
	if !claims.ExpiresAt.IsZero() && !h.now().Before(claims.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	profile, err := h.profiles.GetPublicProfile(ctx, claims.Subject)
	if err != nil {
		return nil, Internal(err)
	}
	if profile == nil {
		return nil, ErrUserNotFound
	}
	if profile.IsBanned {
		return nil, ErrUserBanned
	}
	return profile, nil
}

// Connect registers an authenticated socket: local registry, shared presence,
// queued direct messages and the connected event.
func (h *Hub) Connect(ctx context.Context, profile models.Profile, sender Sender) *Connection {
	now := h.now()
	conn := NewConnection(uuid.NewString(), profile, sender, now)
	h.Registry.Add(conn)

	if err := h.Presence.Connect(ctx, conn); err != nil {
		h.logger.Warn("Presence registration failed, continuing locally", "user_id", conn.UserID, "error", err)
	}

	if err := conn.Send("connected", map[string]interface{}{
		"socket_id":    conn.SocketID,
		"user_id":      conn.UserID,
		"display_name": profile.DisplayName,
		"server_ts":    now.UnixMilli(),
	}); err != nil {
		h.logger.Debug("Could not send connected event", "socket_id", conn.SocketID, "error", err)
	}

	if _, err := h.Messages.FlushPending(ctx, conn.UserID); err != nil {
		h.logger.Warn("Failed to flush queued direct messages", "user_id", conn.UserID, "error", err)
	}

	if h.lastSeen != nil {
		if err := h.lastSeen.RecordLastSeen(ctx, conn.UserID, now); err != nil {
			h.logger.Warn("Failed to record last seen", "user_id", conn.UserID, "error", err)
		}
	}

	h.logger.Info("Socket connected", "user_id", conn.UserID, "socket_id", conn.SocketID, "local_sockets", h.Registry.Count())
	return conn
}

// Disconnect releases everything held for the socket.
func (h *Hub) Disconnect(ctx context.Context, conn *Connection) {
	rooms := conn.JoinedRooms()
	h.Rooms.LeaveAll(ctx, conn, models.LeaveDisconnect)
	h.Matchmaker.OnDisconnect(ctx, conn)
	h.Registry.Remove(conn.SocketID)

	if !h.Registry.HasUser(conn.UserID) {
		for _, roomID := range rooms {
			if in, err := h.Rooms.InRoster(ctx, roomID, conn.UserID); err == nil && !in {
				h.RoomGames.PlayerLeft(ctx, roomID, conn.UserID)
			}
		}
	}

	if err := h.Presence.Disconnect(ctx, conn); err != nil {
		h.logger.Warn("Presence removal failed", "user_id", conn.UserID, "error", err)
	}
	h.logger.Info("Socket disconnected", "user_id", conn.UserID, "socket_id", conn.SocketID, "local_sockets", h.Registry.Count())
}

// Ping checks the shared store.
func (h *Hub) Ping(ctx context.Context) error {
	return h.store.Ping(ctx)
}
