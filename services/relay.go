package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"chorus/realtime/store"
	"chorus/realtime/utils"
)

type Topic string

const (
	TopicRoom          Topic = "room"
	TopicGift          Topic = "gift"
	TopicPresence      Topic = "presence"
	TopicPrivate       Topic = "private"
	TopicBlock         Topic = "block"
	TopicNotification  Topic = "notification"
	TopicFriendRequest Topic = "friend_request"
	TopicMessageState  Topic = "message_state"
	TopicGame          Topic = "game"
	TopicControl       Topic = "control"
)

var allTopics = []Topic{
	TopicRoom, TopicGift, TopicPresence, TopicPrivate, TopicBlock,
	TopicNotification, TopicFriendRequest, TopicMessageState, TopicGame, TopicControl,
}

const channelPrefix = "realtime:"

func (t Topic) channel() string { return channelPrefix + string(t) }

// Envelope is what travels between instances. Targets are combined: sockets,
// users and a room may all be set, each receiving the event once.
type Envelope struct {
	Origin       string          `json:"origin"`
	RoomID       string          `json:"room_id,omitempty"`
	UserIDs      []string        `json:"user_ids,omitempty"`
	SocketIDs    []string        `json:"socket_ids,omitempty"`
	ExceptSocket string          `json:"except_socket,omitempty"`
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// ControlHandler runs on every instance for control topic events.
type ControlHandler func(ctx context.Context, env *Envelope)

// Relay emits locally first and then publishes so other instances can reach
// their own sockets. Messages from our own origin are ignored on receipt.
type Relay struct {
	store    store.Store
	registry *Registry
	origin   string
	logger   *utils.Logger

	mu       sync.RWMutex
	controls map[string]ControlHandler
}

func NewRelay(s store.Store, registry *Registry, origin string, logger *utils.Logger) *Relay {
	return &Relay{
		store:    s,
		registry: registry,
		origin:   origin,
		logger:   logger.With("component", "relay"),
		controls: make(map[string]ControlHandler),
	}
}

func (r *Relay) Origin() string { return r.origin }

func (r *Relay) HandleControl(event string, fn ControlHandler) {
	r.mu.Lock()
	r.controls[event] = fn
	r.mu.Unlock()
}

// Publish delivers env to local sockets and fans it out to other instances.
// Publishing failures are logged, never returned.
func (r *Relay) Publish(ctx context.Context, topic Topic, env Envelope, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to encode relay payload", "event", env.Event, "error", err)
		return
	}
	env.Origin = r.origin
	env.Payload = raw

	if topic == TopicControl {
		r.dispatchControl(ctx, &env)
	} else {
		r.deliver(&env, payload)
	}

	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode relay envelope", "event", env.Event, "error", err)
		return
	}
	if err := r.store.Publish(ctx, topic.channel(), string(data)); err != nil {
		r.logger.Warn("Relay publish failed", "topic", topic, "event", env.Event, "error", err)
	}
}

// Run subscribes to every topic and re-emits foreign envelopes until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	channels := make([]string, 0, len(allTopics))
	for _, t := range allTopics {
		channels = append(channels, t.channel())
	}

	sub, err := r.store.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	defer sub.Close()

	r.logger.Info("Relay listening", "topics", len(channels), "origin", r.origin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay subscription closed")
			}
			r.receive(ctx, msg)
		}
	}
}

func (r *Relay) receive(ctx context.Context, msg *store.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("Dropping malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}

	if Topic(strings.TrimPrefix(msg.Channel, channelPrefix)) == TopicControl {
		r.dispatchControl(ctx, &env)
		return
	}
	r.deliver(&env, env.Payload)
}

func (r *Relay) dispatchControl(ctx context.Context, env *Envelope) {
	r.mu.RLock()
	fn := r.controls[env.Event]
	r.mu.RUnlock()
	if fn == nil {
		r.logger.Debug("No handler for control event", "event", env.Event)
		return
	}
	fn(ctx, env)
}

// deliver emits to local targets only, at most once per socket.
func (r *Relay) deliver(env *Envelope, payload interface{}) {
	seen := make(map[string]struct{})
	send := func(c *Connection) {
		if c.SocketID == env.ExceptSocket {
			return
		}
		if _, dup := seen[c.SocketID]; dup {
			return
		}
		seen[c.SocketID] = struct{}{}
		if err := c.Send(env.Event, payload); err != nil {
			r.logger.Debug("Dropped event for slow socket", "socket_id", c.SocketID, "event", env.Event, "error", err)
		}
	}

	for _, sid := range env.SocketIDs {
		if c := r.registry.Get(sid); c != nil {
			send(c)
		}
	}
	for _, uid := range env.UserIDs {
		for _, c := range r.registry.SocketsOf(uid) {
			send(c)
		}
	}
	if env.RoomID != "" {
		for _, c := range r.registry.RoomSockets(env.RoomID) {
			send(c)
		}
	}
}

// PublishBlock tells both users' sockets that a block changed.
func (r *Relay) PublishBlock(ctx context.Context, blockerID, blockedID string, blocked bool) {
	payload := map[string]interface{}{
		"blocker_id": blockerID,
		"blocked_id": blockedID,
		"blocked":    blocked,
	}
	r.Publish(ctx, TopicBlock, Envelope{UserIDs: []string{blockerID, blockedID}, Event: "block_updated"}, payload)
}

func (r *Relay) PublishNotification(ctx context.Context, userID string, payload interface{}) {
	r.Publish(ctx, TopicNotification, Envelope{UserIDs: []string{userID}, Event: "notification"}, payload)
}

func (r *Relay) PublishFriendRequest(ctx context.Context, userID string, payload interface{}) {
	r.Publish(ctx, TopicFriendRequest, Envelope{UserIDs: []string{userID}, Event: "friend_request"}, payload)
}
