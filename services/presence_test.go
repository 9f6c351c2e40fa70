package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/realtime/models"
	"chorus/realtime/store"
)

func TestPresenceOnlineUntilThreshold(t *testing.T) {
	h := newHarness(t)
	ps := h.hub.Presence

	assert.False(t, ps.IsOnline(h.ctx, "alice"))

	conn, _ := h.connect("alice")
	assert.True(t, ps.IsOnline(h.ctx, "alice"))

	h.hub.Disconnect(h.ctx, conn)
	has, err := ps.HasSockets(h.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, has)
	assert.True(t, ps.IsOnline(h.ctx, "alice"), "user stays online inside the offline threshold")

	h.clock.Advance(h.cfg.OfflineThreshold - time.Second)
	assert.True(t, ps.IsOnline(h.ctx, "alice"))

	h.clock.Advance(2 * time.Second)
	assert.False(t, ps.IsOnline(h.ctx, "alice"))

	ps.Sweep(h.ctx)
	online, err := ps.Online(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPresenceSocketsAcrossDevices(t *testing.T) {
	h := newHarness(t)
	ps := h.hub.Presence

	phone, _ := h.connect("alice")
	laptop, _ := h.connect("alice")

	p, err := ps.Get(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, p.Status)
	assert.ElementsMatch(t, []string{phone.SocketID, laptop.SocketID}, p.SocketIDs)

	h.hub.Disconnect(h.ctx, phone)
	has, err := ps.HasSockets(h.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, has)

	alive, err := ps.SocketAlive(h.ctx, phone.SocketID)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestPresenceNotifiesFollowers(t *testing.T) {
	h := newHarness(t, withFollowers("alice", "bob"))

	_, bobSender := h.connect("bob")
	alice, _ := h.connect("alice")

	updates := bobSender.named("presence_update")
	require.Len(t, updates, 1)
	var update models.PresenceUpdate
	decode(t, updates[0], &update)
	assert.Equal(t, "alice", update.UserID)
	assert.Equal(t, models.StatusOnline, update.Status)

	// A second device is not a new arrival.
	h.connect("alice")
	assert.Len(t, bobSender.named("presence_update"), 1)

	h.hub.Presence.SetOverlay(h.ctx, "alice", models.OverlayIdle, "")
	updates = bobSender.named("presence_update")
	require.Len(t, updates, 2)
	decode(t, updates[1], &update)
	assert.Equal(t, models.OverlayIdle, update.Overlay)

	h.hub.Disconnect(h.ctx, alice)
	for _, c := range h.hub.Registry.SocketsOf("alice") {
		h.hub.Disconnect(h.ctx, c)
	}
	h.clock.Advance(h.cfg.OfflineThreshold + time.Second)
	h.hub.Presence.Sweep(h.ctx)

	updates = bobSender.named("presence_update")
	require.Len(t, updates, 3)
	decode(t, updates[2], &update)
	assert.Equal(t, models.StatusOffline, update.Status)
}

func TestPresenceSweepPrunesDeadSockets(t *testing.T) {
	h := newHarness(t)
	h.room("r1", "owner", "alice", "bob")

	alice, _ := h.connect("alice")
	bob, bobSender := h.connect("bob")
	h.join(bob, "r1")
	h.join(alice, "r1")

	// The instance holding alice's socket died without cleaning up.
	require.NoError(t, h.store.Del(h.ctx, socketKey(alice.SocketID)))

	h.hub.Presence.Sweep(h.ctx)

	has, err := h.hub.Presence.HasSockets(h.ctx, "alice")
	require.NoError(t, err)
	assert.False(t, has)

	roster, err := h.hub.Rooms.Roster(h.ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, roster)

	left := bobSender.roomEvents(t, models.RoomEventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0].Data["user_id"])
	assert.Equal(t, string(models.LeaveDisconnect), left[0].Data["reason"])
}

func TestPresenceSweepRestoresMetadata(t *testing.T) {
	h := newHarness(t)
	h.connect("alice")

	require.NoError(t, h.store.Del(h.ctx, userKey("alice")))
	h.hub.Presence.Sweep(h.ctx)

	meta, err := h.store.HGetAll(h.ctx, userKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusOnline), meta["status"])
	assert.NotEmpty(t, meta["last_seen"])
	assert.True(t, h.hub.Presence.IsOnline(h.ctx, "alice"))
}

func TestPresenceFallsBackToLocalRegistry(t *testing.T) {
	h := newHarness(t, withStore(func(s store.Store) store.Store { return failingStore{Store: s} }))

	h.connect("alice")

	assert.True(t, h.hub.Presence.IsOnline(h.ctx, "alice"))
	assert.False(t, h.hub.Presence.IsOnline(h.ctx, "bob"))
}

func TestTyping(t *testing.T) {
	h := newHarness(t)
	h.room("r1", "owner", "alice", "bob")

	alice, aliceSender := h.connect("alice")
	bob, bobSender := h.connect("bob")
	h.join(alice, "r1")
	h.join(bob, "r1")

	require.NoError(t, h.hub.Presence.Typing(h.ctx, alice, "r1", true))
	assert.Equal(t, 1, bobSender.count("typing"))
	assert.Equal(t, 0, aliceSender.count("typing"))

	exists, err := h.store.Exists(h.ctx, "typing:r1:alice")
	require.NoError(t, err)
	assert.True(t, exists)

	h.clock.Advance(h.cfg.TypingTTL)
	exists, err = h.store.Exists(h.ctx, "typing:r1:alice")
	require.NoError(t, err)
	assert.False(t, exists)

	err = h.hub.Presence.Typing(h.ctx, alice, "r2", true)
	assert.ErrorIs(t, err, ErrNotInRoom)
}

// reconnectDuringClear registers a socket right before the sweep clears the
// user, as another instance would.
type reconnectDuringClear struct {
	store.Store
	reconnect func()
}

func (r *reconnectDuringClear) ClearIfEmpty(ctx context.Context, guard, index, member string, keys ...string) (bool, error) {
	if r.reconnect != nil {
		r.reconnect()
		r.reconnect = nil
	}
	return r.Store.ClearIfEmpty(ctx, guard, index, member, keys...)
}

func TestPresenceSweepSparesUserWhoReconnects(t *testing.T) {
	racer := &reconnectDuringClear{}
	h := newHarness(t,
		withFollowers("alice", "bob"),
		withStore(func(s store.Store) store.Store { racer.Store = s; return racer }),
	)
	_, bobSender := h.connect("bob")

	alice, _ := h.connect("alice")
	h.hub.Disconnect(h.ctx, alice)
	h.clock.Advance(h.cfg.OfflineThreshold + time.Second)
	racer.reconnect = func() { h.connect("alice") }
	bobSender.reset()

	h.hub.Presence.Sweep(h.ctx)

	has, err := h.hub.Presence.HasSockets(h.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, has)
	assert.True(t, h.hub.Presence.IsOnline(h.ctx, "alice"))

	online, err := h.hub.Presence.Online(h.ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(online))
	for _, p := range online {
		ids = append(ids, p.UserID)
	}
	assert.Contains(t, ids, "alice")
	assert.Equal(t, 0, bobSender.count("presence_update"), "no offline update for a reconnected user")
}

func TestPresenceQuickReconnectDoesNotRepublish(t *testing.T) {
	h := newHarness(t, withFollowers("alice", "bob"))
	_, bobSender := h.connect("bob")

	alice, _ := h.connect("alice")
	require.Equal(t, 1, bobSender.count("presence_update"))

	h.hub.Disconnect(h.ctx, alice)
	h.clock.Advance(h.cfg.OfflineThreshold / 2)
	h.connect("alice")
	assert.Equal(t, 1, bobSender.count("presence_update"))

	// Once the sweep has marked her offline a reconnect is a new arrival.
	h.hub.Disconnect(h.ctx, h.hub.Registry.SocketsOf("alice")[0])
	h.clock.Advance(h.cfg.OfflineThreshold + time.Second)
	h.hub.Presence.Sweep(h.ctx)
	require.Equal(t, 2, bobSender.count("presence_update"))

	h.connect("alice")
	updates := bobSender.named("presence_update")
	require.Len(t, updates, 3)
	var update models.PresenceUpdate
	decode(t, updates[2], &update)
	assert.Equal(t, models.StatusOnline, update.Status)
}

func TestPresenceOnlineListsRecentAndConnectedUsers(t *testing.T) {
	h := newHarness(t)
	ps := h.hub.Presence

	h.connect("alice")
	bob, _ := h.connect("bob")
	carol, _ := h.connect("carol")
	h.hub.Disconnect(h.ctx, bob)
	h.hub.Disconnect(h.ctx, carol)

	h.clock.Advance(h.cfg.OfflineThreshold / 2)
	h.connect("dave")
	h.hub.Disconnect(h.ctx, h.hub.Registry.SocketsOf("dave")[0])
	h.clock.Advance(h.cfg.OfflineThreshold/2 + time.Second)

	// alice still holds her socket although her score is old.
	online, err := ps.Online(h.ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(online))
	for _, p := range online {
		assert.Equal(t, models.StatusOnline, p.Status)
		ids = append(ids, p.UserID)
	}
	assert.ElementsMatch(t, []string{"alice", "dave"}, ids)
}

func TestPresenceTransportAliveKeepsUserOnline(t *testing.T) {
	h := newHarness(t)
	ps := h.hub.Presence

	alice, _ := h.connect("alice")

	refreshed, err := ps.TransportAlive(h.ctx, alice)
	require.NoError(t, err)
	assert.False(t, refreshed, "pongs inside half a ping interval are throttled")

	for i := 0; i < 3; i++ {
		h.clock.Advance(h.cfg.PresenceTTL - time.Second)
		refreshed, err = ps.TransportAlive(h.ctx, alice)
		require.NoError(t, err)
		assert.True(t, refreshed)
	}
	h.clock.Advance(h.cfg.PresenceTTL - time.Second)
	ps.Sweep(h.ctx)

	alive, err := ps.SocketAlive(h.ctx, alice.SocketID)
	require.NoError(t, err)
	assert.True(t, alive)
	assert.True(t, ps.IsOnline(h.ctx, "alice"))
}
