package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chorus/realtime/config"
	"chorus/realtime/models"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

type mockMembers struct{ mock.Mock }

func (m *mockMembers) GetRoom(ctx context.Context, roomID string) (*models.RoomInfo, error) {
	args := m.Called(ctx, roomID)
	room, _ := args.Get(0).(*models.RoomInfo)
	return room, args.Error(1)
}

func (m *mockMembers) GetMembership(ctx context.Context, roomID, userID string) (*models.Membership, error) {
	args := m.Called(ctx, roomID, userID)
	member, _ := args.Get(0).(*models.Membership)
	return member, args.Error(1)
}

func (m *mockMembers) ClearMute(ctx context.Context, roomID, userID string) error {
	return m.Called(ctx, roomID, userID).Error(0)
}

type mockMessages struct{ mock.Mock }

func (m *mockMessages) CreateMessage(ctx context.Context, msg NewMessage) (*StoredMessage, error) {
	args := m.Called(ctx, msg)
	if fn, ok := args.Get(0).(func(NewMessage) *StoredMessage); ok {
		return fn(msg), args.Error(1)
	}
	stored, _ := args.Get(0).(*StoredMessage)
	return stored, args.Error(1)
}

func (m *mockMessages) CreateDirectMessage(ctx context.Context, msg NewDirectMessage) (*StoredMessage, error) {
	args := m.Called(ctx, msg)
	if fn, ok := args.Get(0).(func(NewDirectMessage) *StoredMessage); ok {
		return fn(msg), args.Error(1)
	}
	stored, _ := args.Get(0).(*StoredMessage)
	return stored, args.Error(1)
}

type mockProfiles struct{ mock.Mock }

func (m *mockProfiles) GetPublicProfile(ctx context.Context, userID string) (*models.Profile, error) {
	args := m.Called(ctx, userID)
	profile, _ := args.Get(0).(*models.Profile)
	return profile, args.Error(1)
}

type mockSocial struct{ mock.Mock }

func (m *mockSocial) GetFollowerIDs(ctx context.Context, userID string) ([]string, error) {
	args := m.Called(ctx, userID)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *mockSocial) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	args := m.Called(ctx, blockerID, blockedID)
	return args.Bool(0), args.Error(1)
}

type mockVerifier struct{ mock.Mock }

func (m *mockVerifier) Verify(token string) (*Claims, error) {
	args := m.Called(token)
	claims, _ := args.Get(0).(*Claims)
	return claims, args.Error(1)
}

type sentEvent struct {
	name    string
	payload interface{}
}

// recordingSender captures everything sent to one socket.
type recordingSender struct {
	mu     sync.Mutex
	events []sentEvent
	closed bool
}

func (s *recordingSender) Send(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{name: event, payload: payload})
	return nil
}

func (s *recordingSender) Close(int, string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSender) named(name string) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []interface{}
	for _, e := range s.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

func (s *recordingSender) count(name string) int { return len(s.named(name)) }

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// roomEvents returns the room events of the given type, decoding relayed
// payloads when needed.
func (s *recordingSender) roomEvents(t *testing.T, typ models.RoomEventType) []models.RoomEvent {
	t.Helper()
	var out []models.RoomEvent
	for _, p := range s.named(eventRoomEvent) {
		var ev models.RoomEvent
		decode(t, p, &ev)
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// decode converts a payload, typed or raw JSON, into out.
func decode(t *testing.T, payload interface{}, out interface{}) {
	t.Helper()
	var data []byte
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	require.NoError(t, json.Unmarshal(data, out))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:         "test",
		InstanceID:          "node-test",
		AccessTokenType:     "access",
		ServiceTokenType:    "service",
		AuthTimeout:         time.Second,
		PresenceTTL:         120 * time.Second,
		SweepInterval:       30 * time.Second,
		OfflineThreshold:    90 * time.Second,
		TypingTTL:           6 * time.Second,
		JoinDebounce:        5 * time.Second,
		IdempotencyWindow:   60 * time.Second,
		MaxMessageLength:    20,
		MessageRateLimit:    0,
		MessageRateWindow:   10 * time.Second,
		PendingDMLimit:      3,
		PendingDMTTL:        time.Hour,
		QueueEntryTTL:       2 * time.Minute,
		MatchTTL:            time.Hour,
		RoomGameCountdown:   20 * time.Millisecond,
		RoomGameFinishGrace: 20 * time.Millisecond,
		RoomGameTTL:         30 * time.Minute,
		DiceRounds:          1,
		DiceCount:           2,
		SendBuffer:          16,
		MaxFrameBytes:       4096,
		PingInterval:        time.Second,
		PongWait:            2 * time.Second,
	}
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	cfg      *config.Config
	clock    *testClock
	store    store.Store
	members  *mockMembers
	messages *mockMessages
	profiles *mockProfiles
	social   *mockSocial
	verifier *mockVerifier
	hub      *Hub
}

type harnessOption func(*harness)

func withStore(wrap func(store.Store) store.Store) harnessOption {
	return func(h *harness) { h.store = wrap(h.store) }
}

func withInstance(id string) harnessOption {
	return func(h *harness) { h.cfg.InstanceID = id }
}

func withFollowers(userID string, followers ...string) harnessOption {
	return func(h *harness) {
		h.social.On("GetFollowerIDs", mock.Anything, userID).Return(followers, nil).Maybe()
	}
}

func withBlocked(blockerID, blockedID string) harnessOption {
	return func(h *harness) {
		h.social.On("IsBlocked", mock.Anything, blockerID, blockedID).Return(true, nil).Maybe()
	}
}

func withSharedStore(s store.Store, clock *testClock) harnessOption {
	return func(h *harness) {
		h.store = s
		h.clock = clock
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clock := &testClock{now: time.Unix(1700000000, 0)}
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		cfg:      testConfig(),
		clock:    clock,
		store:    store.NewLocal(store.WithClock(clock.Now)),
		members:  &mockMembers{},
		messages: &mockMessages{},
		profiles: &mockProfiles{},
		social:   &mockSocial{},
		verifier: &mockVerifier{},
	}
	for _, opt := range opts {
		opt(h)
	}

	h.social.On("GetFollowerIDs", mock.Anything, mock.Anything).Return([]string{}, nil).Maybe()
	h.social.On("IsBlocked", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Maybe()

	h.hub = NewHub(h.cfg, Deps{
		Store:    h.store,
		Verifier: h.verifier,
		Members:  h.members,
		Messages: h.messages,
		Profiles: h.profiles,
		Social:   h.social,
	}, utils.NewNopLogger())

	now := h.clock.Now
	h.hub.now = now
	h.hub.Presence.now = now
	h.hub.Rooms.now = now
	h.hub.Messages.now = now
	h.hub.Matchmaker.now = now
	h.hub.RoomGames.now = now
	h.hub.idem.now = now

	t.Cleanup(h.hub.Stop)
	return h
}

func (h *harness) connect(userID string) (*Connection, *recordingSender) {
	sender := &recordingSender{}
	conn := h.hub.Connect(h.ctx, models.Profile{UserID: userID, DisplayName: "user " + userID}, sender)
	return conn, sender
}

// room registers an active room owned by owner whose members are all the
// given users.
func (h *harness) room(roomID, owner string, members ...string) {
	h.members.On("GetRoom", mock.Anything, roomID).
		Return(&models.RoomInfo{ID: roomID, OwnerID: owner, IsActive: true}, nil).Maybe()
	h.member(&models.Membership{RoomID: roomID, UserID: owner, Role: models.RoleOwner})
	for _, id := range members {
		h.member(&models.Membership{RoomID: roomID, UserID: id, Role: models.RoleMember})
	}
}

// member registers one membership row. Rows registered first win.
func (h *harness) member(m *models.Membership) {
	h.members.On("GetMembership", mock.Anything, m.RoomID, m.UserID).Return(m, nil).Maybe()
}

func (h *harness) join(conn *Connection, roomID string) *models.JoinResult {
	h.t.Helper()
	res, err := h.hub.Rooms.Join(h.ctx, conn, roomID)
	require.NoError(h.t, err)
	return res
}

// persistMessages makes both message stores succeed with sequential ids.
func (h *harness) persistMessages() {
	var (
		mu sync.Mutex
		n  int
	)
	next := func() *StoredMessage {
		mu.Lock()
		defer mu.Unlock()
		n++
		return &StoredMessage{ID: fmt.Sprintf("msg-%d", n), CreatedAt: h.clock.Now()}
	}
	h.messages.On("CreateMessage", mock.Anything, mock.Anything).
		Return(func(NewMessage) *StoredMessage { return next() }, nil).Maybe()
	h.messages.On("CreateDirectMessage", mock.Anything, mock.Anything).
		Return(func(NewDirectMessage) *StoredMessage { return next() }, nil).Maybe()
}

// failingStore breaks the presence reads used by IsOnline.
type failingStore struct {
	store.Store
}

func (f failingStore) SCard(context.Context, string) (int64, error) {
	return 0, errStoreDown
}

func (f failingStore) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, errStoreDown
}

var errStoreDown = NewError("STORE_DOWN", "store unreachable")
