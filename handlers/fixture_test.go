package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chorus/realtime/config"
	"chorus/realtime/middleware"
	"chorus/realtime/models"
	"chorus/realtime/services"
	"chorus/realtime/store"
	"chorus/realtime/utils"
)

const testSecret = "handlers-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeMembers struct {
	rooms       map[string]*models.RoomInfo
	memberships map[string]*models.Membership
}

func (f *fakeMembers) GetRoom(_ context.Context, roomID string) (*models.RoomInfo, error) {
	return f.rooms[roomID], nil
}

func (f *fakeMembers) GetMembership(_ context.Context, roomID, userID string) (*models.Membership, error) {
	return f.memberships[roomID+"/"+userID], nil
}

func (f *fakeMembers) ClearMute(context.Context, string, string) error { return nil }

type fakeMessages struct {
	mu sync.Mutex
	n  int
}

func (f *fakeMessages) next() *services.StoredMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return &services.StoredMessage{ID: fmt.Sprintf("msg-%d", f.n), CreatedAt: time.Now()}
}

func (f *fakeMessages) CreateMessage(context.Context, services.NewMessage) (*services.StoredMessage, error) {
	return f.next(), nil
}

func (f *fakeMessages) CreateDirectMessage(context.Context, services.NewDirectMessage) (*services.StoredMessage, error) {
	return f.next(), nil
}

type fakeProfiles map[string]models.Profile

func (f fakeProfiles) GetPublicProfile(_ context.Context, userID string) (*models.Profile, error) {
	p, ok := f[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:         "test",
		InstanceID:          "node-http",
		AccessTokenType:     "access",
		ServiceTokenType:    "service",
		AuthTimeout:         300 * time.Millisecond,
		PresenceTTL:         time.Minute,
		SweepInterval:       time.Minute,
		OfflineThreshold:    time.Minute,
		TypingTTL:           time.Second,
		JoinDebounce:        time.Second,
		IdempotencyWindow:   time.Minute,
		MaxMessageLength:    200,
		MessageRateWindow:   time.Second,
		PendingDMLimit:      10,
		PendingDMTTL:        time.Hour,
		QueueEntryTTL:       time.Minute,
		MatchTTL:            time.Hour,
		RoomGameCountdown:   time.Second,
		RoomGameFinishGrace: time.Second,
		RoomGameTTL:         time.Hour,
		DiceRounds:          1,
		DiceCount:           2,
		SendBuffer:          64,
		MaxFrameBytes:       4096,
		PingInterval:        time.Second,
		PongWait:            5 * time.Second,
	}
}

type fixture struct {
	t      *testing.T
	cfg    *config.Config
	hub    *services.Hub
	router *gin.Engine
	server *httptest.Server
}

func newFixture(t *testing.T, opts ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	logger := utils.NewNopLogger()

	members := &fakeMembers{
		rooms: map[string]*models.RoomInfo{
			"lobby": {ID: "lobby", Name: "Lobby", OwnerID: "olga", IsActive: true},
		},
		memberships: map[string]*models.Membership{},
	}
	for _, uid := range []string{"olga", "alice", "bob"} {
		role := models.RoleMember
		if uid == "olga" {
			role = models.RoleOwner
		}
		members.memberships["lobby/"+uid] = &models.Membership{RoomID: "lobby", UserID: uid, Role: role}
	}

	verifier := middleware.NewJWTVerifier(testSecret)
	hub := services.NewHub(cfg, services.Deps{
		Store:    store.NewLocal(),
		Verifier: verifier,
		Members:  members,
		Messages: &fakeMessages{},
		Profiles: fakeProfiles{
			"olga":  {UserID: "olga", DisplayName: "Olga"},
			"alice": {UserID: "alice", DisplayName: "Alice"},
			"bob":   {UserID: "bob", DisplayName: "Bob"},
			"eve":   {UserID: "eve", DisplayName: "Eve", IsBanned: true},
		},
	}, logger)
	require.NoError(t, hub.Start())

	router := NewRouter(cfg, hub, verifier, logger)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Stop()
		server.Close()
	})

	return &fixture{t: t, cfg: cfg, hub: hub, router: router, server: server}
}

func token(t *testing.T, subject, tokenType string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"type": tokenType,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (f *fixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

// dial opens a socket authenticated by header and waits for "connected".
func (f *fixture) dial(userID string) *client {
	f.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(f.t, userID, "access"))
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL(""), header)
	require.NoError(f.t, err)
	c := &client{t: f.t, ws: ws}
	f.t.Cleanup(func() { ws.Close() })
	c.expect("connected")
	return c
}

// request performs an authenticated HTTP call against the router.
func (f *fixture) request(method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type ackData struct {
	Success bool            `json:"success"`
	Error   *services.Error `json:"error"`
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
	n  int
}

func (c *client) command(name string, data interface{}) string {
	c.t.Helper()
	c.n++
	id := fmt.Sprintf("req-%d", c.n)
	require.NoError(c.t, c.ws.WriteJSON(map[string]interface{}{
		"command":    name,
		"request_id": id,
		"data":       data,
	}))
	return id
}

// expect reads frames until one named event arrives, skipping the rest.
func (c *client) expect(event string) inbound {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var frame inbound
		require.NoError(c.t, c.ws.ReadJSON(&frame), "waiting for %s", event)
		if frame.Event == event {
			return frame
		}
	}
}

// ack waits for the acknowledgment of requestID and decodes it.
func (c *client) ack(requestID string, out interface{}) ackData {
	c.t.Helper()
	for {
		frame := c.expect("ack")
		if frame.RequestID != requestID {
			continue
		}
		var a ackData
		require.NoError(c.t, json.Unmarshal(frame.Data, &a))
		if out != nil {
			require.NoError(c.t, json.Unmarshal(frame.Data, out))
		}
		return a
	}
}
