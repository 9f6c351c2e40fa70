package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chorus/realtime/models"
)

func TestAuthenticate(t *testing.T) {
	h := newHarness(t)
	future := h.clock.Now().Add(time.Hour)
	past := h.clock.Now().Add(-time.Second)

	h.verifier.On("Verify", "good").Return(&Claims{Subject: "alice", TokenType: "access", ExpiresAt: future}, nil)
	h.verifier.On("Verify", "refresh").Return(&Claims{Subject: "alice", TokenType: "refresh", ExpiresAt: future}, nil)
	h.verifier.On("Verify", "stale").Return(&Claims{Subject: "alice", TokenType: "access", ExpiresAt: past}, nil)
	h.verifier.On("Verify", "expired").Return(nil, ErrTokenExpired)
	h.verifier.On("Verify", "garbage").Return(nil, errors.New("signature is invalid"))
	h.verifier.On("Verify", "ghost").Return(&Claims{Subject: "ghost", TokenType: "access"}, nil)
	h.verifier.On("Verify", "banned").Return(&Claims{Subject: "mallory", TokenType: "access"}, nil)
	h.verifier.On("Verify", "flaky").Return(&Claims{Subject: "flaky", TokenType: "access"}, nil)

	h.profiles.On("GetPublicProfile", mock.Anything, "alice").Return(&models.Profile{UserID: "alice", DisplayName: "Alice"}, nil)
	h.profiles.On("GetPublicProfile", mock.Anything, "ghost").Return(nil, nil)
	h.profiles.On("GetPublicProfile", mock.Anything, "mallory").Return(&models.Profile{UserID: "mallory", IsBanned: true}, nil)
	h.profiles.On("GetPublicProfile", mock.Anything, "flaky").Return(nil, errors.New("connection refused"))

	profile, err := h.hub.Authenticate(h.ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "Alice", profile.DisplayName)

	cases := map[string]string{
		"":        CodeAuthRequired,
		"refresh": CodeInvalidTokenType,
		"stale":   CodeTokenExpired,
		"expired": CodeTokenExpired,
		"garbage": CodeInvalidToken,
		"ghost":   CodeUserNotFound,
		"banned":  CodeUserBanned,
		"flaky":   CodeInternal,
	}
	for token, code := range cases {
		_, err := h.hub.Authenticate(h.ctx, token)
		require.Error(t, err, token)
		assert.Equal(t, code, AsError(err).Code, token)
	}
}

func TestConnectSendsConnectedEvent(t *testing.T) {
	h := newHarness(t)

	conn, sender := h.connect("alice")
	events := sender.named("connected")
	require.Len(t, events, 1)
	payload := events[0].(map[string]interface{})
	assert.Equal(t, conn.SocketID, payload["socket_id"])
	assert.Equal(t, "alice", payload["user_id"])

	assert.Same(t, conn, h.hub.Registry.Get(conn.SocketID))
	assert.NoError(t, h.hub.Ping(h.ctx))

	h.hub.Disconnect(h.ctx, conn)
	assert.Nil(t, h.hub.Registry.Get(conn.SocketID))
	assert.Zero(t, h.hub.Registry.Count())
}

type lastSeenRecorder struct {
	mock.Mock
}

func (r *lastSeenRecorder) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	return r.Called(ctx, userID, at).Error(0)
}

func TestLastSeenRecordedOnConnectAndOffline(t *testing.T) {
	h := newHarness(t)
	recorder := &lastSeenRecorder{}
	recorder.On("RecordLastSeen", mock.Anything, "alice", mock.Anything).Return(nil)
	h.hub.lastSeen = recorder
	h.hub.Presence.lastSeen = recorder

	conn, _ := h.connect("alice")
	recorder.AssertNumberOfCalls(t, "RecordLastSeen", 1)

	h.hub.Disconnect(h.ctx, conn)
	h.clock.Advance(h.cfg.OfflineThreshold)
	h.hub.Presence.Sweep(h.ctx)
	recorder.AssertNumberOfCalls(t, "RecordLastSeen", 2)
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t)
	h.hub.Stop()
	assert.Error(t, h.hub.Context().Err())
}
