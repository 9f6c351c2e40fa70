package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/realtime/models"
)

func newTestConn(socketID, userID string) (*Connection, *recordingSender) {
	sender := &recordingSender{}
	return NewConnection(socketID, models.Profile{UserID: userID}, sender, time.Unix(0, 0)), sender
}

func TestRegistryIndexes(t *testing.T) {
	r := NewRegistry()
	a1, a1s := newTestConn("s1", "alice")
	a2, a2s := newTestConn("s2", "alice")
	b1, b1s := newTestConn("s3", "bob")
	r.Add(a1)
	r.Add(a2)
	r.Add(b1)

	assert.Equal(t, 3, r.Count())
	assert.Len(t, r.SocketsOf("alice"), 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, r.UserIDs())

	assert.True(t, r.JoinRoom("s1", "r1"))
	assert.False(t, r.JoinRoom("s1", "r1"))
	assert.True(t, r.JoinRoom("s3", "r1"))
	assert.False(t, r.JoinRoom("missing", "r1"))
	assert.True(t, a1.HasRoom("r1"))

	assert.Equal(t, 1, r.EmitToRoom("r1", "ping", nil, "s3"))
	assert.Equal(t, 2, r.EmitToUser("alice", "hello", nil, ""))
	assert.True(t, r.EmitToSocket("s3", "direct", nil))
	assert.Equal(t, 2, a1s.count("ping")+a1s.count("hello"))
	assert.Equal(t, 1, a2s.count("hello"))
	assert.Equal(t, 1, b1s.count("direct"))
	assert.Zero(t, b1s.count("ping"))

	removed := r.Remove("s1")
	require.Same(t, a1, removed)
	assert.Len(t, r.RoomSockets("r1"), 1)
	assert.True(t, r.HasUser("alice"))

	r.Remove("s2")
	assert.False(t, r.HasUser("alice"))
	assert.Nil(t, r.Remove("s2"))
}

func TestConnectionHeartbeat(t *testing.T) {
	c, _ := newTestConn("s1", "alice")
	now := time.Unix(100, 0)
	c.Touch(now)
	assert.Equal(t, now, c.LastHeartbeat())
}

func TestErrorCodes(t *testing.T) {
	detailed := ErrUserMuted.WithDetails(map[string]interface{}{"remaining_seconds": 5})
	assert.ErrorIs(t, detailed, ErrUserMuted)
	assert.Nil(t, ErrUserMuted.Details, "sentinels are never mutated")
	assert.Equal(t, 5, detailed.Details["remaining_seconds"])

	renamed := ErrInvalidPayload.WithMessage("room_id is required")
	assert.ErrorIs(t, renamed, ErrInvalidPayload)
	assert.Equal(t, "invalid payload", ErrInvalidPayload.Message)

	cause := errors.New("dial tcp: refused")
	internal := Internal(cause)
	assert.ErrorIs(t, internal, cause)
	assert.Equal(t, CodeInternal, internal.Code)

	wrapped := fmt.Errorf("join: %w", ErrRoomNotFound)
	assert.Equal(t, CodeRoomNotFound, AsError(wrapped).Code)
	assert.Equal(t, CodeInternal, AsError(cause).Code)
	assert.Nil(t, AsError(nil))
}
