package services

import (
	"context"
	"time"

	"chorus/realtime/models"
)

// Claims is what a verified credential tells us.
type Claims struct {
	Subject   string
	TokenType string
	ExpiresAt time.Time
}

type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// MembershipStore answers room, membership, ban and mute questions. A nil
// result with a nil error means "not found".
type MembershipStore interface {
	GetRoom(ctx context.Context, roomID string) (*models.RoomInfo, error)
	GetMembership(ctx context.Context, roomID, userID string) (*models.Membership, error)
	ClearMute(ctx context.Context, roomID, userID string) error
}

type NewMessage struct {
	RoomID          string
	SenderID        string
	Type            string
	Content         string
	ClientMessageID string
	Metadata        map[string]interface{}
}

type NewDirectMessage struct {
	SenderID        string
	RecipientID     string
	Content         string
	ClientMessageID string
	Metadata        map[string]interface{}
}

type StoredMessage struct {
	ID        string
	CreatedAt time.Time
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg NewMessage) (*StoredMessage, error)
	CreateDirectMessage(ctx context.Context, msg NewDirectMessage) (*StoredMessage, error)
}

type ProfileStore interface {
	GetPublicProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type SocialStore interface {
	GetFollowerIDs(ctx context.Context, userID string) ([]string, error)
	// IsBlocked reports whether blocker has blocked blocked.
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
}

type LastSeenRecorder interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}
