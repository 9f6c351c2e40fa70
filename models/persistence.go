package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB type for PostgreSQL JSONB fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONB)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// User is the subset of the user table this service reads and touches.
type User struct {
	ID          string     `json:"id" gorm:"type:uuid;primary_key"`
	DisplayName string     `json:"display_name" gorm:"not null"`
	Avatar      string     `json:"avatar"`
	IsBanned    bool       `json:"is_banned" gorm:"default:false"`
	LastSeenAt  *time.Time `json:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "chat.users"
}

type Room struct {
	ID        string    `json:"id" gorm:"type:uuid;primary_key"`
	Name      string    `json:"name" gorm:"not null"`
	OwnerID   string    `json:"owner_id" gorm:"type:uuid;not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	Metadata  JSONB     `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Room) TableName() string {
	return "chat.rooms"
}

type MemberRole string

const (
	RoleOwner     MemberRole = "owner"
	RoleModerator MemberRole = "moderator"
	RoleMember    MemberRole = "member"
)

// RoomMember is the membership/ban/mute row consulted on join and send.
type RoomMember struct {
	RoomID      string     `json:"room_id" gorm:"type:uuid;primaryKey"`
	UserID      string     `json:"user_id" gorm:"type:uuid;primaryKey"`
	Role        MemberRole `json:"role" gorm:"default:member"`
	LeftAt      *time.Time `json:"left_at"`
	IsBanned    bool       `json:"is_banned" gorm:"default:false"`
	BannedUntil *time.Time `json:"banned_until"`
	IsMuted     bool       `json:"is_muted" gorm:"default:false"`
	MutedUntil  *time.Time `json:"muted_until"`
	JoinedAt    time.Time  `json:"joined_at"`
}

func (RoomMember) TableName() string {
	return "chat.room_members"
}

type Message struct {
	ID              string    `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	RoomID          string    `json:"room_id" gorm:"type:uuid;not null;index"`
	SenderID        string    `json:"sender_id" gorm:"type:uuid;not null"`
	Type            string    `json:"type" gorm:"default:text"`
	Content         string    `json:"content" gorm:"not null"`
	ClientMessageID string    `json:"client_message_id"`
	Metadata        JSONB     `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	CreatedAt       time.Time `json:"created_at"`
}

func (Message) TableName() string {
	return "chat.messages"
}

type DirectMessage struct {
	ID              string     `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	SenderID        string     `json:"sender_id" gorm:"type:uuid;not null;index"`
	RecipientID     string     `json:"recipient_id" gorm:"type:uuid;not null;index"`
	Content         string     `json:"content" gorm:"not null"`
	ClientMessageID string     `json:"client_message_id"`
	Metadata        JSONB      `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	ReadAt          *time.Time `json:"read_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (DirectMessage) TableName() string {
	return "chat.direct_messages"
}

type Follow struct {
	FollowerID string    `json:"follower_id" gorm:"type:uuid;primaryKey"`
	FolloweeID string    `json:"followee_id" gorm:"type:uuid;primaryKey;index"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Follow) TableName() string {
	return "chat.follows"
}

type Block struct {
	BlockerID string    `json:"blocker_id" gorm:"type:uuid;primaryKey"`
	BlockedID string    `json:"blocked_id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
}

func (Block) TableName() string {
	return "chat.blocks"
}
