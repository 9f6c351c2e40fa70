package models

import "time"

type RoomEventType string

const (
	RoomEventMessage     RoomEventType = "message"
	RoomEventGift        RoomEventType = "gift"
	RoomEventUserJoined  RoomEventType = "user_joined"
	RoomEventUserLeft    RoomEventType = "user_left"
	RoomEventSystem      RoomEventType = "system"
	RoomEventRoomUpdated RoomEventType = "room_updated"
)

// LegacyEventNames maps a room event type to the narrower event names older
// clients still listen for. They are only produced when a frame is written.
var LegacyEventNames = map[RoomEventType]string{
	RoomEventMessage:     "new_message",
	RoomEventGift:        "gift_received",
	RoomEventUserJoined:  "user_joined",
	RoomEventUserLeft:    "user_left",
	RoomEventRoomUpdated: "room_updated",
	RoomEventSystem:      "system_message",
}

// RoomEvent is the single envelope for everything that happens in a room.
// It is never mutated after creation.
type RoomEvent struct {
	ID         string                 `json:"id"`
	Type       RoomEventType          `json:"type"`
	RoomID     string                 `json:"room_id"`
	SenderID   string                 `json:"sender_id,omitempty"`
	SenderName string                 `json:"sender_name,omitempty"`
	ServerTs   int64                  `json:"server_ts"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

type LeaveReason string

const (
	LeaveManual     LeaveReason = "manual"
	LeaveDisconnect LeaveReason = "disconnect"
	LeaveKicked     LeaveReason = "kicked"
	LeaveBanned     LeaveReason = "banned"
)

// RoomInfo is what the membership store reports about a room.
type RoomInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	OwnerID  string `json:"owner_id"`
	IsActive bool   `json:"is_active"`
}

// Membership mirrors the external membership/ban/mute flags for one user in one room.
type Membership struct {
	RoomID      string     `json:"room_id"`
	UserID      string     `json:"user_id"`
	Role        MemberRole `json:"role"`
	HasLeft     bool       `json:"has_left"`
	IsBanned    bool       `json:"is_banned"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
	IsMuted     bool       `json:"is_muted"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`
}

// BannedAt reports whether the ban is in effect at now. A ban without an end
// time is permanent.
func (m *Membership) BannedAt(now time.Time) bool {
	if !m.IsBanned {
		return false
	}
	return m.BannedUntil == nil || m.BannedUntil.After(now)
}

// MuteRemaining returns how long the mute still lasts at now. The second
// result is false when the member is muted but the mute has already expired.
func (m *Membership) MuteRemaining(now time.Time) (time.Duration, bool) {
	if !m.IsMuted {
		return 0, true
	}
	if m.MutedUntil == nil {
		return -1, true
	}
	if !m.MutedUntil.After(now) {
		return 0, false
	}
	return m.MutedUntil.Sub(now), true
}

type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
	IsBanned    bool   `json:"-"`
}

type JoinResult struct {
	RoomID   string   `json:"room_id"`
	Online   []string `json:"online_users"`
	Rejoined bool     `json:"rejoined,omitempty"`
}

// GiftNotice is what the wallet side reports once a gift transaction settles.
type GiftNotice struct {
	TransactionID string                 `json:"transaction_id" binding:"required"`
	SenderID      string                 `json:"sender_id" binding:"required"`
	SenderName    string                 `json:"sender_name"`
	RecipientID   string                 `json:"recipient_id"`
	GiftID        string                 `json:"gift_id"`
	Quantity      int                    `json:"quantity"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}
