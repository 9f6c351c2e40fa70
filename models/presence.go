package models

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Overlay states are broadcast only, never stored.
type PresenceOverlay string

const (
	OverlayTyping PresenceOverlay = "typing"
	OverlayInRoom PresenceOverlay = "in_room"
	OverlayIdle   PresenceOverlay = "idle"
	OverlayActive PresenceOverlay = "active"
)

type UserPresence struct {
	UserID    string            `json:"user_id"`
	Status    PresenceStatus    `json:"status"`
	SocketIDs []string          `json:"socket_ids,omitempty"`
	LastSeen  time.Time         `json:"last_seen"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PresenceUpdate is pushed to followers as "presence_update".
type PresenceUpdate struct {
	UserID   string          `json:"user_id"`
	Status   PresenceStatus  `json:"status"`
	Overlay  PresenceOverlay `json:"overlay,omitempty"`
	RoomID   string          `json:"room_id,omitempty"`
	LastSeen int64           `json:"last_seen"`
	ServerTs int64           `json:"server_ts"`
}

type StatusResponse struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	IsOnline bool           `json:"is_online"`
}

type OnlineUsersResponse struct {
	Count int            `json:"count"`
	Users []UserPresence `json:"users"`
}

type RosterResponse struct {
	RoomID string   `json:"room_id"`
	Count  int      `json:"count"`
	Users  []string `json:"users"`
}
