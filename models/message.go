package models

type MessageState string

const (
	StateSending   MessageState = "sending"
	StateSent      MessageState = "sent"
	StateDelivered MessageState = "delivered"
	StateRead      MessageState = "read"
)

type SendMessageRequest struct {
	RoomID          string                 `json:"room_id"`
	Content         string                 `json:"content"`
	Type            string                 `json:"type,omitempty"`
	ClientMessageID string                 `json:"client_message_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type SendPrivateRequest struct {
	RecipientID     string                 `json:"recipient_id"`
	Content         string                 `json:"content"`
	ClientMessageID string                 `json:"client_message_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type SendResult struct {
	MessageID       string       `json:"message_id"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	State           MessageState `json:"state"`
	Duplicate       bool         `json:"duplicate,omitempty"`
	ServerTs        int64        `json:"server_ts"`
}

// AckRequest carries a recipient's delivered/read acknowledgment.
type AckRequest struct {
	MessageID string       `json:"message_id"`
	SenderID  string       `json:"sender_id"`
	RoomID    string       `json:"room_id,omitempty"`
	State     MessageState `json:"state"`
}

// MessageStateEvent is pushed only to the sender's own sockets.
type MessageStateEvent struct {
	MessageID       string       `json:"message_id"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	RoomID          string       `json:"room_id,omitempty"`
	State           MessageState `json:"state"`
	ByUserID        string       `json:"by_user_id,omitempty"`
	ServerTs        int64        `json:"server_ts"`
}

type PrivateMessage struct {
	ID              string                 `json:"id"`
	ClientMessageID string                 `json:"client_message_id,omitempty"`
	SenderID        string                 `json:"sender_id"`
	SenderName      string                 `json:"sender_name,omitempty"`
	RecipientID     string                 `json:"recipient_id"`
	Content         string                 `json:"content"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ServerTs        int64                  `json:"server_ts"`
	Queued          bool                   `json:"queued,omitempty"`
}
