package handlers

import (
	"encoding/json"
	"fmt"

	"chorus/realtime/models"
)

const (
	eventAck       = "ack"
	eventAuthError = "auth_error"
	eventRoomEvent = "room_event"

	// CloseAuthFailed is the websocket close code sent after auth_error.
	CloseAuthFailed = 4001
)

// Frame is what a client receives.
type Frame struct {
	Event     string      `json:"event"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Command is what a client sends.
type Command struct {
	Command   string          `json:"command"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ack is the payload handed to a Sender for command acknowledgments so the
// request id ends up on the frame rather than inside data.
type ack struct {
	RequestID string
	Data      map[string]interface{}
}

// encodeFrames serializes one outbound event. A room_event is followed by a
// frame under its legacy name so older clients keep working.
func encodeFrames(event string, payload interface{}) ([][]byte, error) {
	frame := Frame{Event: event, Data: payload}
	if a, ok := payload.(ack); ok {
		frame.RequestID = a.RequestID
		frame.Data = a.Data
	}

	first, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	out := [][]byte{first}

	if event != eventRoomEvent {
		return out, nil
	}
	alias, ok := models.LegacyEventNames[roomEventType(payload)]
	if !ok {
		return out, nil
	}
	second, err := json.Marshal(Frame{Event: alias, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", alias, err)
	}
	return append(out, second), nil
}

// roomEventType finds the event type whether the payload was built locally
// or arrived through the relay as raw JSON.
func roomEventType(payload interface{}) models.RoomEventType {
	switch ev := payload.(type) {
	case models.RoomEvent:
		return ev.Type
	case *models.RoomEvent:
		if ev != nil {
			return ev.Type
		}
	case json.RawMessage:
		var head struct {
			Type models.RoomEventType `json:"type"`
		}
		if json.Unmarshal(ev, &head) == nil {
			return head.Type
		}
	}
	return ""
}
