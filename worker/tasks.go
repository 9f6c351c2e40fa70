package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeLastSeen = "user:last_seen"

type LastSeenPayload struct {
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// NewLastSeenTask builds a low priority, briefly retried task.
func NewLastSeenTask(userID string, at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(LastSeenPayload{UserID: userID, At: at})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last seen payload: %w", err)
	}
	return asynq.NewTask(TypeLastSeen, payload,
		asynq.Queue("low"),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Second),
	), nil
}
