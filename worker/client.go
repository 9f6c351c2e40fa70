package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"chorus/realtime/config"
	"chorus/realtime/services"
	"chorus/realtime/utils"
)

// RedisOpt turns the configured Redis URL into asynq connection options.
func RedisOpt(cfg *config.Config) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if client, ok := opt.(asynq.RedisClientOpt); ok && cfg.RedisDB != 0 {
		client.DB = cfg.RedisDB
		opt = client
	}
	return opt, nil
}

// Enqueuer is the part of *asynq.Client the queue needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// LastSeenQueue records last-seen times by enqueueing a task for the worker,
// keeping the database write off the connect path.
type LastSeenQueue struct {
	client Enqueuer
	logger *utils.Logger
}

var _ services.LastSeenRecorder = (*LastSeenQueue)(nil)

func NewLastSeenQueue(client Enqueuer, logger *utils.Logger) *LastSeenQueue {
	return &LastSeenQueue{client: client, logger: logger.With("component", "last_seen_queue")}
}

func (q *LastSeenQueue) RecordLastSeen(ctx context.Context, userID string, at time.Time) error {
	task, err := NewLastSeenTask(userID, at)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue last seen for %s: %w", userID, err)
	}
	q.logger.Debug("Enqueued last seen update", "user_id", userID, "task_id", info.ID)
	return nil
}

// Background writes last-seen times on a goroutine. It stands in for the
// queue when Redis is not available.
type Background struct {
	recorder services.LastSeenRecorder
	timeout  time.Duration
	logger   *utils.Logger
}

var _ services.LastSeenRecorder = (*Background)(nil)

func NewBackground(recorder services.LastSeenRecorder, logger *utils.Logger) *Background {
	return &Background{recorder: recorder, timeout: 10 * time.Second, logger: logger.With("component", "last_seen")}
}

func (b *Background) RecordLastSeen(_ context.Context, userID string, at time.Time) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.recorder.RecordLastSeen(ctx, userID, at); err != nil {
			b.logger.Warn("Failed to record last seen", "user_id", userID, "error", err)
		}
	}()
	return nil
}
