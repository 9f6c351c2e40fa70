package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"chorus/realtime/services"
	"chorus/realtime/utils"
)

// LastSeenHandler applies user:last_seen tasks.
type LastSeenHandler struct {
	recorder services.LastSeenRecorder
	logger   *utils.Logger
}

func NewLastSeenHandler(recorder services.LastSeenRecorder, logger *utils.Logger) *LastSeenHandler {
	return &LastSeenHandler{recorder: recorder, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *LastSeenHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload LastSeenPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		h.logger.Error("Failed to unmarshal task payload", "task_type", t.Type(), "error", err)
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.UserID == "" {
		return fmt.Errorf("last seen task without user_id: %w", asynq.SkipRetry)
	}

	if err := h.recorder.RecordLastSeen(ctx, payload.UserID, payload.At); err != nil {
		return fmt.Errorf("failed to record last seen for %s: %w", payload.UserID, err)
	}
	h.logger.Debug("Last seen recorded", "user_id", payload.UserID, "at", payload.At)
	return nil
}

// Server runs the asynq worker for this service's background tasks.
type Server struct {
	server  *asynq.Server
	handler *LastSeenHandler
	logger  *utils.Logger
}

func NewServer(redisOpt asynq.RedisConnOpt, recorder services.LastSeenRecorder, logger *utils.Logger) *Server {
	log := logger.With("component", "worker_server")

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error("Task failed", "task_type", task.Type(), "retries", retried, "max_retry", maxRetry, "error", err)
		}),
		Logger: logger.Entry,
	})

	return &Server{
		server:  server,
		handler: NewLastSeenHandler(recorder, log),
		logger:  log,
	}
}

// Mux routes task types to handlers.
func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeLastSeen, s.handler)
	return mux
}

// Start blocks until Shutdown. Run it on its own goroutine.
func (s *Server) Start() {
	s.logger.Info("Worker server starting")
	if err := s.server.Run(s.Mux()); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		s.logger.Error("Worker server stopped unexpectedly", "error", err)
		return
	}
	s.logger.Info("Worker server stopped")
}

func (s *Server) Shutdown() {
	s.logger.Info("Shutting down worker server")
	s.server.Shutdown()
}
