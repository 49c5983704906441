package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/dawnotemu/voicecore/pkg/synth"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// ServerConfig configures the asynq worker server.
type ServerConfig struct {
	RedisURL    string
	Concurrency int
}

// Server runs the asynq worker process: allocation, queue-drain, and
// synthesis task handlers, each constructed with its dependencies injected
// rather than pulled from package globals.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds a Server wired to the allocation and synthesis workers.
func NewServer(cfg ServerConfig, allocWorker *voiceslot.AllocationWorker, synthWorker *synth.Worker, logger *slog.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URI: %w", err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	mux.HandleFunc(TaskAllocateVoice, func(ctx context.Context, t *asynq.Task) error {
		var p allocateVoicePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshalling allocation payload: %w", err)
		}
		return allocWorker.Allocate(ctx, p.VoiceID)
	})

	mux.HandleFunc(TaskDrainQueue, func(ctx context.Context, t *asynq.Task) error {
		return allocWorker.DrainQueue(ctx)
	})

	synthesize := func(ctx context.Context, t *asynq.Task) error {
		var p synthesizePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshalling synthesis payload: %w", err)
		}
		return synthWorker.Synthesize(ctx, p.AudioRequestID)
	}
	mux.HandleFunc(TaskSynthesize, synthesize)
	mux.HandleFunc(TaskSynthesizeRetry, synthesize)

	logger.Info("asynq worker server configured", "concurrency", concurrency)
	return &Server{server: srv, mux: mux}, nil
}

// Run starts processing tasks in the background and blocks until ctx is
// cancelled, then gracefully shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}
