package voiceslot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/kvqueue"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
)

// ReclaimerStore is the slice of voice persistence the idle reclaimer needs.
type ReclaimerStore interface {
	ListReclaimCandidates(ctx context.Context, warmHold time.Duration, limit int) ([]Voice, error)
	MarkReclaimed(ctx context.Context, id uuid.UUID, now time.Time) error
}

// Reclaimer periodically frees slots under queue pressure by evicting the
// least-recently-used ready voices whose warm hold has expired.
type Reclaimer struct {
	store      ReclaimerStore
	queue      *kvqueue.Queue
	providers  *ttsprovider.Registry
	events     *eventlog.Writer
	dispatcher AllocationDispatcher
	cfg        Config
	logger     *slog.Logger
}

// NewReclaimer builds a Reclaimer.
func NewReclaimer(store ReclaimerStore, queue *kvqueue.Queue, providers *ttsprovider.Registry, events *eventlog.Writer, dispatcher AllocationDispatcher, cfg Config, logger *slog.Logger) *Reclaimer {
	return &Reclaimer{
		store:      store,
		queue:      queue,
		providers:  providers,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run evaluates whether any voices should be reclaimed this tick. It is a
// no-op unless the queue is non-empty.
func (r *Reclaimer) Run(ctx context.Context) error {
	queueLen, err := r.queue.Length(ctx)
	if err != nil {
		return fmt.Errorf("checking queue length: %w", err)
	}
	if queueLen <= 0 {
		return nil
	}

	limit := r.cfg.MaxReclaimPerTick
	if queueLen < int64(limit) {
		limit = int(queueLen)
	}

	candidates, err := r.store.ListReclaimCandidates(ctx, r.cfg.WarmHold, limit)
	if err != nil {
		return fmt.Errorf("listing reclaim candidates: %w", err)
	}

	reclaimedAny := false
	for _, voice := range candidates {
		if voice.RemoteVoiceID == nil {
			continue
		}

		provider, ok := r.providers.Get(ttsprovider.Name(voice.ServiceProvider))
		if !ok {
			r.logger.Error("no provider registered for reclaim", "voice_id", voice.ID, "provider", voice.ServiceProvider)
			continue
		}

		remoteVoiceID := *voice.RemoteVoiceID
		if err := provider.DeleteVoice(ctx, remoteVoiceID); err != nil {
			// The remote slot is presumed still held; do not mutate local state.
			r.logger.Error("provider delete failed during reclaim", "voice_id", voice.ID, "error", err)
			continue
		}

		now := time.Now()
		if err := r.store.MarkReclaimed(ctx, voice.ID, now); err != nil {
			r.logger.Error("marking voice reclaimed", "voice_id", voice.ID, "error", err)
			continue
		}

		meta, _ := json.Marshal(map[string]string{"remote_voice_id": remoteVoiceID})
		r.events.Log(eventlog.Entry{
			VoiceID:   &voice.ID,
			UserID:    &voice.OwnerUserID,
			EventType: eventlog.EventSlotEvicted,
			Reason:    "idle reclaim: warm hold expired under queue pressure",
			Metadata:  meta,
		})
		reclaimedAny = true
	}

	if reclaimedAny {
		if err := r.dispatcher.DispatchQueueDrain(ctx, 0); err != nil {
			r.logger.Warn("triggering queue drain after reclaim", "error", err)
		}
	}

	return nil
}

// RunLoop runs Run periodically until ctx is cancelled.
func RunLoop(ctx context.Context, run func(context.Context) error, interval time.Duration, logger *slog.Logger, name string) {
	logger.Info(name+" loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(name + " loop stopped")
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logger.Error(name+" tick failed", "error", err)
			}
		}
	}
}
