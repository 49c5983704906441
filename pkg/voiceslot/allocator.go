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
	"github.com/dawnotemu/voicecore/pkg/lock"
)

// AllocatorStore is the slice of voice persistence the allocator needs.
// Satisfied by *Store; narrowed to an interface so tests can substitute an
// in-memory fake instead of a live Postgres connection.
type AllocatorStore interface {
	Get(ctx context.Context, id uuid.UUID) (Voice, error)
	ExtendSlotLock(ctx context.Context, id uuid.UUID, expiresAt time.Time) error
	MarkAllocating(ctx context.Context, id uuid.UUID, slotLockExpiresAt time.Time) (Voice, error)
	CountActiveByProvider(ctx context.Context, provider string) (int, error)
}

// Allocator is the sole entry point for "I need this voice ready to
// synthesize." Concurrent allocator invocations for the same voice serialize
// through the per-voice allocation lock; the capacity check under that lock
// prevents any provider from holding more than Config.SlotLimit live clones.
type Allocator struct {
	store      AllocatorStore
	queue      *kvqueue.Queue
	locker     *lock.Locker
	events     *eventlog.Writer
	dispatcher AllocationDispatcher
	cfg        Config
	logger     *slog.Logger
}

// NewAllocator builds an Allocator.
func NewAllocator(store AllocatorStore, queue *kvqueue.Queue, locker *lock.Locker, events *eventlog.Writer, dispatcher AllocationDispatcher, cfg Config, logger *slog.Logger) *Allocator {
	return &Allocator{
		store:      store,
		queue:      queue,
		locker:     locker,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// EnsureActiveVoice resolves whether voiceID currently holds a live upstream
// clone, is already being allocated, or must be queued. See the allocator
// design's eight-step algorithm.
func (a *Allocator) EnsureActiveVoice(ctx context.Context, voiceID uuid.UUID) (SlotState, error) {
	voice, err := a.store.Get(ctx, voiceID)
	if err != nil {
		return SlotState{}, fmt.Errorf("reloading voice: %w", err)
	}

	if voice.RecordingObjectKey == "" && voice.RemoteVoiceID == nil {
		return SlotState{}, ErrVoiceSampleMissing
	}

	// Ready fast path: extend the warm hold and hand back immediately.
	if voice.RemoteVoiceID != nil && voice.AllocationStatus == AllocReady {
		expiresAt := time.Now().Add(a.cfg.WarmHold)
		if err := a.store.ExtendSlotLock(ctx, voiceID, expiresAt); err != nil {
			return SlotState{}, err
		}
		voice.SlotLockExpiresAt = &expiresAt
		return SlotState{Status: SlotReady, Voice: voice}, nil
	}

	// Already in flight: another invocation (or the dispatched task itself)
	// owns this voice until its slot lock expires.
	if voice.AllocationStatus == AllocAllocating && (voice.SlotLockExpiresAt == nil || voice.SlotLockExpiresAt.After(time.Now())) {
		return SlotState{Status: SlotAllocating, Voice: voice, QueuePosition: a.queuePosition(ctx, voiceID)}, nil
	}

	// Already queued.
	enqueued, err := a.queue.IsEnqueued(ctx, voiceID.String())
	if err != nil {
		return SlotState{}, fmt.Errorf("checking queue membership: %w", err)
	}
	if enqueued {
		return SlotState{Status: SlotQueued, Voice: voice, QueuePosition: a.queuePosition(ctx, voiceID)}, nil
	}

	// Try to start allocation under the per-voice lock.
	lockName := lock.VoiceAllocLockName(voiceID.String())
	token, ok, err := a.locker.TryAcquire(ctx, lockName, a.cfg.SlotLockTTL)
	if err != nil {
		return SlotState{}, fmt.Errorf("acquiring voice allocation lock: %w", err)
	}
	if !ok {
		// Someone else is doing the work right now.
		return SlotState{Status: SlotAllocating, Voice: voice}, nil
	}

	capacity, err := a.availableCapacity(ctx, voice.ServiceProvider)
	if err != nil {
		_ = a.locker.Release(ctx, lockName, token)
		return SlotState{}, err
	}

	if capacity <= 0 {
		entry := kvqueue.Entry{
			VoiceID:            voiceID.String(),
			RecordingObjectKey: voice.RecordingObjectKey,
			Filename:           voice.SampleFilename,
			UserID:             voice.OwnerUserID.String(),
			VoiceName:          voice.Name,
			ServiceProvider:    voice.ServiceProvider,
		}
		if err := a.queue.Enqueue(ctx, voiceID.String(), entry, 0); err != nil {
			_ = a.locker.Release(ctx, lockName, token)
			return SlotState{}, fmt.Errorf("enqueuing voice: %w", err)
		}
		a.logAllocationQueued(voice, "at capacity")
		if err := a.locker.Release(ctx, lockName, token); err != nil && err != lock.ErrNotHeld {
			a.logger.Warn("releasing voice lock after queueing", "voice_id", voiceID, "error", err)
		}
		return SlotState{Status: SlotQueued, Voice: voice}, nil
	}

	slotLockExpiresAt := time.Now().Add(a.cfg.SlotLockTTL)
	updated, err := a.store.MarkAllocating(ctx, voiceID, slotLockExpiresAt)
	if err != nil {
		_ = a.locker.Release(ctx, lockName, token)
		return SlotState{}, fmt.Errorf("marking voice allocating: %w", err)
	}
	a.events.Log(eventlog.Entry{
		VoiceID:   &voiceID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventSlotLockAcquired,
		Reason:    "allocation started",
	})

	if err := a.dispatcher.DispatchAllocation(ctx, voiceID); err != nil {
		// The lock stays held; it expires on its own TTL and the next
		// ensure_active_voice call retries the dispatch.
		return SlotState{}, fmt.Errorf("%w: %v", ErrSlotManager, err)
	}

	// The allocation lock is deliberately NOT released here: the dispatched
	// task takes over ownership, and the lock's TTL is the safety net that
	// lets a crashed worker's slot be reclaimed automatically.
	return SlotState{Status: SlotAllocating, Voice: updated}, nil
}

func (a *Allocator) queuePosition(ctx context.Context, voiceID uuid.UUID) *int64 {
	pos, ok, err := a.queue.Position(ctx, voiceID.String())
	if err != nil || !ok {
		return nil
	}
	return &pos
}

func (a *Allocator) availableCapacity(ctx context.Context, provider string) (int, error) {
	count, err := a.store.CountActiveByProvider(ctx, provider)
	if err != nil {
		return 0, fmt.Errorf("computing available capacity: %w", err)
	}
	return a.cfg.SlotLimit - count, nil
}

func (a *Allocator) logAllocationQueued(voice Voice, reason string) {
	meta, _ := json.Marshal(map[string]any{"service_provider": voice.ServiceProvider})
	a.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventAllocationQueued,
		Reason:    reason,
		Metadata:  meta,
	})
}
