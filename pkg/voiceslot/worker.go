package voiceslot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/kvqueue"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
)

// maxConsecutiveDefers bounds a single queue-drain cycle: once more than this
// many entries in a row come back over capacity, the cycle stops rather than
// spinning through the rest of the batch.
const maxConsecutiveDefers = 10

const drainBatchSize = 50

// ObjectDownloader is the narrow slice of object storage the allocation
// worker needs, kept as an interface so tests can substitute an in-memory
// fake instead of a live S3-compatible endpoint.
type ObjectDownloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// WorkerStore is the slice of voice persistence the allocation worker needs.
type WorkerStore interface {
	Get(ctx context.Context, id uuid.UUID) (Voice, error)
	CountActiveByProvider(ctx context.Context, provider string) (int, error)
	MarkReady(ctx context.Context, id uuid.UUID, remoteVoiceID string, now time.Time) (Voice, error)
	MarkQueuedBackToRecorded(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
}

// AllocationWorker performs the upstream clone for a voice that the
// allocator has marked allocating, and periodically drains the KV queue.
type AllocationWorker struct {
	store      WorkerStore
	queue      *kvqueue.Queue
	objects    ObjectDownloader
	providers  *ttsprovider.Registry
	events     *eventlog.Writer
	dispatcher AllocationDispatcher
	cfg        Config
	logger     *slog.Logger
}

// NewAllocationWorker builds an AllocationWorker.
func NewAllocationWorker(store WorkerStore, queue *kvqueue.Queue, objects ObjectDownloader, providers *ttsprovider.Registry, events *eventlog.Writer, dispatcher AllocationDispatcher, cfg Config, logger *slog.Logger) *AllocationWorker {
	return &AllocationWorker{
		store:      store,
		queue:      queue,
		objects:    objects,
		providers:  providers,
		events:     events,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Allocate performs the upstream clone for voiceID. It is the task body
// dispatched by the allocator's EnsureActiveVoice and by the queue drain.
func (w *AllocationWorker) Allocate(ctx context.Context, voiceID uuid.UUID) error {
	voice, err := w.store.Get(ctx, voiceID)
	if err != nil {
		return fmt.Errorf("reloading voice: %w", err)
	}

	if voice.AllocationStatus != AllocReady {
		count, err := w.store.CountActiveByProvider(ctx, voice.ServiceProvider)
		if err != nil {
			return fmt.Errorf("recomputing capacity: %w", err)
		}
		capacity := w.cfg.SlotLimit - count
		if capacity <= 0 {
			return w.requeue(ctx, voice, "capacity exhausted at dispatch")
		}
	}

	sample, err := w.objects.Download(ctx, voice.RecordingObjectKey)
	if err != nil {
		return w.fail(ctx, voice, fmt.Errorf("downloading voice sample: %w", err))
	}

	provider, ok := w.providers.Get(ttsprovider.Name(voice.ServiceProvider))
	if !ok {
		return w.fail(ctx, voice, fmt.Errorf("no provider registered for %q", voice.ServiceProvider))
	}

	result, err := provider.CloneVoice(ctx, bytes.NewReader(sample), voice.SampleFilename, voice.Name, "en")
	if err != nil {
		return w.fail(ctx, voice, fmt.Errorf("cloning voice upstream: %w", err))
	}

	now := time.Now()
	updated, err := w.store.MarkReady(ctx, voiceID, result.RemoteVoiceID, now)
	if err != nil {
		return fmt.Errorf("marking voice ready: %w", err)
	}

	meta, _ := json.Marshal(map[string]string{"remote_voice_id": result.RemoteVoiceID})
	w.events.Log(eventlog.Entry{
		VoiceID:   &voiceID,
		UserID:    &updated.OwnerUserID,
		EventType: eventlog.EventAllocationCompleted,
		Reason:    "upstream clone succeeded",
		Metadata:  meta,
	})

	if err := w.queue.Remove(ctx, voiceID.String()); err != nil {
		w.logger.Warn("removing lingering queue entry after allocation", "voice_id", voiceID, "error", err)
	}

	if err := w.dispatcher.DispatchQueueDrain(ctx, 0); err != nil {
		w.logger.Warn("triggering queue drain after allocation", "voice_id", voiceID, "error", err)
	}

	return nil
}

func (w *AllocationWorker) requeue(ctx context.Context, voice Voice, reason string) error {
	entry := kvqueue.Entry{
		VoiceID:            voice.ID.String(),
		RecordingObjectKey: voice.RecordingObjectKey,
		Filename:           voice.SampleFilename,
		UserID:             voice.OwnerUserID.String(),
		VoiceName:          voice.Name,
		ServiceProvider:    voice.ServiceProvider,
	}
	delay := jitteredDelay(w.cfg.QueuePollInterval)
	if err := w.queue.Enqueue(ctx, voice.ID.String(), entry, delay); err != nil {
		return fmt.Errorf("re-enqueuing voice: %w", err)
	}
	if err := w.store.MarkQueuedBackToRecorded(ctx, voice.ID); err != nil {
		return fmt.Errorf("reverting voice to recorded: %w", err)
	}
	meta, _ := json.Marshal(map[string]string{"reason": reason})
	w.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventAllocationQueued,
		Reason:    reason,
		Metadata:  meta,
	})
	return nil
}

func (w *AllocationWorker) fail(ctx context.Context, voice Voice, cause error) error {
	if err := w.store.MarkError(ctx, voice.ID, cause.Error()); err != nil {
		w.logger.Error("recording allocation failure", "voice_id", voice.ID, "error", err)
	}
	w.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventAllocationFailed,
		Reason:    cause.Error(),
	})
	return cause
}

// DrainQueue pops up to drainBatchSize ready entries and dispatches each as
// an allocation task, stopping early if capacity runs out.
func (w *AllocationWorker) DrainQueue(ctx context.Context) error {
	entries, err := w.queue.DequeueReadyBatch(ctx, drainBatchSize)
	if err != nil {
		return fmt.Errorf("dequeuing ready batch: %w", err)
	}

	capacityByProvider := make(map[string]int)
	deferred := 0

	for i, entry := range entries {
		voiceID, err := uuid.Parse(entry.VoiceID)
		if err != nil {
			w.logger.Error("queue entry has invalid voice_id", "raw", entry.VoiceID, "error", err)
			continue
		}

		capacity, cached := capacityByProvider[entry.ServiceProvider]
		if !cached {
			count, err := w.store.CountActiveByProvider(ctx, entry.ServiceProvider)
			if err != nil {
				w.logger.Error("checking capacity during drain", "provider", entry.ServiceProvider, "error", err)
				continue
			}
			capacity = w.cfg.SlotLimit - count
		}

		if capacity <= 0 {
			delay := jitteredDelay(w.cfg.QueuePollInterval)
			if err := w.queue.Enqueue(ctx, voiceID.String(), entry, delay); err != nil {
				w.logger.Error("re-enqueuing deferred drain entry", "voice_id", voiceID, "error", err)
			}
			deferred++
			capacityByProvider[entry.ServiceProvider] = capacity
			if deferred > maxConsecutiveDefers {
				w.logger.Warn("queue drain stopping early: too many consecutive deferrals")
				for _, rest := range entries[i+1:] {
					if err := w.queue.Enqueue(ctx, rest.VoiceID, rest, jitteredDelay(w.cfg.QueuePollInterval)); err != nil {
						w.logger.Error("re-enqueuing undispatched drain entry", "voice_id", rest.VoiceID, "error", err)
					}
				}
				break
			}
			continue
		}

		deferred = 0
		capacityByProvider[entry.ServiceProvider] = capacity - 1

		if err := w.dispatcher.DispatchAllocation(ctx, voiceID); err != nil {
			w.logger.Error("dispatching allocation from drain", "voice_id", voiceID, "error", err)
			if err := w.queue.Enqueue(ctx, voiceID.String(), entry, 0); err != nil {
				w.logger.Error("re-enqueuing after failed dispatch", "voice_id", voiceID, "error", err)
			}
		}
	}

	return nil
}

// jitteredDelay adds up to 25% jitter on top of base, the way a retry storm
// is spread out rather than synchronized.
func jitteredDelay(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}
