package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// WorkerStore is the slice of AudioRequest persistence the synthesis worker
// needs.
type WorkerStore interface {
	Get(ctx context.Context, id uuid.UUID) (AudioRequest, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkReady(ctx context.Context, id uuid.UUID, objectKey string, durationSeconds float64, fileSizeBytes int64) (AudioRequest, error)
	MarkError(ctx context.Context, id uuid.UUID, message string) error
}

// Uploader is the object-store slice the worker needs to persist rendered
// audio. Satisfied by *platform.ObjectStore.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType, cacheControl, contentDisposition string, metadata map[string]string) error
}

// VoiceWarmer is the voiceslot.Store slice the worker needs on a successful
// render: stamp last_used_at and extend the warm hold.
type VoiceWarmer interface {
	ExtendWarmHold(ctx context.Context, id uuid.UUID, now time.Time, warmHoldExpiry time.Time) error
}

// WorkerConfig holds the synthesis worker's tunables.
type WorkerConfig struct {
	MaxSynthAttempts     int
	QueuePollInterval    time.Duration
	WarmHold             time.Duration
	DefaultVoiceSettings ttsprovider.VoiceSettings
}

// Worker renders the audio for a pending synthesis request: waits for the
// voice's upstream clone, calls the provider, and uploads the result.
type Worker struct {
	store      WorkerStore
	voices     VoiceLookup
	warmer     VoiceWarmer
	stories    StoryTextProvider
	allocator  SlotAllocator
	ledger     CreditLedger
	providers  *ttsprovider.Registry
	objects    Uploader
	dispatcher SynthesisDispatcher
	events     *eventlog.Writer
	cfg        WorkerConfig
	logger     *slog.Logger
}

// NewWorker builds a synthesis Worker.
func NewWorker(store WorkerStore, voices VoiceLookup, warmer VoiceWarmer, stories StoryTextProvider, allocator SlotAllocator, ledgerSvc CreditLedger, providers *ttsprovider.Registry, objects Uploader, dispatcher SynthesisDispatcher, events *eventlog.Writer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		store: store, voices: voices, warmer: warmer, stories: stories,
		allocator: allocator, ledger: ledgerSvc, providers: providers,
		objects: objects, dispatcher: dispatcher, events: events,
		cfg: cfg, logger: logger,
	}
}

// objectKey builds the object-storage key for a rendered story.
func objectKey(voiceID, storyID uuid.UUID) string {
	return fmt.Sprintf("audio_stories/%s/%s.mp3", voiceID, storyID)
}

// Synthesize runs one attempt of the background synthesis flow for
// audioRequestID.
func (w *Worker) Synthesize(ctx context.Context, audioRequestID uuid.UUID) error {
	request, err := w.store.Get(ctx, audioRequestID)
	if err != nil {
		return fmt.Errorf("reloading audio request: %w", err)
	}
	if request.Status == StatusReady {
		return nil // already done, a stale retry caught up after success
	}

	if _, err := w.voices.Get(ctx, request.VoiceID); err != nil {
		return w.giveUp(ctx, request, "voice no longer exists")
	}

	slot, err := w.allocator.EnsureActiveVoice(ctx, request.VoiceID)
	if err != nil {
		return w.giveUp(ctx, request, "slot allocation failed")
	}
	if slot.Status != voiceslot.SlotReady {
		attempts, err := w.store.IncrementAttempts(ctx, audioRequestID)
		if err != nil {
			return err
		}
		if attempts >= w.cfg.MaxSynthAttempts {
			return w.giveUp(ctx, request, "gave up waiting for a voice slot")
		}
		return w.dispatcher.DispatchSynthesisRetry(ctx, audioRequestID, w.cfg.QueuePollInterval)
	}
	// slot.Voice reflects the state as of the ensure call, including any
	// remote_voice_id picked up by a reclone onto a different provider.
	voice := slot.Voice

	story, err := w.stories.GetStoryText(ctx, request.StoryID)
	if err != nil {
		return w.giveUp(ctx, request, "fetching story text failed")
	}

	provider, ok := w.providers.Get(ttsprovider.Name(voice.ServiceProvider))
	if !ok {
		return w.giveUp(ctx, request, fmt.Sprintf("no provider configured for %q", voice.ServiceProvider))
	}
	settings := w.cfg.DefaultVoiceSettings
	settings.Language = story.Language

	audio, err := w.synthesizeWithBackoff(ctx, provider, *voice.RemoteVoiceID, story.Text, settings)
	if err != nil {
		return w.giveUp(ctx, request, fmt.Sprintf("speech synthesis failed: %v", err))
	}
	defer func() { _ = audio.Close() }()

	data, err := io.ReadAll(audio)
	if err != nil {
		return w.giveUp(ctx, request, "reading synthesized audio failed")
	}

	key := objectKey(request.VoiceID, request.StoryID)
	disposition := fmt.Sprintf(`inline; filename="%s.mp3"`, request.StoryID)
	if err := w.objects.Upload(ctx, key, bytes.NewReader(data), "audio/mpeg",
		"public, max-age=31536000, immutable", disposition, nil,
	); err != nil {
		return w.giveUp(ctx, request, "uploading rendered audio failed")
	}

	now := time.Now()
	if _, err := w.store.MarkReady(ctx, audioRequestID, key, 0, int64(len(data))); err != nil {
		return fmt.Errorf("marking audio request ready: %w", err)
	}
	if err := w.warmer.ExtendWarmHold(ctx, request.VoiceID, now, now.Add(w.cfg.WarmHold)); err != nil {
		w.logger.Warn("extending warm hold after synthesis", "voice_id", request.VoiceID, "error", err)
	}

	meta, _ := json.Marshal(map[string]any{"audio_request_id": audioRequestID})
	w.events.Log(eventlog.Entry{
		VoiceID:   &request.VoiceID,
		UserID:    &request.UserID,
		EventType: eventlog.EventSlotLockReleased,
		Reason:    "synthesis completed",
		Metadata:  meta,
	})
	return nil
}

// synthesizeWithBackoff retries transient provider failures (rate limiting,
// momentary 5xx) with exponential backoff, honoring the provider's
// suggested retry-after when it supplies one. It does not retry beyond a
// handful of attempts within this single task invocation; exhausting those
// still leaves the asynq task framework's own retry counts as the outer
// safety net.
func (w *Worker) synthesizeWithBackoff(ctx context.Context, provider ttsprovider.Provider, remoteVoiceID, text string, settings ttsprovider.VoiceSettings) (io.ReadCloser, error) {
	operation := func() (io.ReadCloser, error) {
		audio, err := provider.SynthesizeSpeech(ctx, remoteVoiceID, text, settings)
		if err != nil {
			var rateLimited *ttsprovider.RateLimitedError
			if errors.As(err, &rateLimited) {
				return nil, backoff.RetryAfter(int(rateLimited.RetryAfter.Seconds()))
			}
			return nil, err
		}
		return audio, nil
	}
	return backoff.Retry[io.ReadCloser](ctx, operation, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
}

func (w *Worker) giveUp(ctx context.Context, request AudioRequest, reason string) error {
	if _, err := w.ledger.RefundByAudioRequest(ctx, request.UserID, request.ID, reason); err != nil {
		w.logger.Error("refunding failed synthesis", "audio_request_id", request.ID, "error", err)
	}
	if err := w.store.MarkError(ctx, request.ID, reason); err != nil {
		return fmt.Errorf("recording synthesis failure: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{"reason": reason})
	w.events.Log(eventlog.Entry{
		VoiceID:   &request.VoiceID,
		UserID:    &request.UserID,
		EventType: eventlog.EventAllocationFailed,
		Reason:    reason,
		Metadata:  meta,
	})
	return ErrGaveUp
}
