package voiceslot

import (
	"context"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/kvqueue"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
)

func newTestWorker(t *testing.T, store *fakeStore, objects *fakeDownloader, registry *ttsprovider.Registry, dispatcher *fakeDispatcher, cfg Config) (*AllocationWorker, *kvqueue.Queue, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := kvqueue.New(rdb, "elevenlabs")
	events := eventlog.NewWriter(nil, slog.Default())
	w := NewAllocationWorker(store, queue, objects, registry, events, dispatcher, cfg, slog.Default())
	return w, queue, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestAllocate_SuccessMarksReadyAndTriggersDrain(t *testing.T) {
	voiceID := uuid.New()
	voice := Voice{
		ID:                 voiceID,
		OwnerUserID:        uuid.New(),
		RecordingObjectKey: "voice_samples/u/voice.wav",
		SampleFilename:     "voice.wav",
		Name:               "Narrator",
		ServiceProvider:    "elevenlabs",
		Status:             StatusProcessing,
		AllocationStatus:   AllocAllocating,
	}
	store := newFakeStore(voice)
	objects := &fakeDownloader{data: []byte("wav-bytes")}
	provider := &fakeProvider{name: ttsprovider.ElevenLabs, cloneID: "remote-42"}
	registry := ttsprovider.NewRegistry(provider)
	dispatcher := &fakeDispatcher{}

	w, queue, cleanup := newTestWorker(t, store, objects, registry, dispatcher, testConfig())
	defer cleanup()

	if err := queue.Enqueue(context.Background(), voiceID.String(), kvqueue.Entry{VoiceID: voiceID.String()}, 0); err != nil {
		t.Fatalf("seeding queue: %v", err)
	}

	if err := w.Allocate(context.Background(), voiceID); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	updated := store.snapshot(voiceID)
	if updated.AllocationStatus != AllocReady {
		t.Fatalf("expected voice to be ready, got %s", updated.AllocationStatus)
	}
	if updated.RemoteVoiceID == nil || *updated.RemoteVoiceID != "remote-42" {
		t.Fatalf("expected remote_voice_id to be set, got %v", updated.RemoteVoiceID)
	}

	enqueued, err := queue.IsEnqueued(context.Background(), voiceID.String())
	if err != nil {
		t.Fatalf("IsEnqueued: %v", err)
	}
	if enqueued {
		t.Fatalf("expected stale queue entry to be removed after allocation")
	}
	if dispatcher.queueDrains != 1 {
		t.Fatalf("expected one queue drain dispatch, got %d", dispatcher.queueDrains)
	}
}

func TestAllocate_CloneFailureMarksError(t *testing.T) {
	voiceID := uuid.New()
	voice := Voice{
		ID:                 voiceID,
		OwnerUserID:        uuid.New(),
		RecordingObjectKey: "voice_samples/u/voice.wav",
		ServiceProvider:    "elevenlabs",
		Status:             StatusProcessing,
		AllocationStatus:   AllocAllocating,
	}
	store := newFakeStore(voice)
	objects := &fakeDownloader{data: []byte("wav-bytes")}
	provider := &fakeProvider{name: ttsprovider.ElevenLabs, cloneErr: context.DeadlineExceeded}
	registry := ttsprovider.NewRegistry(provider)
	dispatcher := &fakeDispatcher{}

	w, _, cleanup := newTestWorker(t, store, objects, registry, dispatcher, testConfig())
	defer cleanup()

	if err := w.Allocate(context.Background(), voiceID); err == nil {
		t.Fatalf("expected clone failure to propagate")
	}

	updated := store.snapshot(voiceID)
	if updated.Status != StatusError {
		t.Fatalf("expected voice status=error, got %s", updated.Status)
	}
	if updated.ErrorMessage == nil {
		t.Fatalf("expected error_message to be set")
	}
}

func TestAllocate_RequeuesWhenCapacityExhaustedAtDispatch(t *testing.T) {
	provider := "elevenlabs"
	occupying1 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}
	occupying2 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}

	voiceID := uuid.New()
	voice := Voice{
		ID:                 voiceID,
		OwnerUserID:        uuid.New(),
		RecordingObjectKey: "voice_samples/u/voice.wav",
		ServiceProvider:    provider,
		Status:             StatusProcessing,
		AllocationStatus:   AllocAllocating,
	}
	store := newFakeStore(occupying1, occupying2, voice)
	objects := &fakeDownloader{data: []byte("wav-bytes")}
	registry := ttsprovider.NewRegistry(&fakeProvider{name: ttsprovider.ElevenLabs})
	dispatcher := &fakeDispatcher{}

	w, queue, cleanup := newTestWorker(t, store, objects, registry, dispatcher, testConfig())
	defer cleanup()

	if err := w.Allocate(context.Background(), voiceID); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	updated := store.snapshot(voiceID)
	if updated.AllocationStatus != AllocRecorded {
		t.Fatalf("expected voice reverted to recorded, got %s", updated.AllocationStatus)
	}

	enqueued, err := queue.IsEnqueued(context.Background(), voiceID.String())
	if err != nil {
		t.Fatalf("IsEnqueued: %v", err)
	}
	if !enqueued {
		t.Fatalf("expected voice to be re-enqueued")
	}
}

func TestDrainQueue_StopsAfterConsecutiveDefers(t *testing.T) {
	provider := "elevenlabs"
	occupying1 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}
	occupying2 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}
	store := newFakeStore(occupying1, occupying2)

	objects := &fakeDownloader{}
	registry := ttsprovider.NewRegistry(&fakeProvider{name: ttsprovider.ElevenLabs})
	dispatcher := &fakeDispatcher{}

	w, queue, cleanup := newTestWorker(t, store, objects, registry, dispatcher, testConfig())
	defer cleanup()

	for i := 0; i < maxConsecutiveDefers+3; i++ {
		id := uuid.New()
		entry := kvqueue.Entry{VoiceID: id.String(), ServiceProvider: provider}
		if err := queue.Enqueue(context.Background(), id.String(), entry, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := w.DrainQueue(context.Background()); err != nil {
		t.Fatalf("DrainQueue: %v", err)
	}

	if len(dispatcher.allocations) != 0 {
		t.Fatalf("expected no dispatches while every provider is at capacity, got %v", dispatcher.allocations)
	}

	remaining, err := queue.Length(context.Background())
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if remaining == 0 {
		t.Fatalf("expected deferred entries to be re-enqueued")
	}
}

func TestJitteredDelay_ZeroBaseIsZero(t *testing.T) {
	if d := jitteredDelay(0); d != 0 {
		t.Fatalf("expected zero delay for zero base, got %s", d)
	}
}

func TestJitteredDelay_AddsJitterOnTopOfBase(t *testing.T) {
	base := time.Minute
	for i := 0; i < 20; i++ {
		d := jitteredDelay(base)
		if d < base {
			t.Fatalf("expected jittered delay >= base, got %s", d)
		}
	}
}
