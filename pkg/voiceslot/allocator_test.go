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
	"github.com/dawnotemu/voicecore/pkg/lock"
)

func newTestAllocator(t *testing.T, store *fakeStore, dispatcher *fakeDispatcher, cfg Config) (*Allocator, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queue := kvqueue.New(rdb, "elevenlabs")
	locker := lock.New(rdb)
	events := eventlog.NewWriter(nil, slog.Default())
	a := NewAllocator(store, queue, locker, events, dispatcher, cfg, slog.Default())
	return a, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func testConfig() Config {
	return Config{
		SlotLimit:         2,
		WarmHold:          15 * time.Minute,
		SlotLockTTL:       5 * time.Minute,
		QueuePollInterval: time.Minute,
		MaxReclaimPerTick: 5,
		MaxAllocAttempts:  3,
	}
}

func TestEnsureActiveVoice_ReadyFastPath(t *testing.T) {
	remote := "remote-1"
	lastUsed := time.Now().Add(-time.Hour)
	voiceID := uuid.New()
	voice := Voice{
		ID:               voiceID,
		OwnerUserID:      uuid.New(),
		ServiceProvider:  "elevenlabs",
		RemoteVoiceID:    &remote,
		Status:           StatusReady,
		AllocationStatus: AllocReady,
		LastUsedAt:       &lastUsed,
	}
	store := newFakeStore(voice)
	dispatcher := &fakeDispatcher{}
	a, cleanup := newTestAllocator(t, store, dispatcher, testConfig())
	defer cleanup()

	state, err := a.EnsureActiveVoice(context.Background(), voiceID)
	if err != nil {
		t.Fatalf("EnsureActiveVoice: %v", err)
	}
	if state.Status != SlotReady {
		t.Fatalf("expected SlotReady, got %s", state.Status)
	}

	updated := store.snapshot(voiceID)
	if updated.SlotLockExpiresAt == nil || !updated.SlotLockExpiresAt.After(time.Now()) {
		t.Fatalf("expected warm hold to be extended into the future")
	}
	if len(dispatcher.allocations) != 0 {
		t.Fatalf("ready fast path must not dispatch an allocation")
	}
}

func TestEnsureActiveVoice_MissingSample(t *testing.T) {
	voiceID := uuid.New()
	voice := Voice{ID: voiceID, OwnerUserID: uuid.New(), Status: StatusRecorded, AllocationStatus: AllocRecorded}
	store := newFakeStore(voice)
	a, cleanup := newTestAllocator(t, store, &fakeDispatcher{}, testConfig())
	defer cleanup()

	_, err := a.EnsureActiveVoice(context.Background(), voiceID)
	if err != ErrVoiceSampleMissing {
		t.Fatalf("expected ErrVoiceSampleMissing, got %v", err)
	}
}

func TestEnsureActiveVoice_AllocatesUnderCapacity(t *testing.T) {
	voiceID := uuid.New()
	voice := Voice{
		ID:                 voiceID,
		OwnerUserID:        uuid.New(),
		RecordingObjectKey: "voice_samples/u/voice.wav",
		ServiceProvider:    "elevenlabs",
		Status:             StatusRecorded,
		AllocationStatus:   AllocRecorded,
	}
	store := newFakeStore(voice)
	dispatcher := &fakeDispatcher{}
	a, cleanup := newTestAllocator(t, store, dispatcher, testConfig())
	defer cleanup()

	state, err := a.EnsureActiveVoice(context.Background(), voiceID)
	if err != nil {
		t.Fatalf("EnsureActiveVoice: %v", err)
	}
	if state.Status != SlotAllocating {
		t.Fatalf("expected SlotAllocating, got %s", state.Status)
	}
	if len(dispatcher.allocations) != 1 || dispatcher.allocations[0] != voiceID {
		t.Fatalf("expected voice to be dispatched for allocation, got %v", dispatcher.allocations)
	}

	updated := store.snapshot(voiceID)
	if updated.AllocationStatus != AllocAllocating {
		t.Fatalf("expected voice to be marked allocating, got %s", updated.AllocationStatus)
	}
}

func TestEnsureActiveVoice_QueuesWhenAtCapacity(t *testing.T) {
	provider := "elevenlabs"
	occupying1 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}
	occupying2 := Voice{ID: uuid.New(), ServiceProvider: provider, AllocationStatus: AllocReady}

	voiceID := uuid.New()
	voice := Voice{
		ID:                 voiceID,
		OwnerUserID:        uuid.New(),
		RecordingObjectKey: "voice_samples/u/voice.wav",
		ServiceProvider:    provider,
		Status:             StatusRecorded,
		AllocationStatus:   AllocRecorded,
	}
	store := newFakeStore(occupying1, occupying2, voice)
	dispatcher := &fakeDispatcher{}
	a, cleanup := newTestAllocator(t, store, dispatcher, testConfig())
	defer cleanup()

	state, err := a.EnsureActiveVoice(context.Background(), voiceID)
	if err != nil {
		t.Fatalf("EnsureActiveVoice: %v", err)
	}
	if state.Status != SlotQueued {
		t.Fatalf("expected SlotQueued, got %s", state.Status)
	}
	if len(dispatcher.allocations) != 0 {
		t.Fatalf("voice over capacity must not be dispatched, got %v", dispatcher.allocations)
	}

	enqueued, err := a.queue.IsEnqueued(context.Background(), voiceID.String())
	if err != nil {
		t.Fatalf("IsEnqueued: %v", err)
	}
	if !enqueued {
		t.Fatalf("expected voice to be enqueued")
	}
}

func TestEnsureActiveVoice_AlreadyAllocating(t *testing.T) {
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
	dispatcher := &fakeDispatcher{}
	a, cleanup := newTestAllocator(t, store, dispatcher, testConfig())
	defer cleanup()

	state, err := a.EnsureActiveVoice(context.Background(), voiceID)
	if err != nil {
		t.Fatalf("EnsureActiveVoice: %v", err)
	}
	if state.Status != SlotAllocating {
		t.Fatalf("expected SlotAllocating, got %s", state.Status)
	}
	if len(dispatcher.allocations) != 0 {
		t.Fatalf("an in-flight allocation must not be re-dispatched")
	}
}
