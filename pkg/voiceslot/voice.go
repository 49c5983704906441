// Package voiceslot implements the voice entity state machine and the slot
// allocator that arbitrates access to the upstream TTS provider's hard cap on
// simultaneously-cloned voices.
package voiceslot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Voice statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusRecorded   = "recorded"
	StatusReady      = "ready"
	StatusError      = "error"
)

// Allocation statuses.
const (
	AllocRecorded   = "recorded"
	AllocAllocating = "allocating"
	AllocReady      = "ready"
)

// Voice owns the identity of one cloned voice and its allocation state.
type Voice struct {
	ID                 uuid.UUID
	OwnerUserID        uuid.UUID
	Name               string
	RecordingObjectKey string
	SampleFilename     string
	ServiceProvider    string
	RemoteVoiceID      *string
	Status             string
	AllocationStatus   string
	AllocatedAt        *time.Time
	LastUsedAt         *time.Time
	SlotLockExpiresAt  *time.Time
	ErrorMessage       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Config holds the slot allocator's tunables (see the allocator design's
// configuration table).
type Config struct {
	SlotLimit         int
	WarmHold          time.Duration
	SlotLockTTL       time.Duration
	QueuePollInterval time.Duration
	MaxReclaimPerTick int
	MaxAllocAttempts  int
}

// Sentinel errors surfaced by the allocator and worker. Handlers map these
// to status codes with errors.Is/errors.As, the same way pgx.ErrNoRows maps
// to 404.
var (
	ErrVoiceNotFound      = errors.New("voiceslot: voice not found")
	ErrVoiceSampleMissing = errors.New("voiceslot: recording sample is gone")
	ErrSlotManager        = errors.New("voiceslot: slot manager failed to dispatch allocation")
)

// SlotStatus is the outcome of EnsureActiveVoice.
type SlotStatus string

const (
	SlotReady      SlotStatus = "ready"
	SlotAllocating SlotStatus = "allocating"
	SlotQueued     SlotStatus = "queued"
)

// SlotState is returned by EnsureActiveVoice: the caller's synthesis
// orchestrator branches on Status to decide whether it can proceed
// immediately or must wait for a background task to catch up.
type SlotState struct {
	Status        SlotStatus
	QueuePosition *int64
	Voice         Voice
}

// AllocationDispatcher hands voice-slot work off to the background task
// broker. Implemented by internal/jobs against asynq; kept as an interface
// here so voiceslot never imports the broker package directly.
type AllocationDispatcher interface {
	DispatchAllocation(ctx context.Context, voiceID uuid.UUID) error
	DispatchQueueDrain(ctx context.Context, delay time.Duration) error
}
