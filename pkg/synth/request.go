// Package synth implements the synthesis orchestrator: turning a
// (voice, story) request into a finished, stored audio file while
// coordinating with the slot allocator and the credit ledger.
package synth

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AudioRequest statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusError      = "error"
)

// AudioRequest is one narration of a story in a voice. At most one request
// exists per (StoryID, VoiceID) pair.
type AudioRequest struct {
	ID              uuid.UUID
	StoryID         uuid.UUID
	VoiceID         uuid.UUID
	UserID          uuid.UUID
	Status          string
	ObjectKey       *string
	ErrorMessage    *string
	CreditsCharged  *int
	DurationSeconds *float64
	FileSizeBytes   *int64
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sentinel errors surfaced by the orchestrator and worker.
var (
	ErrRequestNotFound = errors.New("synth: audio request not found")
	ErrGaveUp          = errors.New("synth: exhausted synthesis attempts")
)

// CreateParams is the input to Store.Create.
type CreateParams struct {
	StoryID uuid.UUID
	VoiceID uuid.UUID
	UserID  uuid.UUID
}
