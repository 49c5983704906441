package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/ledger"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// OrchestratorStore is the slice of AudioRequest persistence the
// orchestrator needs. Satisfied by *Store; narrowed to an interface so
// tests can substitute an in-memory fake instead of a live Postgres
// connection.
type OrchestratorStore interface {
	GetByVoiceStory(ctx context.Context, storyID, voiceID uuid.UUID) (AudioRequest, error)
	Create(ctx context.Context, p CreateParams) (AudioRequest, error)
	ResetToPending(ctx context.Context, id uuid.UUID) error
	MarkCreditsCharged(ctx context.Context, id uuid.UUID, credits int) error
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) error
	Get(ctx context.Context, id uuid.UUID) (AudioRequest, error)
}

// VoiceLookup is the one voiceslot method the orchestrator and worker need:
// loading a voice to check ownership and read its provider tag.
type VoiceLookup interface {
	Get(ctx context.Context, id uuid.UUID) (voiceslot.Voice, error)
}

// CreditLedger is the slice of the ledger the orchestrator and worker need.
type CreditLedger interface {
	Debit(ctx context.Context, p ledger.DebitParams) (ledger.CreditTransaction, error)
	RefundByAudioRequest(ctx context.Context, userID, audioRequestID uuid.UUID, reason string) (ledger.CreditTransaction, error)
}

// SlotAllocator is the one voiceslot.Allocator method the orchestrator and
// worker need.
type SlotAllocator interface {
	EnsureActiveVoice(ctx context.Context, voiceID uuid.UUID) (voiceslot.SlotState, error)
}

// SynthesisDispatcher hands synthesis work off to the background task
// broker. Implemented by internal/jobs against asynq.
type SynthesisDispatcher interface {
	DispatchSynthesis(ctx context.Context, audioRequestID uuid.UUID) error
	DispatchSynthesisRetry(ctx context.Context, audioRequestID uuid.UUID, delay time.Duration) error
}

// StoryText is the narration text and language resolved for a story.
type StoryText struct {
	Text     string
	Language string
}

// StoryTextProvider resolves the narration text for a story. The story
// content store itself is an external collaborator; this service only
// consumes its text through this interface.
type StoryTextProvider interface {
	GetStoryText(ctx context.Context, storyID uuid.UUID) (StoryText, error)
}

// ErrOwnerMismatch is returned when the caller does not own the voice or
// story referenced by a synthesis request.
var ErrOwnerMismatch = errors.New("synth: caller does not own the requested voice")

// Config holds the orchestrator's tunables.
type Config struct {
	CreditsUnitSize int
}

// RequestResult is the outcome of RequestSynthesis, mapped onto the HTTP
// response shape by the handler.
type RequestResult struct {
	Status        string // "ready" | "processing" | "allocating" | "queued" | "pending" (deduplicated caller or already-charged pending request)
	Request       AudioRequest
	QueuePosition *int64
}

// Service is the synthesis request handler: find-or-create the audio
// request, debit credits, ensure the voice has a live upstream clone, and
// dispatch the background worker that actually renders the audio.
type Service struct {
	store      OrchestratorStore
	voices     VoiceLookup
	stories    StoryTextProvider
	ledger     CreditLedger
	allocator  SlotAllocator
	dedup      *Deduplicator
	dispatcher SynthesisDispatcher
	events     *eventlog.Writer
	cfg        Config
	logger     *slog.Logger
}

// NewService builds an orchestrator Service.
func NewService(store OrchestratorStore, voices VoiceLookup, stories StoryTextProvider, ledgerSvc CreditLedger, allocator SlotAllocator, dedup *Deduplicator, dispatcher SynthesisDispatcher, events *eventlog.Writer, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store: store, voices: voices, stories: stories, ledger: ledgerSvc,
		allocator: allocator, dedup: dedup, dispatcher: dispatcher,
		events: events, cfg: cfg, logger: logger,
	}
}

// RequestSynthesis implements the orchestrator's handler flow: resolve,
// deduplicate, find-or-create, debit, ensure-active, dispatch.
func (s *Service) RequestSynthesis(ctx context.Context, userID, voiceID, storyID uuid.UUID) (RequestResult, error) {
	voice, err := s.voices.Get(ctx, voiceID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("resolving voice: %w", err)
	}
	if voice.OwnerUserID != userID {
		return RequestResult{}, ErrOwnerMismatch
	}

	acquired, err := s.dedup.TryAcquire(ctx, voiceID, storyID)
	if err != nil {
		return RequestResult{}, err
	}
	if !acquired {
		existing, err := s.store.GetByVoiceStory(ctx, storyID, voiceID)
		if err != nil {
			return RequestResult{}, fmt.Errorf("loading in-flight request: %w", err)
		}
		return RequestResult{Status: StatusPending, Request: existing}, nil
	}

	request, err := s.findOrCreate(ctx, userID, voiceID, storyID)
	if err != nil {
		return RequestResult{}, err
	}
	switch request.Status {
	case StatusReady:
		return RequestResult{Status: StatusReady, Request: request}, nil
	case StatusProcessing:
		return RequestResult{Status: StatusProcessing, Request: request}, nil
	case StatusPending:
		if request.CreditsCharged != nil {
			return RequestResult{Status: StatusPending, Request: request}, nil
		}
	}

	story, err := s.stories.GetStoryText(ctx, storyID)
	if err != nil {
		return RequestResult{}, fmt.Errorf("fetching story text: %w", err)
	}
	required := ledger.CreditsRequired(len(story.Text), s.cfg.CreditsUnitSize)

	if err := s.store.MarkCreditsCharged(ctx, request.ID, required); err != nil {
		return RequestResult{}, err
	}

	_, err = s.ledger.Debit(ctx, ledger.DebitParams{
		UserID: userID, Amount: required, Reason: "synthesis",
		AudioRequestID: &request.ID, StoryID: &storyID,
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return RequestResult{}, insufficient
		}
		return RequestResult{}, fmt.Errorf("debiting credits: %w", err)
	}

	slot, err := s.allocator.EnsureActiveVoice(ctx, voiceID)
	if err != nil {
		s.refundAndFail(ctx, userID, request.ID, "slot allocation failed")
		return RequestResult{}, fmt.Errorf("%w: %v", voiceslot.ErrSlotManager, err)
	}

	if err := s.dispatcher.DispatchSynthesis(ctx, request.ID); err != nil {
		s.refundAndFail(ctx, userID, request.ID, "dispatch failed")
		return RequestResult{}, fmt.Errorf("dispatching synthesis task: %w", err)
	}

	status := string(slot.Status)
	if slot.Status == voiceslot.SlotReady {
		status = StatusProcessing
		if err := s.store.MarkProcessing(ctx, request.ID); err != nil {
			return RequestResult{}, err
		}
	}

	return RequestResult{Status: status, Request: request, QueuePosition: slot.QueuePosition}, nil
}

func (s *Service) findOrCreate(ctx context.Context, userID, voiceID, storyID uuid.UUID) (AudioRequest, error) {
	existing, err := s.store.GetByVoiceStory(ctx, storyID, voiceID)
	if err == nil {
		if existing.Status == StatusError {
			if err := s.store.ResetToPending(ctx, existing.ID); err != nil {
				return AudioRequest{}, err
			}
			existing.Status = StatusPending
			existing.ErrorMessage = nil
			existing.CreditsCharged = nil
		}
		return existing, nil
	}
	if !errors.Is(err, ErrRequestNotFound) {
		return AudioRequest{}, fmt.Errorf("looking up audio request: %w", err)
	}
	return s.store.Create(ctx, CreateParams{StoryID: storyID, VoiceID: voiceID, UserID: userID})
}

func (s *Service) refundAndFail(ctx context.Context, userID, requestID uuid.UUID, reason string) {
	if _, err := s.ledger.RefundByAudioRequest(ctx, userID, requestID, reason); err != nil {
		s.logger.Error("refunding failed synthesis request", "audio_request_id", requestID, "error", err)
	}
	if err := s.store.MarkError(ctx, requestID, reason); err != nil {
		s.logger.Error("marking synthesis request failed", "audio_request_id", requestID, "error", err)
	}
	meta, _ := json.Marshal(map[string]any{"reason": reason})
	s.events.Log(eventlog.Entry{
		UserID:    &userID,
		EventType: eventlog.EventAllocationFailed,
		Reason:    reason,
		Metadata:  meta,
	})
}
