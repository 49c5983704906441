package voiceslot

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/pkg/ttsprovider"
)

// ObjectStore is the slice of object storage the voice service needs for
// upload at creation time and cleanup at deletion time.
type ObjectStore interface {
	ObjectDownloader
	Upload(ctx context.Context, key string, body io.Reader, contentType, cacheControl, contentDisposition string, metadata map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// ServiceStore is the slice of voice persistence the upload/deletion service
// needs.
type ServiceStore interface {
	Get(ctx context.Context, id uuid.UUID) (Voice, error)
	Create(ctx context.Context, p CreateParams) (Voice, error)
	Delete(ctx context.Context, id uuid.UUID) error
	GetVoiceIDByHistoricalRemoteID(ctx context.Context, remoteVoiceID string) (uuid.UUID, error)
}

// Service wires the voice entity's upload and deletion paths: object storage
// for the recording sample, the event log for the audit trail, and the
// provider registry for releasing any live upstream clone before deletion.
type Service struct {
	store     ServiceStore
	objects   ObjectStore
	providers *ttsprovider.Registry
	events    *eventlog.Writer
	logger    *slog.Logger
}

// NewService builds a voice Service.
func NewService(store ServiceStore, objects ObjectStore, providers *ttsprovider.Registry, events *eventlog.Writer, logger *slog.Logger) *Service {
	return &Service{store: store, objects: objects, providers: providers, events: events, logger: logger}
}

// UploadParams carries the multipart upload fields for POST /voices.
type UploadParams struct {
	OwnerUserID     uuid.UUID
	Name            string
	Filename        string
	ContentType     string
	ServiceProvider string
	Sample          io.Reader
}

// ObjectKey returns the permanent storage key for a voice recording sample.
func ObjectKey(userID, voiceID uuid.UUID, ext string) string {
	return fmt.Sprintf("voice_samples/%s/voice_%s_%s.%s", userID, voiceID, uuid.NewString(), ext)
}

// CreateVoice stores the uploaded sample in object storage and inserts the
// voice row in status=recorded, ready to be allocated on first synthesis
// demand.
func (s *Service) CreateVoice(ctx context.Context, p UploadParams, objectKeyExt string) (Voice, error) {
	voiceID := uuid.New()
	key := ObjectKey(p.OwnerUserID, voiceID, objectKeyExt)

	if err := s.objects.Upload(ctx, key, p.Sample, p.ContentType, "", "", map[string]string{
		"owner_user_id": p.OwnerUserID.String(),
	}); err != nil {
		return Voice{}, fmt.Errorf("uploading voice sample: %w", err)
	}

	voice, err := s.store.Create(ctx, CreateParams{
		OwnerUserID:        p.OwnerUserID,
		Name:               p.Name,
		RecordingObjectKey: key,
		SampleFilename:     p.Filename,
		ServiceProvider:    p.ServiceProvider,
	})
	if err != nil {
		_ = s.objects.Delete(ctx, key)
		return Voice{}, fmt.Errorf("creating voice: %w", err)
	}

	s.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventRecordingUploaded,
		Reason:    "initial upload",
	})
	// This service does not run a separate audio-validation pipeline; the
	// sample is accepted as-is and immediately considered processed.
	s.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventRecordingProcessingQueued,
	})
	s.events.Log(eventlog.Entry{
		VoiceID:   &voice.ID,
		UserID:    &voice.OwnerUserID,
		EventType: eventlog.EventRecordingProcessed,
	})

	return voice, nil
}

// DeleteVoice releases any live upstream clone, removes the recording
// sample from object storage, and deletes the voice row. VoiceSlotEvent rows
// referencing it survive with voice_id nulled out.
func (s *Service) DeleteVoice(ctx context.Context, id uuid.UUID, ownerUserID uuid.UUID) error {
	voice, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if voice.OwnerUserID != ownerUserID {
		return ErrVoiceNotFound
	}

	if voice.RemoteVoiceID != nil {
		provider, ok := s.providers.Get(ttsprovider.Name(voice.ServiceProvider))
		if ok {
			if err := provider.DeleteVoice(ctx, *voice.RemoteVoiceID); err != nil {
				s.logger.Error("releasing upstream clone during voice deletion", "voice_id", id, "error", err)
			}
		}
	}

	if err := s.objects.Delete(ctx, voice.RecordingObjectKey); err != nil {
		s.logger.Error("deleting voice sample from object storage", "voice_id", id, "error", err)
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting voice: %w", err)
	}
	return nil
}

// ResolveByRemoteID looks up a voice by an external provider ID that may
// belong to a historical (now evicted) clone, via the event log.
func (s *Service) ResolveByRemoteID(ctx context.Context, remoteVoiceID string) (Voice, error) {
	voiceID, err := s.store.GetVoiceIDByHistoricalRemoteID(ctx, remoteVoiceID)
	if err != nil {
		return Voice{}, err
	}
	return s.store.Get(ctx, voiceID)
}
