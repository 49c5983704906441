package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// allowedSampleExt enforces an extension allowlist for voice recording
// uploads.
func allowedSampleExt(name string) (ext string, ok bool) {
	n := strings.ToLower(name)
	for _, e := range []string{".wav", ".mp3", ".m4a", ".ogg", ".flac"} {
		if strings.HasSuffix(n, e) {
			return strings.TrimPrefix(e, "."), true
		}
	}
	return "", false
}

func allowedSampleMIME(m string) bool {
	m = strings.ToLower(m)
	return strings.HasPrefix(m, "audio/") || m == "application/octet-stream"
}

type createVoiceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

func (h *Handler) handleCreateVoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "content-type must be multipart/form-data")
		return
	}

	maxBytes := int64(h.cfg.VoiceSampleMaxMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("sample exceeds %d MB", h.cfg.VoiceSampleMaxMB))
			return
		}
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return
	}

	name := r.FormValue("name")
	if name == "" {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	serviceProvider := r.FormValue("service_provider")
	if serviceProvider == "" {
		serviceProvider = h.cfg.DefaultVoiceProvider
	}

	file, header, err := r.FormFile("sample")
	if err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", "sample file is required")
		return
	}
	defer file.Close()

	ext, ok := allowedSampleExt(header.Filename)
	if !ok {
		httpserver.RespondError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "sample must be one of: wav, mp3, m4a, ogg, flac")
		return
	}

	sniff, err := mimetype.DetectReader(file)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read sample")
		return
	}
	if !allowedSampleMIME(sniff.String()) {
		httpserver.RespondError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", fmt.Sprintf("unrecognized audio content type %q", sniff.String()))
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to rewind sample")
		return
	}

	voice, err := h.voices.CreateVoice(r.Context(), voiceslot.UploadParams{
		OwnerUserID:     userID,
		Name:            name,
		Filename:        header.Filename,
		ContentType:     sniff.String(),
		ServiceProvider: serviceProvider,
		Sample:          file,
	}, ext)
	if err != nil {
		h.logger.Error("creating voice", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create voice")
		return
	}

	// No background validation pipeline runs on upload; the sample is
	// accepted synchronously, so there is no task to report back.
	httpserver.Respond(w, http.StatusCreated, createVoiceResponse{ID: voice.ID.String(), Status: voice.Status})
}

func (h *Handler) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid voice id")
		return
	}

	if err := h.voices.DeleteVoice(r.Context(), id, userID); err != nil {
		if errors.Is(err, voiceslot.ErrVoiceNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "voice not found")
			return
		}
		h.logger.Error("deleting voice", "error", err, "voice_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete voice")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}
