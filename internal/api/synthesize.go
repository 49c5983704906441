package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/pkg/ledger"
	"github.com/dawnotemu/voicecore/pkg/synth"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// synthesizeRequest is the body of POST /synthesize.
type synthesizeRequest struct {
	VoiceID string `json:"voice_id" validate:"required,uuid"`
	StoryID string `json:"story_id" validate:"required,uuid"`
}

// synthesizeResponse covers both the 200 (ready) and 202 (pending) shapes;
// URL and QueuePosition are only populated when applicable.
type synthesizeResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	URL           string `json:"url,omitempty"`
	QueuePosition *int64 `json:"queue_position,omitempty"`
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req synthesizeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	userID, ok := callerID(r)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	voiceID, err := uuid.Parse(req.VoiceID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid voice_id")
		return
	}
	storyID, err := uuid.Parse(req.StoryID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid story_id")
		return
	}

	result, err := h.synth.RequestSynthesis(r.Context(), userID, voiceID, storyID)
	if err != nil {
		h.handleSynthesizeError(w, err)
		return
	}

	resp := synthesizeResponse{Status: result.Status, ID: result.Request.ID.String(), QueuePosition: result.QueuePosition}

	if result.Status == synth.StatusReady {
		url, err := h.presignAudioURL(r.Context(), result.Request)
		if err != nil {
			h.logger.Error("presigning ready audio url", "error", err, "audio_request_id", result.Request.ID)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to presign audio url")
			return
		}
		resp.URL = url
		httpserver.Respond(w, http.StatusOK, resp)
		return
	}

	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleSynthesizeError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		httpserver.Respond(w, http.StatusPaymentRequired, map[string]any{
			"error":    "insufficient_credits",
			"required": insufficient.Needed,
		})
	case errors.Is(err, synth.ErrOwnerMismatch):
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "caller does not own this voice")
	case errors.Is(err, voiceslot.ErrVoiceNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "voice not found")
	case errors.Is(err, voiceslot.ErrVoiceSampleMissing):
		httpserver.RespondError(w, http.StatusConflict, "conflict", "voice recording sample is gone")
	case errors.Is(err, voiceslot.ErrSlotManager):
		h.logger.Error("dispatching allocation", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "slot manager failed to dispatch allocation")
	default:
		h.logger.Error("requesting synthesis", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to request synthesis")
	}
}
