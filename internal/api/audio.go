package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/pkg/synth"
)

// presignAudioURL returns a time-limited GET URL for a ready audio request's
// stored object, suggesting a download filename derived from the story ID.
func (h *Handler) presignAudioURL(ctx context.Context, req synth.AudioRequest) (string, error) {
	if req.ObjectKey == nil {
		return "", fmt.Errorf("audio request %s has no stored object key", req.ID)
	}
	disposition := fmt.Sprintf(`inline; filename="%s.mp3"`, req.StoryID)
	return h.objects.PresignedURL(ctx, *req.ObjectKey, h.cfg.PresignTTL, disposition)
}

// loadRequestByVoiceStory resolves the path's {voice_id}/{story_id} pair to
// its audio request, writing a response and returning ok=false on any
// failure along the way.
func (h *Handler) loadRequestByVoiceStory(w http.ResponseWriter, r *http.Request) (synth.AudioRequest, bool) {
	voiceID, err := uuid.Parse(chi.URLParam(r, "voice_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid voice_id")
		return synth.AudioRequest{}, false
	}
	storyID, err := uuid.Parse(chi.URLParam(r, "story_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid story_id")
		return synth.AudioRequest{}, false
	}

	req, err := h.synthStore.GetByVoiceStory(r.Context(), storyID, voiceID)
	if err != nil {
		if errors.Is(err, synth.ErrRequestNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "no audio request for this voice and story")
			return synth.AudioRequest{}, false
		}
		h.logger.Error("loading audio request", "error", err, "voice_id", voiceID, "story_id", storyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load audio request")
		return synth.AudioRequest{}, false
	}
	return req, true
}

func (h *Handler) handleAudioURL(w http.ResponseWriter, r *http.Request) {
	req, ok := h.loadRequestByVoiceStory(w, r)
	if !ok {
		return
	}
	if req.Status != synth.StatusReady || req.ObjectKey == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "audio not ready")
		return
	}

	url, err := h.presignAudioURL(r.Context(), req)
	if err != nil {
		h.logger.Error("presigning audio url", "error", err, "audio_request_id", req.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to presign audio url")
		return
	}
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusFound)
}

func (h *Handler) handleAudioExists(w http.ResponseWriter, r *http.Request) {
	voiceID, err := uuid.Parse(chi.URLParam(r, "voice_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid voice_id")
		return
	}
	storyID, err := uuid.Parse(chi.URLParam(r, "story_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid story_id")
		return
	}

	req, err := h.synthStore.GetByVoiceStory(r.Context(), storyID, voiceID)
	if err != nil {
		if errors.Is(err, synth.ErrRequestNotFound) {
			httpserver.Respond(w, http.StatusOK, map[string]bool{"exists": false})
			return
		}
		h.logger.Error("checking audio existence", "error", err, "voice_id", voiceID, "story_id", storyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check audio existence")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"exists": req.Status == synth.StatusReady && req.ObjectKey != nil})
}

// handleAudioStream proxies a presigned GET to the caller, forwarding any
// Range header so players can seek without S3 credentials ever reaching the
// browser. Used when the client cannot follow the 302 from handleAudioURL.
func (h *Handler) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.loadRequestByVoiceStory(w, r)
	if !ok {
		return
	}
	if req.Status != synth.StatusReady || req.ObjectKey == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "audio not ready")
		return
	}

	url, err := h.objects.PresignedURL(r.Context(), *req.ObjectKey, h.cfg.PresignTTL, "")
	if err != nil {
		h.logger.Error("presigning audio stream url", "error", err, "audio_request_id", req.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to presign audio url")
		return
	}

	upstream, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		upstream.Header.Set("Range", rng)
	}

	resp, err := h.httpClient.Do(upstream)
	if err != nil {
		h.logger.Error("proxying audio stream", "error", err, "audio_request_id", req.ID)
		httpserver.RespondError(w, http.StatusBadGateway, "bad_gateway", "failed to fetch audio")
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "ETag", "Last-Modified"} {
		if v := resp.Header.Get(header); v != "" {
			w.Header().Set(header, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn("copying audio stream to client", "error", err, "audio_request_id", req.ID)
	}
}
