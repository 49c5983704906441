// Package api implements the core's own HTTP surface: synthesis requests,
// audio retrieval, the credit summary, voice upload/deletion, and the admin
// slot-status snapshot. Everything here mounts under the server's
// authenticated /api/v1 sub-router.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dawnotemu/voicecore/internal/auth"
	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/internal/platform"
	"github.com/dawnotemu/voicecore/pkg/kvqueue"
	"github.com/dawnotemu/voicecore/pkg/ledger"
	"github.com/dawnotemu/voicecore/pkg/synth"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

// timeLayout is the wire format for timestamps in every JSON response this
// package writes.
const timeLayout = time.RFC3339

// Config holds the handler's tunables, sourced from internal/config.
type Config struct {
	PresignTTL           time.Duration
	CreditsUnitSize      int
	CreditsUnitLabel     string
	SlotLimit            int
	VoiceSampleMaxMB     int
	DefaultVoiceProvider string
	AdminUserIDs         []uuid.UUID
}

// Handler implements the synthesize/audio/credits/voices/admin endpoints.
type Handler struct {
	logger     *slog.Logger
	synth      *synth.Service
	synthStore *synth.Store
	ledger     *ledger.Service
	voices     *voiceslot.Service
	voiceStore *voiceslot.Store
	queue      *kvqueue.Queue
	events     *eventlog.Writer
	objects    *platform.ObjectStore
	httpClient *http.Client
	cfg        Config
}

// NewHandler builds the API Handler.
func NewHandler(
	logger *slog.Logger,
	synthSvc *synth.Service,
	synthStore *synth.Store,
	ledgerSvc *ledger.Service,
	voiceSvc *voiceslot.Service,
	voiceStore *voiceslot.Store,
	queue *kvqueue.Queue,
	events *eventlog.Writer,
	objects *platform.ObjectStore,
	cfg Config,
) *Handler {
	return &Handler{
		logger:     logger,
		synth:      synthSvc,
		synthStore: synthStore,
		ledger:     ledgerSvc,
		voices:     voiceSvc,
		voiceStore: voiceStore,
		queue:      queue,
		events:     events,
		objects:    objects,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
	}
}

// Routes returns a chi.Router with every core endpoint mounted. Mount under
// the server's authenticated /api/v1 sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/synthesize", h.handleSynthesize)
	r.Get("/audio/url/{voice_id}/{story_id}", h.handleAudioURL)
	r.Get("/audio/exists/{voice_id}/{story_id}", h.handleAudioExists)
	r.Get("/audio/{voice_id}/{story_id}.mp3", h.handleAudioStream)
	r.Get("/me/credits", h.handleMeCredits)
	r.Post("/voices", h.handleCreateVoice)
	r.Delete("/voices/{id}", h.handleDeleteVoice)
	r.With(h.requireAdmin).Get("/admin/voice-slots/status", h.handleAdminSlotStatus)
	return r
}

// callerID extracts the authenticated caller's UserID. The /api/v1 router
// already rejects unauthenticated requests via auth.RequireAuth, so ok is
// false here only if a handler gets mounted outside that guard.
func callerID(r *http.Request) (uuid.UUID, bool) {
	id := auth.FromContext(r.Context())
	if id == nil {
		return uuid.Nil, false
	}
	return id.UserID, true
}

// requireAdmin rejects callers not present in Config.AdminUserIDs. There is
// no role table backing this service; the allowlist is a flat, configured
// list of user IDs, same shape as the CORS allowed-origins list.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(r)
		if !ok {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		for _, admin := range h.cfg.AdminUserIDs {
			if admin == userID {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "admin access required")
	})
}
