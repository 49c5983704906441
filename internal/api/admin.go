package api

import (
	"net/http"

	"github.com/dawnotemu/voicecore/internal/eventlog"
	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/pkg/voiceslot"
)

type adminMetrics struct {
	SlotLimit         int `json:"slot_limit"`
	AvailableCapacity int `json:"available_capacity"`
	ReadyCount        int `json:"ready_count"`
	AllocatingCount   int `json:"allocating_count"`
	QueueDepth        int `json:"queue_depth"`
}

type adminVoiceView struct {
	ID               string  `json:"id"`
	OwnerUserID      string  `json:"owner_user_id"`
	Name             string  `json:"name"`
	ServiceProvider  string  `json:"service_provider"`
	AllocationStatus string  `json:"allocation_status"`
	LastUsedAt       *string `json:"last_used_at,omitempty"`
}

type adminQueuedView struct {
	VoiceID         string  `json:"voice_id"`
	ServiceProvider string  `json:"service_provider"`
	Score           float64 `json:"score"`
}

type adminEventView struct {
	ID        string  `json:"id"`
	VoiceID   *string `json:"voice_id,omitempty"`
	EventType string  `json:"event_type"`
	Reason    string  `json:"reason,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// adminEventsPage is the cursor-paginated envelope for the recent-events
// feed: the event log grows without bound, so unlike the active-voices and
// queued-requests snapshots (both bounded by SlotLimit and queue depth) it
// can't be returned in full on every poll.
type adminEventsPage struct {
	Items      []adminEventView `json:"items"`
	NextCursor *string          `json:"next_cursor,omitempty"`
	HasMore    bool             `json:"has_more"`
}

type adminSlotStatusResponse struct {
	Metrics        adminMetrics      `json:"metrics"`
	ActiveVoices   []adminVoiceView  `json:"active_voices"`
	QueuedRequests []adminQueuedView `json:"queued_requests"`
	RecentEvents   adminEventsPage   `json:"recent_events"`
}

const adminQueueSnapshotLimit = 100

// handleAdminSlotStatus assembles a point-in-time view of slot capacity
// across the voices table, the allocation queue, and the event log — the
// three places allocation state actually lives.
func (h *Handler) handleAdminSlotStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cursorParams, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	active, err := h.voiceStore.ListActive(ctx)
	if err != nil {
		h.logger.Error("listing active voices for admin snapshot", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load active voices")
		return
	}

	queued, err := h.queue.Snapshot(ctx, adminQueueSnapshotLimit)
	if err != nil {
		h.logger.Error("snapshotting allocation queue", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load queued requests")
		return
	}

	var after *eventlog.Cursor
	if cursorParams.After != nil {
		after = &eventlog.Cursor{CreatedAt: cursorParams.After.CreatedAt, ID: cursorParams.After.ID}
	}
	events, err := h.events.ListRecentPage(ctx, after, cursorParams.Limit+1)
	if err != nil {
		h.logger.Error("listing recent voice slot events", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load recent events")
		return
	}
	eventsPage := httpserver.NewCursorPage(events, cursorParams.Limit, func(e eventlog.RecordedEntry) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})

	ready, allocating := 0, 0
	voices := make([]adminVoiceView, 0, len(active))
	for _, v := range active {
		if v.AllocationStatus == voiceslot.AllocReady {
			ready++
		} else {
			allocating++
		}
		view := adminVoiceView{
			ID:               v.ID.String(),
			OwnerUserID:      v.OwnerUserID.String(),
			Name:             v.Name,
			ServiceProvider:  v.ServiceProvider,
			AllocationStatus: v.AllocationStatus,
		}
		if v.LastUsedAt != nil {
			s := v.LastUsedAt.Format(timeLayout)
			view.LastUsedAt = &s
		}
		voices = append(voices, view)
	}

	queuedViews := make([]adminQueuedView, 0, len(queued))
	for _, q := range queued {
		queuedViews = append(queuedViews, adminQueuedView{
			VoiceID:         q.Entry.VoiceID,
			ServiceProvider: q.Entry.ServiceProvider,
			Score:           q.Score,
		})
	}

	eventViews := make([]adminEventView, 0, len(eventsPage.Items))
	for _, e := range eventsPage.Items {
		view := adminEventView{
			ID:        e.ID.String(),
			EventType: string(e.EventType),
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.Format(timeLayout),
		}
		if e.VoiceID != nil {
			s := e.VoiceID.String()
			view.VoiceID = &s
		}
		eventViews = append(eventViews, view)
	}

	httpserver.Respond(w, http.StatusOK, adminSlotStatusResponse{
		Metrics: adminMetrics{
			SlotLimit:         h.cfg.SlotLimit,
			AvailableCapacity: h.cfg.SlotLimit - ready - allocating,
			ReadyCount:        ready,
			AllocatingCount:   allocating,
			QueueDepth:        len(queuedViews),
		},
		ActiveVoices:   voices,
		QueuedRequests: queuedViews,
		RecentEvents: adminEventsPage{
			Items:      eventViews,
			NextCursor: eventsPage.NextCursor,
			HasMore:    eventsPage.HasMore,
		},
	})
}
