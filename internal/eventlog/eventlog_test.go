package eventlog

import (
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestLog_DropsWhenFull(t *testing.T) {
	w := NewWriter(nil, slog.New(slog.DiscardHandler))
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{EventType: EventAllocationQueued, Reason: "test"})
	}

	// Non-blocking: the next log call must not deadlock even though the
	// buffer is full.
	w.Log(Entry{EventType: EventAllocationFailed, Reason: "dropped"})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLog_EnqueuesEntry(t *testing.T) {
	w := NewWriter(nil, slog.New(slog.DiscardHandler))

	voiceID := uuid.New()
	w.Log(Entry{
		VoiceID:   &voiceID,
		EventType: EventSlotEvicted,
		Reason:    "idle_reclaim",
	})

	entry := <-w.entries
	if entry.EventType != EventSlotEvicted {
		t.Errorf("EventType = %q, want %q", entry.EventType, EventSlotEvicted)
	}
	if entry.VoiceID == nil || *entry.VoiceID != voiceID {
		t.Errorf("VoiceID = %v, want %v", entry.VoiceID, voiceID)
	}
	if entry.Reason != "idle_reclaim" {
		t.Errorf("Reason = %q, want %q", entry.Reason, "idle_reclaim")
	}
}
