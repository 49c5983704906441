// Package eventlog provides an async, buffered writer for VoiceSlotEvent rows,
// the append-only audit trail that backs every allocation-lifecycle
// transition and the post-eviction reclone lookup.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType enumerates the allocation lifecycle events recorded in the log.
type EventType string

const (
	EventRecordingUploaded          EventType = "recording_uploaded"
	EventRecordingProcessingQueued  EventType = "recording_processing_queued"
	EventRecordingProcessed         EventType = "recording_processed"
	EventRecordingProcessingFailed  EventType = "recording_processing_failed"
	EventAllocationQueued           EventType = "allocation_queued"
	EventAllocationStarted          EventType = "allocation_started"
	EventAllocationCompleted        EventType = "allocation_completed"
	EventAllocationFailed           EventType = "allocation_failed"
	EventSlotLockAcquired           EventType = "slot_lock_acquired"
	EventSlotLockReleased           EventType = "slot_lock_released"
	EventSlotEvicted                EventType = "slot_evicted"
)

// Entry is a single VoiceSlotEvent row to be written. VoiceID is nullable so
// events survive the deletion of the voice they describe.
type Entry struct {
	VoiceID   *uuid.UUID
	UserID    *uuid.UUID
	EventType EventType
	Reason    string
	Metadata  json.RawMessage
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// Writer is an async buffered VoiceSlotEvent writer. Entries are sent to an
// internal channel and flushed by a background goroutine, so callers on the
// allocation hot path never block on a database write.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

// NewWriter creates an event log Writer. Call Start to begin processing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start launches the background flush loop and returns immediately. The loop
// runs until ctx is cancelled or Close is called, flushing the entries
// pending at that moment before it exits.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an event for async writing. It never blocks the caller; if the
// buffer is full the entry is dropped and a warning is logged — the event log
// is the ground truth for post-mortems, not a transactional record, so a
// dropped entry under extreme load is preferable to stalling an allocation.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("event log buffer full, dropping entry",
			"event_type", entry.EventType, "reason", entry.Reason)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// RecordedEntry is a VoiceSlotEvent row as read back, for the admin
// snapshot's recent-events feed.
type RecordedEntry struct {
	ID        uuid.UUID
	VoiceID   *uuid.UUID
	UserID    *uuid.UUID
	EventType EventType
	Reason    string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// Cursor is a keyset position into the event log: the (created_at, id) pair
// of the last event a caller has already seen. Paired with
// httpserver.Cursor/EncodeCursor/DecodeCursor by the admin handler, which
// owns the opaque string encoding.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

const listRecentQuery = `
SELECT id, voice_id, user_id, event_type, reason, metadata_json, created_at
FROM voice_slot_events
ORDER BY created_at DESC, id DESC
LIMIT $1
`

const listRecentAfterQuery = `
SELECT id, voice_id, user_id, event_type, reason, metadata_json, created_at
FROM voice_slot_events
WHERE (created_at, id) < ($2, $3)
ORDER BY created_at DESC, id DESC
LIMIT $1
`

// ListRecentPage returns up to limit events ordered newest first. When after
// is non-nil, only events strictly older than that keyset position are
// returned, so the admin event-log feed can page backward through history
// instead of only ever seeing the newest N rows. Pass limit+1 to detect
// whether a further page exists. Reads go straight against the pool since
// the admin snapshot this backs has no latency requirement that would
// justify routing through the buffered writer.
func (w *Writer) ListRecentPage(ctx context.Context, after *Cursor, limit int) ([]RecordedEntry, error) {
	var rows pgx.Rows
	var err error
	if after != nil {
		rows, err = w.pool.Query(ctx, listRecentAfterQuery, limit, after.CreatedAt, after.ID)
	} else {
		rows, err = w.pool.Query(ctx, listRecentQuery, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordedEntry
	for rows.Next() {
		var e RecordedEntry
		var voiceID, userID pgtype.UUID
		if err := rows.Scan(&e.ID, &voiceID, &userID, &e.EventType, &e.Reason, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if voiceID.Valid {
			id := uuid.UUID(voiceID.Bytes)
			e.VoiceID = &id
		}
		if userID.Valid {
			id := uuid.UUID(userID.Bytes)
			e.UserID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const insertEventQuery = `
INSERT INTO voice_slot_events (voice_id, user_id, event_type, reason, metadata_json, created_at)
VALUES ($1, $2, $3, $4, $5, now())
`

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, e := range entries {
		var voiceID, userID pgtype.UUID
		if e.VoiceID != nil {
			voiceID = pgtype.UUID{Bytes: *e.VoiceID, Valid: true}
		}
		if e.UserID != nil {
			userID = pgtype.UUID{Bytes: *e.UserID, Valid: true}
		}
		if e.Metadata == nil {
			e.Metadata = json.RawMessage("{}")
		}
		batch.Queue(insertEventQuery, voiceID, userID, string(e.EventType), e.Reason, e.Metadata)
	}

	br := w.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			w.logger.Error("writing event log entry", "error", err)
		}
	}
}
