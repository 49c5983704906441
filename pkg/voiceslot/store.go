package voiceslot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for voices.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a voiceslot Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const voiceColumns = `id, owner_user_id, name, recording_object_key, sample_filename,
	service_provider, remote_voice_id, status, allocation_status,
	allocated_at, last_used_at, slot_lock_expires_at, error_message,
	created_at, updated_at`

func scanVoice(row pgx.Row) (Voice, error) {
	var v Voice
	err := row.Scan(
		&v.ID, &v.OwnerUserID, &v.Name, &v.RecordingObjectKey, &v.SampleFilename,
		&v.ServiceProvider, &v.RemoteVoiceID, &v.Status, &v.AllocationStatus,
		&v.AllocatedAt, &v.LastUsedAt, &v.SlotLockExpiresAt, &v.ErrorMessage,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Voice{}, ErrVoiceNotFound
		}
		return Voice{}, err
	}
	return v, nil
}

// Get returns a single voice by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Voice, error) {
	query := `SELECT ` + voiceColumns + ` FROM voices WHERE id = $1`
	return scanVoice(s.pool.QueryRow(ctx, query, id))
}

// CreateParams holds parameters for creating a voice.
type CreateParams struct {
	OwnerUserID        uuid.UUID
	Name               string
	RecordingObjectKey string
	SampleFilename     string
	ServiceProvider    string
}

// Create inserts a new voice in status=recorded, allocation_status=recorded.
func (s *Store) Create(ctx context.Context, p CreateParams) (Voice, error) {
	query := `INSERT INTO voices (
		owner_user_id, name, recording_object_key, sample_filename,
		service_provider, status, allocation_status
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + voiceColumns
	row := s.pool.QueryRow(ctx, query,
		p.OwnerUserID, p.Name, p.RecordingObjectKey, p.SampleFilename,
		p.ServiceProvider, StatusRecorded, AllocRecorded,
	)
	return scanVoice(row)
}

// Delete removes a voice row. Referencing VoiceSlotEvent rows have their
// voice_id nulled out by the foreign key's ON DELETE SET NULL behavior.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting voice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVoiceNotFound
	}
	return nil
}

// ExtendSlotLock bumps slot_lock_expires_at on the ready fast path.
func (s *Store) ExtendSlotLock(ctx context.Context, id uuid.UUID, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE voices SET slot_lock_expires_at = $2, updated_at = now() WHERE id = $1`,
		id, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("extending slot lock: %w", err)
	}
	return nil
}

// MarkAllocating transitions a voice into status=processing,
// allocation_status=allocating under the per-voice allocation lock.
func (s *Store) MarkAllocating(ctx context.Context, id uuid.UUID, slotLockExpiresAt time.Time) (Voice, error) {
	query := `UPDATE voices
	SET status = $2, allocation_status = $3, slot_lock_expires_at = $4, updated_at = now()
	WHERE id = $1
	RETURNING ` + voiceColumns
	row := s.pool.QueryRow(ctx, query, id, StatusProcessing, AllocAllocating, slotLockExpiresAt)
	return scanVoice(row)
}

// MarkQueuedBackToRecorded reverts a voice to allocation_status=recorded when
// the allocation worker finds capacity exhausted and re-enqueues the request.
func (s *Store) MarkQueuedBackToRecorded(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE voices SET status = $2, allocation_status = $3, updated_at = now() WHERE id = $1`,
		id, StatusRecorded, AllocRecorded,
	)
	if err != nil {
		return fmt.Errorf("reverting voice to recorded: %w", err)
	}
	return nil
}

// MarkReady stamps a successful clone: remote_voice_id, allocation_status and
// status go to ready, allocated_at and last_used_at are set to now.
func (s *Store) MarkReady(ctx context.Context, id uuid.UUID, remoteVoiceID string, now time.Time) (Voice, error) {
	query := `UPDATE voices
	SET remote_voice_id = $2, status = $3, allocation_status = $4,
	    allocated_at = $5, last_used_at = $5, error_message = NULL, updated_at = now()
	WHERE id = $1
	RETURNING ` + voiceColumns
	row := s.pool.QueryRow(ctx, query, id, remoteVoiceID, StatusReady, AllocReady, now)
	return scanVoice(row)
}

// MarkError records an allocation failure: status=error, allocation_status
// reverts to recorded, and any stale remote_voice_id is cleared.
func (s *Store) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE voices
		SET status = $2, allocation_status = $3, remote_voice_id = NULL, error_message = $4, updated_at = now()
		WHERE id = $1`,
		id, StatusError, AllocRecorded, message,
	)
	if err != nil {
		return fmt.Errorf("recording allocation failure: %w", err)
	}
	return nil
}

// ExtendWarmHold is called by the synthesis worker on success: it stamps
// last_used_at and pushes slot_lock_expires_at forward by the warm hold.
func (s *Store) ExtendWarmHold(ctx context.Context, id uuid.UUID, now time.Time, warmHoldExpiry time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE voices SET last_used_at = $2, slot_lock_expires_at = $3, updated_at = now() WHERE id = $1`,
		id, now, warmHoldExpiry,
	)
	if err != nil {
		return fmt.Errorf("extending warm hold: %w", err)
	}
	return nil
}

// MarkReclaimed transitions a ready voice back to recorded and clears its
// upstream identity, as the idle reclaimer does after a successful
// provider-side delete. Only applies if the voice is still ready, guarding
// against a race with a concurrent allocation.
func (s *Store) MarkReclaimed(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voices
		SET status = $3, allocation_status = $3, remote_voice_id = NULL,
		    allocated_at = NULL, last_used_at = $2, updated_at = now()
		WHERE id = $1 AND allocation_status = $4`,
		id, now, StatusRecorded, AllocReady,
	)
	if err != nil {
		return fmt.Errorf("marking voice reclaimed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("voice %s was no longer ready at reclaim time", id)
	}
	return nil
}

// CountActiveByProvider counts voices whose allocation_status is ready or
// allocating for the given provider — the quantity compared against
// slot_limit.
func (s *Store) CountActiveByProvider(ctx context.Context, provider string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM voices WHERE service_provider = $1 AND allocation_status IN ($2, $3)`,
		provider, AllocReady, AllocAllocating,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active voices: %w", err)
	}
	return count, nil
}

// ListReclaimCandidates returns ready voices whose warm hold and slot lock
// have both expired, oldest last_used_at first (true LRU).
func (s *Store) ListReclaimCandidates(ctx context.Context, warmHold time.Duration, limit int) ([]Voice, error) {
	query := `SELECT ` + voiceColumns + ` FROM voices
	WHERE allocation_status = $1
	  AND slot_lock_expires_at <= now()
	  AND last_used_at <= now() - ($2 * interval '1 second')
	ORDER BY last_used_at ASC
	LIMIT $3`
	rows, err := s.pool.Query(ctx, query, AllocReady, warmHold.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing reclaim candidates: %w", err)
	}
	defer rows.Close()

	var items []Voice
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reclaim candidate: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reclaim candidates: %w", err)
	}
	return items, nil
}

// ListActive returns every voice currently ready or allocating, most
// recently used first, for the admin slot-status snapshot.
func (s *Store) ListActive(ctx context.Context) ([]Voice, error) {
	query := `SELECT ` + voiceColumns + ` FROM voices
	WHERE allocation_status IN ($1, $2)
	ORDER BY last_used_at DESC NULLS LAST`
	rows, err := s.pool.Query(ctx, query, AllocReady, AllocAllocating)
	if err != nil {
		return nil, fmt.Errorf("listing active voices: %w", err)
	}
	defer rows.Close()

	var items []Voice
	for rows.Next() {
		v, err := scanVoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning active voice: %w", err)
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

// GetVoiceIDByHistoricalRemoteID resolves a remote_voice_id that may belong to
// an evicted voice by finding the most recent allocation_completed event that
// recorded it in its metadata. This lets a client holding a stale external ID
// still reach the right voice row after a reclone under a new ID.
func (s *Store) GetVoiceIDByHistoricalRemoteID(ctx context.Context, remoteVoiceID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT voice_id FROM voice_slot_events
		WHERE event_type = 'allocation_completed'
		  AND voice_id IS NOT NULL
		  AND metadata_json->>'remote_voice_id' = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		remoteVoiceID,
	).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrVoiceNotFound
		}
		return uuid.Nil, fmt.Errorf("resolving historical remote voice id: %w", err)
	}
	return id, nil
}
