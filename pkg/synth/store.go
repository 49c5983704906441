package synth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for audio requests.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a synth Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const requestColumns = `id, story_id, voice_id, user_id, status, object_key,
	error_message, credits_charged, duration_seconds, file_size_bytes,
	attempts, created_at, updated_at`

func scanRequest(row pgx.Row) (AudioRequest, error) {
	var r AudioRequest
	err := row.Scan(
		&r.ID, &r.StoryID, &r.VoiceID, &r.UserID, &r.Status, &r.ObjectKey,
		&r.ErrorMessage, &r.CreditsCharged, &r.DurationSeconds, &r.FileSizeBytes,
		&r.Attempts, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return AudioRequest{}, ErrRequestNotFound
		}
		return AudioRequest{}, err
	}
	return r, nil
}

// Get returns a single audio request by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (AudioRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM audio_requests WHERE id = $1`
	return scanRequest(s.pool.QueryRow(ctx, query, id))
}

// GetByVoiceStory looks up the request for a (story, voice) pair, the
// uniqueness the orchestrator's find-or-create step relies on.
func (s *Store) GetByVoiceStory(ctx context.Context, storyID, voiceID uuid.UUID) (AudioRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM audio_requests WHERE story_id = $1 AND voice_id = $2`
	return scanRequest(s.pool.QueryRow(ctx, query, storyID, voiceID))
}

// Create inserts a new request in status=pending.
func (s *Store) Create(ctx context.Context, p CreateParams) (AudioRequest, error) {
	query := `INSERT INTO audio_requests (story_id, voice_id, user_id, status)
	VALUES ($1, $2, $3, $4)
	RETURNING ` + requestColumns
	row := s.pool.QueryRow(ctx, query, p.StoryID, p.VoiceID, p.UserID, StatusPending)
	return scanRequest(row)
}

// ResetToPending transitions a request back to pending and clears its error
// message, used when the orchestrator finds an errored request and retries
// it on the user's behalf.
func (s *Store) ResetToPending(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audio_requests SET status = $2, error_message = NULL, credits_charged = NULL, updated_at = now() WHERE id = $1`,
		id, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("resetting request to pending: %w", err)
	}
	return nil
}

// MarkCreditsCharged records the number of credits debited for the request,
// set once at the top of the orchestrator's debit step.
func (s *Store) MarkCreditsCharged(ctx context.Context, id uuid.UUID, credits int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audio_requests SET credits_charged = $2, updated_at = now() WHERE id = $1`,
		id, credits,
	)
	if err != nil {
		return fmt.Errorf("recording credits charged: %w", err)
	}
	return nil
}

// MarkProcessing transitions a request to status=processing once the slot
// allocator reports the voice is ready.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audio_requests SET status = $2, updated_at = now() WHERE id = $1`,
		id, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("marking request processing: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the worker's attempt counter, used to cap retries
// at the configured maximum before giving up.
func (s *Store) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE audio_requests SET attempts = attempts + 1, updated_at = now() WHERE id = $1 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return attempts, nil
}

// MarkReady stamps a finished synthesis: object key, duration, file size, and
// status=ready.
func (s *Store) MarkReady(ctx context.Context, id uuid.UUID, objectKey string, durationSeconds float64, fileSizeBytes int64) (AudioRequest, error) {
	query := `UPDATE audio_requests
	SET status = $2, object_key = $3, duration_seconds = $4, file_size_bytes = $5,
	    error_message = NULL, updated_at = now()
	WHERE id = $1
	RETURNING ` + requestColumns
	row := s.pool.QueryRow(ctx, query, id, StatusReady, objectKey, durationSeconds, fileSizeBytes)
	return scanRequest(row)
}

// MarkError records a terminal failure.
func (s *Store) MarkError(ctx context.Context, id uuid.UUID, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE audio_requests SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, StatusError, message,
	)
	if err != nil {
		return fmt.Errorf("recording synthesis failure: %w", err)
	}
	return nil
}
