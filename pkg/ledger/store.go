package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the raw-pgx persistence layer for the credit ledger. Every
// operation that must serialize with the user-row lock takes an explicit
// pgx.Tx so the service can compose several store calls into one
// transaction; only the read-only balance view runs directly against the
// pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a ledger Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so the service can start transactions.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// LockUser takes a row-level FOR UPDATE lock on the user, serializing
// concurrent ledger operations for that user. Must be called inside tx.
func (s *Store) LockUser(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	var discard uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&discard)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("ledger: locking user %s: user not found", userID)
		}
		return fmt.Errorf("locking user row: %w", err)
	}
	return nil
}

const lotColumns = `id, user_id, source, amount_granted, amount_remaining, expires_at, created_at`

func scanLot(row pgx.Row) (CreditLot, error) {
	var l CreditLot
	err := row.Scan(&l.ID, &l.UserID, &l.Source, &l.AmountGranted, &l.AmountRemaining, &l.ExpiresAt, &l.CreatedAt)
	return l, err
}

// CreateLot inserts a new credit lot, used by Grant.
func (s *Store) CreateLot(ctx context.Context, tx pgx.Tx, userID uuid.UUID, source string, amount int, expiresAt *time.Time) (CreditLot, error) {
	query := `INSERT INTO credit_lots (user_id, source, amount_granted, amount_remaining, expires_at)
		VALUES ($1, $2, $3, $3, $4)
		RETURNING ` + lotColumns
	return scanLot(tx.QueryRow(ctx, query, userID, source, amount, expiresAt))
}

// ListAvailableLots returns every non-expired lot with remaining balance for
// userID, used by Debit to decide which lots to drain.
func (s *Store) ListAvailableLots(ctx context.Context, tx pgx.Tx, userID uuid.UUID) ([]CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots
		WHERE user_id = $1 AND amount_remaining > 0 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY expires_at ASC NULLS LAST, created_at ASC`
	rows, err := tx.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing available lots: %w", err)
	}
	defer rows.Close()

	var lots []CreditLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credit lot: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// AdjustLotRemaining applies delta (positive or negative) to a lot's
// amount_remaining.
func (s *Store) AdjustLotRemaining(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, delta int) error {
	_, err := tx.Exec(ctx, `UPDATE credit_lots SET amount_remaining = amount_remaining + $2 WHERE id = $1`, lotID, delta)
	if err != nil {
		return fmt.Errorf("adjusting lot %s: %w", lotID, err)
	}
	return nil
}

const txnColumns = `id, user_id, amount, type, reason, status, audio_request_id, story_id, metadata_json, created_at`

func scanTxn(row pgx.Row) (CreditTransaction, error) {
	var t CreditTransaction
	var meta []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Reason, &t.Status, &t.AudioRequestID, &t.StoryID, &meta, &t.CreatedAt)
	t.Metadata = meta
	return t, err
}

// InsertTransaction records a ledger entry.
func (s *Store) InsertTransaction(ctx context.Context, tx pgx.Tx, t CreditTransaction) (CreditTransaction, error) {
	if t.Metadata == nil {
		t.Metadata = json.RawMessage("{}")
	}
	query := `INSERT INTO credit_transactions (user_id, amount, type, reason, status, audio_request_id, story_id, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + txnColumns
	return scanTxn(tx.QueryRow(ctx, query, t.UserID, t.Amount, t.Type, t.Reason, t.Status, t.AudioRequestID, t.StoryID, t.Metadata))
}

// InsertAllocations records the lot-level breakdown of a transaction.
func (s *Store) InsertAllocations(ctx context.Context, tx pgx.Tx, allocations []CreditAllocation) error {
	for _, a := range allocations {
		_, err := tx.Exec(ctx, `INSERT INTO credit_allocations (transaction_id, lot_id, amount) VALUES ($1, $2, $3)`,
			a.TransactionID, a.LotID, a.Amount)
		if err != nil {
			return fmt.Errorf("inserting credit allocation: %w", err)
		}
	}
	return nil
}

// GetAllocationsForTransaction returns the lot-level breakdown recorded for
// a transaction, used by RefundByAudioRequest to counter-allocate into the
// same lots.
func (s *Store) GetAllocationsForTransaction(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) ([]CreditAllocation, error) {
	rows, err := tx.Query(ctx, `SELECT transaction_id, lot_id, amount FROM credit_allocations WHERE transaction_id = $1`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing allocations for transaction %s: %w", transactionID, err)
	}
	defer rows.Close()

	var out []CreditAllocation
	for rows.Next() {
		var a CreditAllocation
		if err := rows.Scan(&a.TransactionID, &a.LotID, &a.Amount); err != nil {
			return nil, fmt.Errorf("scanning credit allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAppliedDebit returns the applied debit transaction for an audio
// request, if any.
func (s *Store) GetAppliedDebit(ctx context.Context, tx pgx.Tx, audioRequestID uuid.UUID) (CreditTransaction, bool, error) {
	query := `SELECT ` + txnColumns + ` FROM credit_transactions
		WHERE audio_request_id = $1 AND type = $2 AND status = $3
		LIMIT 1`
	row := tx.QueryRow(ctx, query, audioRequestID, TxDebit, TxApplied)
	t, err := scanTxn(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return CreditTransaction{}, false, nil
		}
		return CreditTransaction{}, false, fmt.Errorf("loading applied debit: %w", err)
	}
	return t, true, nil
}

// SumRefundsSince returns the total refunded amount for audioRequestID since
// its debit was created, used to compute outstanding = |debit.amount| - refunds.
func (s *Store) SumRefundsSince(ctx context.Context, tx pgx.Tx, audioRequestID uuid.UUID, since time.Time) (int, error) {
	var sum *int
	query := `SELECT SUM(amount) FROM credit_transactions
		WHERE audio_request_id = $1 AND type = $2 AND created_at >= $3`
	if err := tx.QueryRow(ctx, query, audioRequestID, TxRefund, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("summing refunds: %w", err)
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// AmendTransactionAmount overwrites a debit's recorded amount, used when an
// additional charge is layered onto an existing debit for the same audio
// request.
func (s *Store) AmendTransactionAmount(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID, amount int) error {
	_, err := tx.Exec(ctx, `UPDATE credit_transactions SET amount = $2 WHERE id = $1`, transactionID, amount)
	if err != nil {
		return fmt.Errorf("amending transaction %s: %w", transactionID, err)
	}
	return nil
}

// MarkTransactionRefunded flips a debit's status once it has been fully
// refunded, freeing the (audio_request_id, user_id) uniqueness constraint
// for a future re-debit.
func (s *Store) MarkTransactionRefunded(ctx context.Context, tx pgx.Tx, transactionID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE credit_transactions SET status = $2 WHERE id = $1`, transactionID, TxRefunded)
	if err != nil {
		return fmt.Errorf("marking transaction %s refunded: %w", transactionID, err)
	}
	return nil
}

// AdjustCachedBalance applies delta to the user's denormalized balance
// column.
func (s *Store) AdjustCachedBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, delta int) error {
	_, err := tx.Exec(ctx, `UPDATE users SET credits_balance = credits_balance + $2 WHERE id = $1`, userID, delta)
	if err != nil {
		return fmt.Errorf("adjusting cached balance for user %s: %w", userID, err)
	}
	return nil
}

// GetBalance returns the dual balance view: the canonical sum over unexpired
// lots, and the cached column (which may have drifted).
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	var bal Balance
	query := `SELECT
		COALESCE((SELECT SUM(amount_remaining) FROM credit_lots WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > now())), 0),
		COALESCE((SELECT credits_balance FROM users WHERE id = $1), 0)`
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&bal.Canonical, &bal.Cached); err != nil {
		return Balance{}, fmt.Errorf("loading balance for user %s: %w", userID, err)
	}
	return bal, nil
}

// ListLotsForUser returns every non-expired lot with remaining balance for
// userID, for the GET /me/credits summary view. Unlike ListAvailableLots this
// runs directly against the pool since it is read-only and outside any
// debit/refund transaction.
func (s *Store) ListLotsForUser(ctx context.Context, userID uuid.UUID) ([]CreditLot, error) {
	query := `SELECT ` + lotColumns + ` FROM credit_lots
		WHERE user_id = $1 AND amount_remaining > 0 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY expires_at ASC NULLS LAST, created_at ASC`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing lots for user %s: %w", userID, err)
	}
	defer rows.Close()

	var lots []CreditLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credit lot: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// ListTransactions returns a page of userID's transaction history, optionally
// filtered by type, newest first, along with the total matching row count for
// pagination.
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, txType string, limit, offset int) ([]CreditTransaction, int, error) {
	args := []any{userID}
	where := `user_id = $1`
	if txType != "" {
		args = append(args, txType)
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM credit_transactions WHERE ` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions for user %s: %w", userID, err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM credit_transactions WHERE %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, txnColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var txns []CreditTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning credit transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, total, rows.Err()
}
