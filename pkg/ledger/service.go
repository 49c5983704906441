package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Config holds the ledger's tunables.
type Config struct {
	UnitSize       int
	SourcePriority []string
}

// Service wires the credit lot / transaction / allocation store into the
// grant, debit, and refund operations. Every multi-statement operation runs
// inside one transaction, opened with a FOR UPDATE lock on the user row so
// concurrent debits for the same user serialize.
type Service struct {
	store  *Store
	cfg    Config
	logger *slog.Logger
}

// NewService builds a ledger Service.
func NewService(store *Store, cfg Config, logger *slog.Logger) *Service {
	return &Service{store: store, cfg: cfg, logger: logger}
}

func (s *Service) withUserTx(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.store.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("beginning ledger transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.logger.Error("rolling back ledger transaction", "user_id", userID, "error", rbErr)
			}
		}
	}()

	if err := s.store.LockUser(ctx, tx, userID); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ledger transaction: %w", err)
	}
	committed = true
	return nil
}

// Grant creates a new credit lot and a matching positive transaction.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int, reason, source string, expiresAt *time.Time) (CreditLot, error) {
	if amount <= 0 {
		return CreditLot{}, fmt.Errorf("ledger: grant amount must be positive, got %d", amount)
	}

	var lot CreditLot
	err := s.withUserTx(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		lot, err = s.store.CreateLot(ctx, tx, userID, source, amount, expiresAt)
		if err != nil {
			return fmt.Errorf("creating credit lot: %w", err)
		}

		txn, err := s.store.InsertTransaction(ctx, tx, CreditTransaction{
			UserID: userID, Amount: amount, Type: TxCredit, Reason: reason, Status: TxApplied,
		})
		if err != nil {
			return fmt.Errorf("inserting grant transaction: %w", err)
		}
		if err := s.store.InsertAllocations(ctx, tx, []CreditAllocation{{TransactionID: txn.ID, LotID: lot.ID, Amount: amount}}); err != nil {
			return err
		}
		return s.store.AdjustCachedBalance(ctx, tx, userID, amount)
	})
	return lot, err
}

// DebitParams carries the arguments for a Debit call.
type DebitParams struct {
	UserID         uuid.UUID
	Amount         int
	Reason         string
	AudioRequestID *uuid.UUID
	StoryID        *uuid.UUID
}

// Debit charges userID for amount, idempotent on AudioRequestID (see the
// three-case logic in the credit ledger design).
func (s *Service) Debit(ctx context.Context, p DebitParams) (CreditTransaction, error) {
	if p.Amount <= 0 {
		return CreditTransaction{}, fmt.Errorf("ledger: debit amount must be positive, got %d", p.Amount)
	}

	var result CreditTransaction
	err := s.withUserTx(ctx, p.UserID, func(ctx context.Context, tx pgx.Tx) error {
		if p.AudioRequestID != nil {
			existing, ok, err := s.store.GetAppliedDebit(ctx, tx, *p.AudioRequestID)
			if err != nil {
				return err
			}
			if ok {
				refunded, err := s.store.SumRefundsSince(ctx, tx, *p.AudioRequestID, existing.CreatedAt)
				if err != nil {
					return err
				}
				outstanding := -existing.Amount - refunded
				if outstanding >= p.Amount {
					// Case 1: already covers the request unchanged.
					result = existing
					return nil
				}
				// Case 2: top up the existing debit with the shortfall.
				extra := p.Amount - outstanding
				allocations, err := s.drainLots(ctx, tx, p.UserID, extra)
				if err != nil {
					return err
				}
				for i := range allocations {
					allocations[i].TransactionID = existing.ID
				}
				if err := s.store.InsertAllocations(ctx, tx, allocations); err != nil {
					return err
				}
				if err := s.store.AmendTransactionAmount(ctx, tx, existing.ID, existing.Amount-extra); err != nil {
					return err
				}
				if err := s.store.AdjustCachedBalance(ctx, tx, p.UserID, -extra); err != nil {
					return err
				}
				existing.Amount -= extra
				result = existing
				return nil
			}
		}

		// Case 3: no prior debit, drain fresh.
		allocations, err := s.drainLots(ctx, tx, p.UserID, p.Amount)
		if err != nil {
			return err
		}
		txn, err := s.store.InsertTransaction(ctx, tx, CreditTransaction{
			UserID: p.UserID, Amount: -p.Amount, Type: TxDebit, Reason: p.Reason, Status: TxApplied,
			AudioRequestID: p.AudioRequestID, StoryID: p.StoryID,
		})
		if err != nil {
			return fmt.Errorf("inserting debit transaction: %w", err)
		}
		for i := range allocations {
			allocations[i].TransactionID = txn.ID
		}
		if err := s.store.InsertAllocations(ctx, tx, allocations); err != nil {
			return err
		}
		if err := s.store.AdjustCachedBalance(ctx, tx, p.UserID, -p.Amount); err != nil {
			return err
		}
		result = txn
		return nil
	})
	return result, err
}

// drainLots collects enough available lots to cover amount, ordered by the
// configured source priority then soonest-to-expire first within a source,
// and returns the (negative) allocations to record against a debit. It does
// not itself insert the allocations or adjust balances; those are applied
// under the same transaction by the caller once the draining succeeds.
func (s *Service) drainLots(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) ([]CreditAllocation, error) {
	lots, err := s.store.ListAvailableLots(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	s.sortLotsByPriority(lots)

	var allocations []CreditAllocation
	remaining := amount
	available := 0
	for _, l := range lots {
		available += l.AmountRemaining
	}
	if available < amount {
		return nil, &InsufficientCreditsError{Needed: amount, Available: available}
	}

	for _, l := range lots {
		if remaining <= 0 {
			break
		}
		take := l.AmountRemaining
		if take > remaining {
			take = remaining
		}
		if err := s.store.AdjustLotRemaining(ctx, tx, l.ID, -take); err != nil {
			return nil, err
		}
		allocations = append(allocations, CreditAllocation{LotID: l.ID, Amount: -take})
		remaining -= take
	}
	return allocations, nil
}

// sortLotsByPriority reorders lots (already ordered by expires_at/created_at
// from the store query) so that lots from higher-priority sources sort
// first, preserving the store's within-source ordering.
func (s *Service) sortLotsByPriority(lots []CreditLot) {
	rank := make(map[string]int, len(s.cfg.SourcePriority))
	for i, src := range s.cfg.SourcePriority {
		rank[src] = i
	}
	unranked := len(s.cfg.SourcePriority)
	rankOf := func(source string) int {
		if r, ok := rank[source]; ok {
			return r
		}
		return unranked
	}
	sort.SliceStable(lots, func(i, j int) bool {
		return rankOf(lots[i].Source) < rankOf(lots[j].Source)
	})
}

// RefundByAudioRequest reverses the applied debit for audioRequestID,
// counter-allocating into the same lots in their original proportions.
// A debit with nothing outstanding is a no-op (empty transaction, nil
// error). If no applied debit exists, ErrNoApplicableDebit is returned; this
// includes a debit already fully refunded and marked refunded.
func (s *Service) RefundByAudioRequest(ctx context.Context, userID, audioRequestID uuid.UUID, reason string) (CreditTransaction, error) {
	var refund CreditTransaction
	err := s.withUserTx(ctx, userID, func(ctx context.Context, tx pgx.Tx) error {
		debit, ok, err := s.store.GetAppliedDebit(ctx, tx, audioRequestID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoApplicableDebit
		}

		refundedSoFar, err := s.store.SumRefundsSince(ctx, tx, audioRequestID, debit.CreatedAt)
		if err != nil {
			return err
		}
		outstanding := -debit.Amount - refundedSoFar
		if outstanding <= 0 {
			refund = CreditTransaction{}
			return nil
		}

		original, err := s.store.GetAllocationsForTransaction(ctx, tx, debit.ID)
		if err != nil {
			return err
		}

		refund, err = s.store.InsertTransaction(ctx, tx, CreditTransaction{
			UserID: userID, Amount: outstanding, Type: TxRefund, Reason: reason,
			Status: TxApplied, AudioRequestID: &audioRequestID, StoryID: debit.StoryID,
		})
		if err != nil {
			return fmt.Errorf("inserting refund transaction: %w", err)
		}

		// Counter-allocate proportionally to the original debit's allocations.
		counter := make([]CreditAllocation, 0, len(original))
		totalDebited := 0
		for _, a := range original {
			totalDebited += -a.Amount
		}
		remaining := outstanding
		for i, a := range original {
			share := outstanding * (-a.Amount) / max(totalDebited, 1)
			if i == len(original)-1 {
				share = remaining
			}
			remaining -= share
			if err := s.store.AdjustLotRemaining(ctx, tx, a.LotID, share); err != nil {
				return err
			}
			counter = append(counter, CreditAllocation{TransactionID: refund.ID, LotID: a.LotID, Amount: share})
		}
		if err := s.store.InsertAllocations(ctx, tx, counter); err != nil {
			return err
		}
		if err := s.store.AdjustCachedBalance(ctx, tx, userID, outstanding); err != nil {
			return err
		}

		if outstanding+refundedSoFar >= -debit.Amount {
			if err := s.store.MarkTransactionRefunded(ctx, tx, debit.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return refund, err
}

// Balance returns the dual balance view for userID.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// Lots returns userID's currently usable credit lots, for the GET
// /me/credits summary view.
func (s *Service) Lots(ctx context.Context, userID uuid.UUID) ([]CreditLot, error) {
	return s.store.ListLotsForUser(ctx, userID)
}

// History returns a page of userID's transaction history, optionally
// filtered by type, along with the total matching row count.
func (s *Service) History(ctx context.Context, userID uuid.UUID, txType string, limit, offset int) ([]CreditTransaction, int, error) {
	return s.store.ListTransactions(ctx, userID, txType, limit, offset)
}
