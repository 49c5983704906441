// Package ledger implements the credit ledger: atomic debit/refund/grant of
// a user's points across multiple priority-ordered, optionally-expiring
// credit lots.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Credit lot sources.
const (
	SourceMonthly  = "monthly"
	SourceAddOn    = "add_on"
	SourceFree     = "free"
	SourceEvent    = "event"
	SourceReferral = "referral"
)

// Transaction types.
const (
	TxCredit = "credit"
	TxDebit  = "debit"
	TxRefund = "refund"
	TxExpire = "expire"
)

// Transaction statuses.
const (
	TxApplied  = "applied"
	TxRefunded = "refunded"
)

// CreditLot is a grant of points with a single source and optional expiry.
type CreditLot struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Source          string
	AmountGranted   int
	AmountRemaining int
	ExpiresAt       *time.Time
	CreatedAt       time.Time
}

// CreditTransaction is a signed ledger entry. Debits are negative;
// credits/refunds are positive.
type CreditTransaction struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Amount         int
	Type           string
	Reason         string
	Status         string
	AudioRequestID *uuid.UUID
	StoryID        *uuid.UUID
	Metadata       []byte
	CreatedAt      time.Time
}

// CreditAllocation is a many-to-many edge between a transaction and the lot
// it drew from (or refunded into). For a debit each allocation is negative;
// the counter-allocating refund is positive.
type CreditAllocation struct {
	TransactionID uuid.UUID
	LotID         uuid.UUID
	Amount        int
}

// Balance is the dual view a summary API returns: the authoritative sum over
// unexpired lots, plus the denormalized cached column, so operators can spot
// drift between them.
type Balance struct {
	Canonical int
	Cached    int
}

// InsufficientCreditsError is returned by Debit when the user's available
// balance across all usable lots falls short of the requested amount.
type InsufficientCreditsError struct {
	Needed    int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return "ledger: insufficient credits"
}

// ErrNoApplicableDebit is returned by RefundByAudioRequest when no applied
// debit exists for the given audio request.
var ErrNoApplicableDebit = errors.New("ledger: no applied debit for this audio request")

// CreditsRequired computes the ledger cost of synthesizing a text of length L
// characters: ceil(L / unitSize), minimum 1. This is the only translation
// between user content and ledger currency.
func CreditsRequired(textLength, unitSize int) int {
	if unitSize <= 0 {
		unitSize = 1
	}
	n := (textLength + unitSize - 1) / unitSize
	if n < 1 {
		return 1
	}
	return n
}
