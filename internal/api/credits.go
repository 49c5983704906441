package api

import (
	"net/http"

	"github.com/dawnotemu/voicecore/internal/httpserver"
	"github.com/dawnotemu/voicecore/pkg/ledger"
)

type creditLotView struct {
	ID              string  `json:"id"`
	Source          string  `json:"source"`
	AmountGranted   int     `json:"amount_granted"`
	AmountRemaining int     `json:"amount_remaining"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

type creditTransactionView struct {
	ID        string `json:"id"`
	Amount    int    `json:"amount"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type meCreditsResponse struct {
	Balance         int `json:"balance"`
	BalanceCached   int `json:"balance_cached"`
	BalanceComputed int `json:"balance_computed"`
	Lots            []creditLotView `json:"lots"`
	History         httpserver.OffsetPage[creditTransactionView] `json:"history"`
	UnitLabel       string `json:"unit_label"`
	UnitSize        int `json:"unit_size"`
}

// handleMeCredits reports the caller's balance, open credit lots, and a
// page of their transaction history. History paging uses page/page_size
// query parameters — httpserver's shared offset-pagination helpers, the
// same ones a future "list my voices" or "list my audio requests" endpoint
// would reach for, rather than a one-off limit/offset pair of its own.
func (h *Handler) handleMeCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	offsetParams, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	txType := r.URL.Query().Get("type")

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("loading credit balance", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load balance")
		return
	}
	lots, err := h.ledger.Lots(r.Context(), userID)
	if err != nil {
		h.logger.Error("loading credit lots", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load lots")
		return
	}
	txns, total, err := h.ledger.History(r.Context(), userID, txType, offsetParams.PageSize, offsetParams.Offset)
	if err != nil {
		h.logger.Error("loading credit history", "error", err, "user_id", userID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}

	httpserver.Respond(w, http.StatusOK, meCreditsResponse{
		Balance:         balance.Canonical,
		BalanceCached:   balance.Cached,
		BalanceComputed: balance.Canonical,
		Lots:            lotViews(lots),
		History:         httpserver.NewOffsetPage(transactionViews(txns), offsetParams, total),
		UnitLabel:       h.cfg.CreditsUnitLabel,
		UnitSize:        h.cfg.CreditsUnitSize,
	})
}

func lotViews(lots []ledger.CreditLot) []creditLotView {
	out := make([]creditLotView, 0, len(lots))
	for _, l := range lots {
		v := creditLotView{
			ID:              l.ID.String(),
			Source:          l.Source,
			AmountGranted:   l.AmountGranted,
			AmountRemaining: l.AmountRemaining,
			CreatedAt:       l.CreatedAt.Format(timeLayout),
		}
		if l.ExpiresAt != nil {
			s := l.ExpiresAt.Format(timeLayout)
			v.ExpiresAt = &s
		}
		out = append(out, v)
	}
	return out
}

func transactionViews(txns []ledger.CreditTransaction) []creditTransactionView {
	out := make([]creditTransactionView, 0, len(txns))
	for _, t := range txns {
		out = append(out, creditTransactionView{
			ID:        t.ID.String(),
			Amount:    t.Amount,
			Type:      t.Type,
			Reason:    t.Reason,
			Status:    t.Status,
			CreatedAt: t.CreatedAt.Format(timeLayout),
		})
	}
	return out
}
