package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/api"
	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// CreditsHandler exposes the authenticated user's credit account.
type CreditsHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewCreditsHandler creates a credits handler.
func NewCreditsHandler(l ledger.Ledger, logger *zap.Logger) *CreditsHandler {
	return &CreditsHandler{ledger: l, logger: logger}
}

// HandleAccount returns the balance and lifetime generation count.
func (h *CreditsHandler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	account, err := h.ledger.Account(r.Context(), userID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.CreditAccountResponse{
		Balance:             account.Balance,
		LifetimeGenerations: account.LifetimeGenerations,
	})
}

// HandleTransactions lists the user's recent ledger rows, newest
// first. The limit query parameter caps the page size at 200.
func (h *CreditsHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidArgument, "limit must be a positive integer", h.logger)
			return
		}
		limit = n
	}
	if limit > 200 {
		limit = 200
	}

	txs, err := h.ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	entries := make([]api.TransactionEntry, 0, len(txs))
	for _, tx := range txs {
		entries = append(entries, api.TransactionEntry{
			ID:         tx.ID,
			Amount:     tx.Amount,
			Type:       tx.Type,
			PipelineID: tx.PipelineID,
			Reason:     tx.Reason,
			CreatedAt:  tx.CreatedAt.Format(time.RFC3339),
		})
	}
	WriteSuccess(w, api.TransactionListResponse{Transactions: entries})
}
