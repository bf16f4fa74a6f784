package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"finlink/internal/domain/account"
)

// AccountLister is satisfied by account.Service.
type AccountLister interface {
	ListAccounts(ctx context.Context, clientUserID string) ([]*account.AccountWithLink, error)
}

type AccountHandler struct {
	accounts AccountLister
	logger   *zap.Logger
}

func NewAccountHandler(accounts AccountLister, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logger}
}

// HandleListAccounts returns every account on the user's non-revoked links.
// Errored accounts are included with errorFlag set.
func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), uid)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}
