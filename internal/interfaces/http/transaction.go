package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"finlink/internal/domain/transaction"
)

// TransactionService is satisfied by transaction.Service.
type TransactionService interface {
	List(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error)
	CreateManual(ctx context.Context, clientUserID string, params transaction.ManualParams) (*transaction.Transaction, error)
	DeleteManual(ctx context.Context, clientUserID, id string) error
}

type TransactionHandler struct {
	transactions TransactionService
	logger       *zap.Logger
}

func NewTransactionHandler(transactions TransactionService, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, logger: logger}
}

// HandleListTransactions returns the user's transactions, newest first.
// Query parameters: accountId, from, to (YYYY-MM-DD), limit, offset.
func (h *TransactionHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := transaction.ListFilter{
		ClientUserID: uid,
		AccountID:    q.Get("accountId"),
	}

	for param, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeBadRequest(w, param+" must be YYYY-MM-DD")
			return
		}
		*dst = &d
	}

	for param, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, param+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	txs, err := h.transactions.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// HandleCreateTransaction records a manual transaction.
func (h *TransactionHandler) HandleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	var params transaction.ManualParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	tx, err := h.transactions.CreateManual(r.Context(), uid, params)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// HandleDeleteTransaction deletes a manual transaction.
func (h *TransactionHandler) HandleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := clientUser(w, r)
	if !ok {
		return
	}

	if err := h.transactions.DeleteManual(r.Context(), uid, r.PathValue("id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
