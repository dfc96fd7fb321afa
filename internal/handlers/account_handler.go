package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
)

type AccountHandler struct {
	accounts *services.AccountService
}

func NewAccountHandler(accounts *services.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

// OpenAccount opens an account with an optional initial balance.
func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req models.OpenAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Actor = middleware.ActorFrom(r.Context())

	acc, err := h.accounts.OpenAccount(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// ListAccounts lists accounts for the owner_id query parameter.
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		services.SendErrorResponse(w, "owner_id is required", http.StatusBadRequest, &services.Error{
			Kind:   services.KindValidation,
			Fields: map[string]string{"owner_id": "must be a positive integer"},
		})
		return
	}

	accounts, err := h.accounts.ListOwnerAccounts(r.Context(), ownerID)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	acc, err := h.accounts.GetAccount(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	balance, err := h.accounts.GetBalance(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// History lists the account's transactions, newest first.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}

	txs, err := h.accounts.History(r.Context(), id, limit, offset)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (h *AccountHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := pageParams(w, r)
	if !ok {
		return
	}

	logs, err := h.accounts.AccountAudit(r.Context(), id, limit, offset)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

type statusChange func(ctx context.Context, id int64, actor models.Actor) (*models.Account, error)

func (h *AccountHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accounts.Suspend)
}

func (h *AccountHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accounts.Activate)
}

// Close closes a zero-balance account for good.
func (h *AccountHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.accounts.Close)
}

func (h *AccountHandler) changeStatus(w http.ResponseWriter, r *http.Request, change statusChange) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	acc, err := change(r.Context(), id, middleware.ActorFrom(r.Context()))
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
