package handlers

import (
	"net/http"

	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
)

// IdempotencyKeyHeader supplies the key when the body leaves it empty.
const IdempotencyKeyHeader = "Idempotency-Key"

type LedgerHandler struct {
	ledger    *services.LedgerEngine
	reversals *services.ReversalEngine
}

func NewLedgerHandler(ledger *services.LedgerEngine, reversals *services.ReversalEngine) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, reversals: reversals}
}

// Transfer moves money between two accounts.
// Returns 201 for a new transfer and 200 when the idempotency key replays a
// completed one.
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
	}
	req.Actor = middleware.ActorFrom(r.Context())

	result, err := h.ledger.Transfer(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// Reverse posts the inverse of a completed transaction.
func (h *LedgerHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req models.ReverseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.TransactionID = id
	req.Actor = middleware.ActorFrom(r.Context())

	result, err := h.reversals.Reverse(r.Context(), req)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	detail, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *LedgerHandler) TransactionAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.ledger.TransactionAudit(r.Context(), id)
	if err != nil {
		sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
