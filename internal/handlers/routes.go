package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// Routes mounts the ledger API under r. Callers attach middleware to r
// before calling it.
func Routes(r chi.Router, ledger *LedgerHandler, accounts *AccountHandler) {
	r.Post("/transfers", ledger.Transfer)

	r.Route("/transactions/{id}", func(r chi.Router) {
		r.Get("/", ledger.GetTransaction)
		r.Get("/audit", ledger.TransactionAudit)
		r.Post("/reverse", ledger.Reverse)
	})

	r.Post("/accounts", accounts.OpenAccount)
	r.Get("/accounts", accounts.ListAccounts)
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/", accounts.GetAccount)
		r.Get("/balance", accounts.GetBalance)
		r.Get("/transactions", accounts.History)
		r.Get("/audit", accounts.Audit)
		r.Post("/suspend", accounts.Suspend)
		r.Post("/activate", accounts.Activate)
		r.Post("/close", accounts.Close)
	})
}
