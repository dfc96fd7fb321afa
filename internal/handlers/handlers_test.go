package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router http.Handler
	store  *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()

	mem := store.NewMemoryStore(time.Second)
	keys := idempotency.NewMemoryStore(idempotency.Options{})
	recorder := audit.NewRecorder(mem, false, log)

	ledger := services.NewLedgerEngine(mem, keys, recorder, nil, services.LedgerOptions{
		PollInterval: 5 * time.Millisecond,
		Retry:        services.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, log)
	accounts := services.NewAccountService(mem, recorder, log)

	r := chi.NewRouter()
	r.Use(middleware.Actor)
	r.Get("/health", Health)
	r.Route("/api/v1", func(r chi.Router) {
		Routes(r, NewLedgerHandler(ledger, services.NewReversalEngine(ledger)), NewAccountHandler(accounts))
	})

	return &testServer{router: r, store: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) open(t *testing.T, currency, balance string) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{
		"owner_id":        7,
		"currency":        currency,
		"initial_balance": balance,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var acc models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	return acc.ID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) services.ErrorResponse {
	t.Helper()
	var resp services.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestTransferFlow(t *testing.T) {
	s := newTestServer(t)
	a := s.open(t, "USD", "100.00")
	b := s.open(t, "USD", "")

	body := map[string]any{
		"from_account_id": a,
		"to_account_id":   b,
		"amount":          "50.00",
		"currency":        "USD",
		"idempotency_key": "k-1",
	}

	w := s.do(t, http.MethodPost, "/api/v1/transfers", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var first models.TransferResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, models.StatusCompleted, first.Status)
	assert.Equal(t, "50.00", first.Amount)

	t.Run("replay returns the stored result", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/transfers", body)
		require.Equal(t, http.StatusOK, w.Code)

		var again models.TransferResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
		assert.Equal(t, first.TransactionID, again.TransactionID)
	})

	t.Run("balances", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/balance", a), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var bal models.Balance
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
		assert.Equal(t, "50.00", bal.Balance)
	})

	t.Run("transaction with entries", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/transactions/%d", first.TransactionID), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var detail models.TransactionDetail
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
		assert.Len(t, detail.Entries, 2)
	})

	t.Run("transaction audit", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/transactions/%d/audit", first.TransactionID), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			AuditLogs []models.AuditLog `json:"audit_logs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.AuditLogs, 2)
	})

	t.Run("reverse once", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/transactions/%d/reverse", first.TransactionID)

		w := s.do(t, http.MethodPost, path, map[string]string{"reason": "customer dispute"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = s.do(t, http.MethodPost, path, map[string]string{"reason": "again"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, string(services.KindAlreadyReversed), decodeError(t, w).Code)
	})

	t.Run("history", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/transactions?limit=1", a), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Transactions []models.Transaction `json:"transactions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Transactions, 1)
	})
}

func TestTransfer_IdempotencyKeyHeader(t *testing.T) {
	s := newTestServer(t)
	a := s.open(t, "USD", "10")
	b := s.open(t, "USD", "")

	w := s.do(t, http.MethodPost, "/api/v1/transfers", map[string]any{
		"from_account_id": a,
		"to_account_id":   b,
		"amount":          "1",
		"currency":        "USD",
	}, IdempotencyKeyHeader, "hdr-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	tx, err := s.store.GetTransactionByKey(t.Context(), "hdr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), tx.Amount)
}

func TestTransfer_Errors(t *testing.T) {
	s := newTestServer(t)
	a := s.open(t, "USD", "10")
	b := s.open(t, "USD", "")
	eur := s.open(t, "EUR", "")

	transfer := func(to int64, amount, currency, key string) map[string]any {
		return map[string]any{
			"from_account_id": a,
			"to_account_id":   to,
			"amount":          amount,
			"currency":        currency,
			"idempotency_key": key,
		}
	}

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantKind services.ErrorKind
	}{
		{"malformed json", `{"from_account_id":`, http.StatusBadRequest, services.KindValidation},
		{"unknown field", `{"bogus":1}`, http.StatusBadRequest, services.KindValidation},
		{"two objects", `{} {}`, http.StatusBadRequest, services.KindValidation},
		{"zero amount", transfer(b, "0", "USD", "e-1"), http.StatusBadRequest, services.KindValidation},
		{"missing key", transfer(b, "1", "USD", ""), http.StatusBadRequest, services.KindValidation},
		{"reserved key prefix", transfer(b, "1", "USD", "reversal:1"), http.StatusBadRequest, services.KindValidation},
		{"insufficient funds", transfer(b, "10.01", "USD", "e-2"), http.StatusBadRequest, services.KindInsufficientFunds},
		{"currency mismatch", transfer(eur, "1", "USD", "e-3"), http.StatusBadRequest, services.KindCurrencyMismatch},
		{"unknown account", transfer(9999, "1", "USD", "e-4"), http.StatusNotFound, services.KindInvalidAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/v1/transfers", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantKind), decodeError(t, w).Code)
		})
	}

	t.Run("key reused with another payload", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/transfers", transfer(b, "1", "USD", "dup"))
		require.Equal(t, http.StatusCreated, w.Code)

		w = s.do(t, http.MethodPost, "/api/v1/transfers", transfer(b, "2", "USD", "dup"))
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, string(services.KindDuplicate), decodeError(t, w).Code)
	})
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t)
	id := s.open(t, "USD", "")

	t.Run("get", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", id), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var acc models.Account
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
		assert.Equal(t, models.AccountActive, acc.Status)
	})

	t.Run("list by owner", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/accounts?owner_id=7", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Accounts []models.Account `json:"accounts"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Accounts, 1)

		w = s.do(t, http.MethodGet, "/api/v1/accounts", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/accounts/abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "must be a positive integer", decodeError(t, w).Details["id"])
	})

	t.Run("bad paging", func(t *testing.T) {
		w := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/audit?offset=-1", id), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/accounts/4242", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("status transitions", func(t *testing.T) {
		base := fmt.Sprintf("/api/v1/accounts/%d", id)

		for _, step := range []struct {
			action string
			want   models.AccountStatus
		}{
			{"suspend", models.AccountSuspended},
			{"activate", models.AccountActive},
			{"close", models.AccountClosed},
		} {
			w := s.do(t, http.MethodPost, base+"/"+step.action, nil)
			require.Equal(t, http.StatusOK, w.Code, step.action)

			var acc models.Account
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
			assert.Equal(t, step.want, acc.Status)
		}

		w := s.do(t, http.MethodPost, base+"/activate", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, string(services.KindInvalidState), decodeError(t, w).Code)

		w = s.do(t, http.MethodGet, base+"/audit", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			AuditLogs []models.AuditLog `json:"audit_logs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.AuditLogs, 4)
	})
}

func TestSendError(t *testing.T) {
	t.Run("retryable kinds carry Retry-After", func(t *testing.T) {
		w := httptest.NewRecorder()
		sendError(w, &services.Error{Kind: services.KindConflict, Message: "busy"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, retryAfterSeconds, w.Header().Get("Retry-After"))
		assert.Equal(t, "busy", decodeError(t, w).Error)
	})

	t.Run("internal errors hide their cause", func(t *testing.T) {
		w := httptest.NewRecorder()
		sendError(w, fmt.Errorf("pq: connection refused"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)

		resp := decodeError(t, w)
		assert.Equal(t, "Internal server error", resp.Error)
		assert.Equal(t, string(services.KindInternal), resp.Code)
		assert.Empty(t, w.Header().Get("Retry-After"))
	})

	t.Run("status table", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, statusFor(services.KindNotFound))
		assert.Equal(t, http.StatusConflict, statusFor(services.KindDuplicateInProgress))
		assert.Equal(t, http.StatusTooManyRequests, statusFor(services.KindRateLimited))
		assert.Equal(t, http.StatusInternalServerError, statusFor(services.KindInternal))
	})
}
