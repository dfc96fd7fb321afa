package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, &buf))
	return w
}

func openAccount(t *testing.T, h http.Handler, balance string) int64 {
	t.Helper()
	w := post(t, h, "/api/v1/accounts", map[string]any{"owner_id": 1, "currency": "USD", "initial_balance": balance})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var acc models.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acc))
	return acc.ID
}

func TestNew_MemoryDriver(t *testing.T) {
	log, _ := test.NewNullLogger()
	a, err := New(context.Background(), memoryConfig(t), log)
	require.NoError(t, err)
	require.NoError(t, a.StartJobs())

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &idempotency.MemoryStore{}, a.Keys)

	h := a.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	from := openAccount(t, h, "20")
	to := openAccount(t, h, "")

	w = post(t, h, "/api/v1/transfers", map[string]any{
		"from_account_id": from,
		"to_account_id":   to,
		"amount":          "5",
		"currency":        "USD",
		"idempotency_key": "app-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.NoError(t, a.Close(context.Background()))
}

func TestNew_RedisBackedCacheAndEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Host = mr.Host()
	cfg.Redis.Port = mr.Port()

	log, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NotNil(t, a.Redis)
	assert.IsType(t, &idempotency.CachedStore{}, a.Keys)

	h := a.Handler()
	from := openAccount(t, h, "20")
	to := openAccount(t, h, "")

	w := post(t, h, "/api/v1/transfers", map[string]any{
		"from_account_id": from,
		"to_account_id":   to,
		"amount":          "5",
		"currency":        "USD",
		"idempotency_key": "app-2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Close drains the dispatcher before the redis client goes away.
	require.NoError(t, a.Close(context.Background()))

	queued, err := mr.List(cfg.Events.Queue)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Contains(t, queued[0], `"type":"transfer.completed"`)
}

func TestStartJobs_BadSchedule(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Idempotency.SweepSchedule = "every so often"

	log, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	defer a.Close(context.Background())

	assert.Error(t, a.StartJobs())
}
