package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEventSink struct {
	mock.Mock
}

func (m *MockEventSink) Dispatch(e events.Event) {
	m.Called(e)
}

// brokenAuditStore fails every audit write while delegating everything
// else to the wrapped store.
type brokenAuditStore struct {
	*store.MemoryStore
}

type brokenAuditTx struct {
	store.Tx
}

func (brokenAuditTx) AppendAudit(context.Context, ...*models.AuditLog) error {
	return errors.New("audit_logs unavailable")
}

func (s brokenAuditStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, brokenAuditTx{tx})
	})
}

type fixture struct {
	store    *store.MemoryStore
	keys     *idempotency.MemoryStore
	sink     *MockEventSink
	ledger   *LedgerEngine
	reversal *ReversalEngine
	accounts *AccountService
	hook     *test.Hook
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	mandatoryAudit bool
	brokenAudit    bool
	inFlightWait   time.Duration
}

func withMandatoryAudit() fixtureOption {
	return func(c *fixtureConfig) { c.mandatoryAudit = true }
}

func withBrokenAudit() fixtureOption {
	return func(c *fixtureConfig) { c.brokenAudit = true }
}

func withInFlightWait(d time.Duration) fixtureOption {
	return func(c *fixtureConfig) { c.inFlightWait = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	var cfg fixtureConfig
	for _, o := range opts {
		o(&cfg)
	}

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	mem := store.NewMemoryStore(time.Second)
	var st store.Store = mem
	if cfg.brokenAudit {
		st = brokenAuditStore{mem}
	}

	keys := idempotency.NewMemoryStore(idempotency.Options{})
	sink := &MockEventSink{}
	sink.On("Dispatch", mock.Anything).Return()

	recorder := audit.NewRecorder(mem, cfg.mandatoryAudit, log)
	ledger := NewLedgerEngine(st, keys, recorder, sink, LedgerOptions{
		InFlightWait: cfg.inFlightWait,
		PollInterval: 5 * time.Millisecond,
		Retry:        RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}, log)

	return &fixture{
		store:    mem,
		keys:     keys,
		sink:     sink,
		ledger:   ledger,
		reversal: NewReversalEngine(ledger),
		accounts: NewAccountService(mem, audit.NewRecorder(mem, false, log), log),
		hook:     hook,
	}
}

func (f *fixture) open(t *testing.T, currency, balance string) int64 {
	t.Helper()
	acc, err := f.accounts.OpenAccount(context.Background(), models.OpenAccountRequest{
		OwnerID:        1,
		Currency:       currency,
		InitialBalance: balance,
	})
	require.NoError(t, err)
	return acc.ID
}

func (f *fixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func transferReq(from, to int64, amount, key string) models.TransferRequest {
	return models.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    to,
		Amount:         amount,
		Currency:       "USD",
		IdempotencyKey: key,
		Actor:          models.Actor{ID: "user-1", RequestID: "req-1"},
	}
}
