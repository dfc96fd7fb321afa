package services

import (
	"context"
	"testing"
	"time"

	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestReversalEngine_Reverse(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the inverse and links it to the original", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "20.00")
		b := f.open(t, "USD", "5.00")

		orig, err := f.ledger.Transfer(ctx, transferReq(a, b, "7.25", "rev-1"))
		require.NoError(t, err)

		res, err := f.reversal.Reverse(ctx, models.ReverseRequest{
			TransactionID: orig.TransactionID,
			Reason:        "customer dispute",
			Actor:         models.Actor{ID: "ops-7"},
		})
		require.NoError(t, err)
		assert.Equal(t, "7.25", res.Amount)
		assert.Equal(t, int64(2000), f.balance(t, a))
		assert.Equal(t, int64(500), f.balance(t, b))

		original, err := f.ledger.GetTransaction(ctx, orig.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusReversed, original.Status)

		rev, err := f.ledger.GetTransaction(ctx, res.NewTransactionID)
		require.NoError(t, err)
		assert.Equal(t, models.TransactionReversal, rev.Type)
		assert.Equal(t, b, rev.FromAccountID)
		assert.Equal(t, a, rev.ToAccountID)
		require.NotNil(t, rev.ReversesID)
		assert.Equal(t, orig.TransactionID, *rev.ReversesID)
		assert.Equal(t, "reversal:1", rev.IdempotencyKey)
		assert.Equal(t, "REV-1", rev.ReferenceID)
		assert.Equal(t, "Reversal of transaction 1: customer dispute", rev.Description)
		assert.Len(t, rev.Entries, 2)

		logs, err := f.ledger.TransactionAudit(ctx, res.NewTransactionID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, models.ActionReversalDebit, logs[0].Action)
		assert.Equal(t, "ops-7", logs[0].Actor.ID)

		f.sink.AssertCalled(t, "Dispatch", mock.MatchedBy(func(e events.Event) bool {
			return e.Type == events.TransactionReversed &&
				e.ReversedTransactionID != nil && *e.ReversedTransactionID == orig.TransactionID
		}))
	})

	t.Run("transfer keys cannot claim a reversal key", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "100.00")
		b := f.open(t, "USD", "")

		orig, err := f.ledger.Transfer(ctx, transferReq(a, b, "50.00", "k1"))
		require.NoError(t, err)

		_, err = f.ledger.Transfer(ctx, transferReq(a, b, "1.00", reversalKey(orig.TransactionID)))
		require.ErrorIs(t, err, ErrValidation)
		var verr *Error
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "IdempotencyKey")
		assert.Equal(t, int64(5000), f.balance(t, a))

		res, err := f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: orig.TransactionID, Reason: "test"})
		require.NoError(t, err)
		assert.Equal(t, orig.TransactionID, res.ReversedTransactionID)
		assert.Equal(t, int64(10000), f.balance(t, a))
		assert.Equal(t, int64(0), f.balance(t, b))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: 42, Reason: "nope"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("reason is required", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: 1})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("only completed transactions", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "1.00")
		b := f.open(t, "USD", "0")

		var failedID int64
		err := f.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			failed := &models.Transaction{
				FromAccountID: a, ToAccountID: b, Amount: 100, Currency: "USD",
				Type: models.TransactionTransfer, Status: models.StatusFailed,
				IdempotencyKey: "failed-1", CreatedAt: time.Now().UTC(),
			}
			if err := tx.CreateTransaction(ctx, failed); err != nil {
				return err
			}
			failedID = failed.ID
			return nil
		})
		require.NoError(t, err)

		_, err = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: failedID, Reason: "x"})
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("reversal may itself be reversed", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "10.00")
		b := f.open(t, "USD", "0")

		orig, err := f.ledger.Transfer(ctx, transferReq(a, b, "4.00", "rr"))
		require.NoError(t, err)
		rev, err := f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: orig.TransactionID, Reason: "oops"})
		require.NoError(t, err)
		_, err = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: rev.NewTransactionID, Reason: "oops again"})
		require.NoError(t, err)

		assert.Equal(t, int64(600), f.balance(t, a))
		assert.Equal(t, int64(400), f.balance(t, b))
	})

	t.Run("recipient without funds", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "10.00")
		b := f.open(t, "USD", "0")
		c := f.open(t, "USD", "0")

		orig, err := f.ledger.Transfer(ctx, transferReq(a, b, "10.00", "spent-1"))
		require.NoError(t, err)
		_, err = f.ledger.Transfer(ctx, transferReq(b, c, "10.00", "spent-2"))
		require.NoError(t, err)
		before := f.store.Snapshot()

		_, err = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: orig.TransactionID, Reason: "late"})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, before, f.store.Snapshot())
	})

	t.Run("suspended accounts can be compensated but closed ones cannot", func(t *testing.T) {
		f := newFixture(t)
		a := f.open(t, "USD", "10.00")
		b := f.open(t, "USD", "0")

		first, err := f.ledger.Transfer(ctx, transferReq(a, b, "3.00", "s-1"))
		require.NoError(t, err)
		_, err = f.accounts.Suspend(ctx, b, models.Actor{})
		require.NoError(t, err)
		_, err = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: first.TransactionID, Reason: "fraud"})
		require.NoError(t, err)

		_, err = f.accounts.Activate(ctx, b, models.Actor{})
		require.NoError(t, err)
		second, err := f.ledger.Transfer(ctx, transferReq(a, b, "10.00", "s-2"))
		require.NoError(t, err)
		_, err = f.accounts.Close(ctx, a, models.Actor{})
		require.NoError(t, err)

		_, err = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: second.TransactionID, Reason: "closed"})
		assert.ErrorIs(t, err, ErrInvalidAccount)
	})
}

func TestReversalEngine_ConcurrentReversalsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, "USD", "10.00")
	b := f.open(t, "USD", "0")

	orig, err := f.ledger.Transfer(ctx, transferReq(a, b, "5.00", "once"))
	require.NoError(t, err)

	const callers = 8
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, errs[i] = f.reversal.Reverse(ctx, models.ReverseRequest{TransactionID: orig.TransactionID, Reason: "race"})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyReversed)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(1000), f.balance(t, a))
	assert.Equal(t, int64(0), f.balance(t, b))
}
