package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, s *MemoryStore, balance int64) int64 {
	t.Helper()
	var id int64
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		acc := &models.Account{OwnerID: 1, Currency: "USD", Balance: balance}
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		id = acc.ID
		return nil
	})
	require.NoError(t, err)
	return id
}

func TestMemoryStore_ApplyDeltaCommits(t *testing.T) {
	s := NewMemoryStore(time.Second)
	a := seedAccount(t, s, 10000)
	b := seedAccount(t, s, 0)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockAccounts(ctx, b, a)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), locked[a].Balance)

		if _, err := tx.ApplyDelta(ctx, a, -2500); err != nil {
			return err
		}
		_, err = tx.ApplyDelta(ctx, b, 2500)
		return err
	})
	require.NoError(t, err)

	accA, _ := s.GetAccount(context.Background(), a)
	accB, _ := s.GetAccount(context.Background(), b)
	assert.Equal(t, int64(7500), accA.Balance)
	assert.Equal(t, int64(2500), accB.Balance)
	assert.Equal(t, int64(1), accA.Version)
}

func TestMemoryStore_InsufficientFundsLeavesStateUntouched(t *testing.T) {
	s := NewMemoryStore(time.Second)
	a := seedAccount(t, s, 100)
	before := s.Snapshot()

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAccounts(ctx, a); err != nil {
			return err
		}
		_, err := tx.ApplyDelta(ctx, a, -101)
		return err
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, before, s.Snapshot())
}

func TestMemoryStore_OverdraftFloor(t *testing.T) {
	s := NewMemoryStore(time.Second)
	var id int64
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		acc := &models.Account{OwnerID: 1, Currency: "USD", OverdraftLimit: 500}
		err := tx.CreateAccount(ctx, acc)
		id = acc.ID
		return err
	}))

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAccounts(ctx, id); err != nil {
			return err
		}
		bal, err := tx.ApplyDelta(ctx, id, -500)
		assert.Equal(t, int64(-500), bal)
		return err
	})
	require.NoError(t, err)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore(time.Second)
	a := seedAccount(t, s, 1000)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockAccounts(ctx, a); err != nil {
			return err
		}
		if _, err := tx.ApplyDelta(ctx, a, -400); err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, &models.Transaction{IdempotencyKey: "k1", Amount: 400}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	bal, err := s.GetBalance(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal)

	_, err = s.GetTransactionByKey(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	// the key reservation is dropped on rollback
	err = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.CreateTransaction(ctx, &models.Transaction{IdempotencyKey: "k1", Amount: 400})
	})
	assert.NoError(t, err)
}

func TestMemoryStore_ApplyDeltaRequiresLock(t *testing.T) {
	s := NewMemoryStore(time.Second)
	a := seedAccount(t, s, 1000)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.ApplyDelta(ctx, a, 10)
		return err
	})
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestMemoryStore_LockAccountNotFound(t *testing.T) {
	s := NewMemoryStore(time.Second)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccounts(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStore_LockTimeout(t *testing.T) {
	s := NewMemoryStore(20 * time.Millisecond)
	a := seedAccount(t, s, 1000)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			_, err := tx.LockAccounts(ctx, a)
			close(held)
			<-done
			return err
		})
	}()
	<-held

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccounts(ctx, a)
		return err
	})
	close(done)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsConflict(err))
}

func TestMemoryStore_LockRespectsContext(t *testing.T) {
	s := NewMemoryStore(0)
	a := seedAccount(t, s, 1000)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
			_, err := tx.LockAccounts(ctx, a)
			close(held)
			<-done
			return err
		})
	}()
	<-held
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.LockAccounts(ctx, a)
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_OppositeLockOrderDoesNotDeadlock(t *testing.T) {
	s := NewMemoryStore(time.Second)
	a := seedAccount(t, s, 100000)
	b := seedAccount(t, s, 100000)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
				if _, err := tx.LockAccounts(ctx, a, b); err != nil {
					return err
				}
				if _, err := tx.ApplyDelta(ctx, a, -1); err != nil {
					return err
				}
				_, err := tx.ApplyDelta(ctx, b, 1)
				return err
			})
		}()
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
				if _, err := tx.LockAccounts(ctx, b, a); err != nil {
					return err
				}
				if _, err := tx.ApplyDelta(ctx, b, -1); err != nil {
					return err
				}
				_, err := tx.ApplyDelta(ctx, a, 1)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	snap := s.Snapshot()
	assert.Equal(t, int64(200000), snap.Accounts[a].Balance+snap.Accounts[b].Balance)
}

func TestMemoryStore_DuplicateKeyAndReversal(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()

	var origID int64
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		orig := &models.Transaction{IdempotencyKey: "k1", Amount: 10, Status: models.StatusCompleted}
		err := tx.CreateTransaction(ctx, orig)
		origID = orig.ID
		return err
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.CreateTransaction(ctx, &models.Transaction{IdempotencyKey: "k1", Amount: 10})
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.LockTransaction(ctx, origID); err != nil {
			return err
		}
		if _, err := tx.ReversalOf(ctx, origID); !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		rev := &models.Transaction{IdempotencyKey: "reversal:1", Amount: 10, ReversesID: &origID}
		if err := tx.CreateTransaction(ctx, rev); err != nil {
			return err
		}
		return tx.MarkTransaction(ctx, origID, models.StatusReversed, nil)
	}))

	orig, err := s.GetTransaction(ctx, origID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReversed, orig.Status)

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		rev, err := tx.ReversalOf(ctx, origID)
		require.NoError(t, err)
		assert.Equal(t, "reversal:1", rev.IdempotencyKey)
		return tx.CreateTransaction(ctx, &models.Transaction{IdempotencyKey: "reversal:again", ReversesID: &origID})
	})
	assert.ErrorIs(t, err, ErrReversalExists)
}

func TestMemoryStore_Listings(t *testing.T) {
	s := NewMemoryStore(time.Second)
	ctx := context.Background()
	a := seedAccount(t, s, 1000)
	b := seedAccount(t, s, 1000)

	for i, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			txn := &models.Transaction{FromAccountID: a, ToAccountID: b, Amount: int64(i + 1), IdempotencyKey: key}
			if err := tx.CreateTransaction(ctx, txn); err != nil {
				return err
			}
			txID := txn.ID
			if err := tx.InsertEntries(ctx,
				&models.Entry{TransactionID: txID, AccountID: a, Type: models.EntryDebit, Amount: txn.Amount},
				&models.Entry{TransactionID: txID, AccountID: b, Type: models.EntryCredit, Amount: txn.Amount},
			); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, &models.AuditLog{TransactionID: &txID, AccountID: a, Action: models.ActionTransferDebit})
		}))
	}

	txs, err := s.ListTransactions(ctx, b, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "k3", txs[0].IdempotencyKey)

	txs, err = s.ListTransactions(ctx, a, 10, 2)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "k1", txs[0].IdempotencyKey)

	entries, err := s.ListEntries(ctx, txs[0].ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	logs, err := s.AuditByTransaction(ctx, txs[0].ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	logs, err = s.AuditByAccount(ctx, a, 0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	accounts, err := s.ListAccountsByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}
