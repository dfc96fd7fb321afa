// Package store persists accounts, transactions, entries and audit rows.
// It holds no business rules beyond the balance floor; callers decide what
// to lock and what to write.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

// Reader serves lookups outside of a unit of work.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetBalance(ctx context.Context, id int64) (int64, error)
	ListAccountsByOwner(ctx context.Context, ownerID int64) ([]models.Account, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error)
	ListEntries(ctx context.Context, transactionID int64) ([]models.Entry, error)
	AuditByTransaction(ctx context.Context, transactionID int64) ([]models.AuditLog, error)
	AuditByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error)
}

// Tx is a unit of work. Everything written through a Tx commits together or
// not at all, and row locks are held until the unit ends.
type Tx interface {
	// LockAccounts locks the given accounts in ascending id order and returns
	// snapshots keyed by id. Ids already locked by this Tx are skipped.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error)
	// ApplyDelta adds a signed amount to a locked account and returns the new
	// balance. It fails with ErrInsufficientFunds without changing anything
	// if the result would drop below the overdraft floor.
	ApplyDelta(ctx context.Context, accountID, delta int64) (int64, error)
	SetAccountStatus(ctx context.Context, accountID int64, status models.AccountStatus) error
	CreateAccount(ctx context.Context, account *models.Account) error

	LockTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	// ReversalOf returns the transaction that reverses id, or
	// ErrTransactionNotFound when there is none.
	ReversalOf(ctx context.Context, id int64) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, t *models.Transaction) error
	MarkTransaction(ctx context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error
	InsertEntries(ctx context.Context, entries ...*models.Entry) error

	AppendAudit(ctx context.Context, logs ...*models.AuditLog) error
}

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	Reader
	// WithinTx runs fn in a unit of work and commits when fn returns nil.
	// ctx bounds lock waits only; once begun, the unit is not interrupted by
	// cancellation of ctx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func nextBalance(acc *models.Account, delta int64) (int64, error) {
	next := acc.Balance + delta
	if (delta > 0 && next < acc.Balance) || (delta < 0 && next > acc.Balance) {
		return 0, ErrBalanceOverflow
	}
	if !acc.Permits(delta) {
		return 0, ErrInsufficientFunds
	}
	return next, nil
}
