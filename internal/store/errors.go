package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrLockTimeout         = errors.New("timed out waiting for row lock")
	ErrVersionConflict     = errors.New("optimistic lock failed")
	ErrSerialization       = errors.New("transaction could not be serialized")
	ErrDuplicateKey        = errors.New("idempotency key already used")
	ErrReversalExists      = errors.New("transaction already has a reversal")
	ErrNotLocked           = errors.New("account is not locked by this transaction")
)

// Postgres error codes the ledger reacts to.
const (
	pqUniqueViolation     = "23505"
	pqCheckViolation      = "23514"
	pqLockNotAvailable    = "55P03"
	pqDeadlockDetected    = "40P01"
	pqSerializationFailed = "40001"
	pqQueryCanceled       = "57014"
)

const (
	constraintIdempotencyKey = "transactions_idempotency_key_key"
	constraintReversesID     = "transactions_reverses_id_key"
	constraintBalanceFloor   = "accounts_balance_floor"
)

// mapError translates driver errors into store sentinels. Errors it does not
// recognise are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			switch pqErr.Constraint {
			case constraintReversesID:
				return fmt.Errorf("%w: %s", ErrReversalExists, pqErr.Message)
			default:
				return fmt.Errorf("%w: %s", ErrDuplicateKey, pqErr.Message)
			}
		case pqCheckViolation:
			if pqErr.Constraint == constraintBalanceFloor {
				return fmt.Errorf("%w: %s", ErrInsufficientFunds, pqErr.Message)
			}
		case pqLockNotAvailable, pqQueryCanceled:
			return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
		case pqDeadlockDetected, pqSerializationFailed:
			return fmt.Errorf("%w: %s", ErrSerialization, pqErr.Message)
		}
	}

	return err
}

// IsConflict reports whether err is a transient locking failure that can be
// resolved by retrying the whole unit of work.
func IsConflict(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrSerialization) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
