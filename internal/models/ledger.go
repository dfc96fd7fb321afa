package models

import (
	"fmt"
	"time"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
	AccountClosed    AccountStatus = "CLOSED"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Account balances are kept in minor units of Currency.
type Account struct {
	ID             int64         `json:"id" db:"id"`
	OwnerID        int64         `json:"owner_id" db:"owner_id"`
	Currency       string        `json:"currency" db:"currency"`
	Balance        int64         `json:"balance" db:"balance"`
	OverdraftLimit int64         `json:"overdraft_limit" db:"overdraft_limit"`
	Status         AccountStatus `json:"status" db:"status"`
	Version        int64         `json:"version" db:"version"` // for optimistic locking
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Available is the amount that can still be debited.
func (a *Account) Available() int64 {
	return a.Balance + a.OverdraftLimit
}

// Permits reports whether applying delta keeps the balance at or above the
// overdraft floor.
func (a *Account) Permits(delta int64) bool {
	return a.Balance+delta >= -a.OverdraftLimit
}

// Entry is one side of a double-entry posting.
type Entry struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID int64     `json:"transaction_id" db:"transaction_id"`
	AccountID     int64     `json:"account_id" db:"account_id"`
	Type          EntryType `json:"entry_type" db:"entry_type"`
	Amount        int64     `json:"amount" db:"amount"` // minor units, always positive
	Currency      string    `json:"currency" db:"currency"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Signed returns the entry amount as seen by the account balance.
func (e Entry) Signed() int64 {
	if e.Type == EntryDebit {
		return -e.Amount
	}
	return e.Amount
}

// CheckBalanced verifies that a transaction's entries are exactly one
// debit and one credit that sum to zero.
func CheckBalanced(entries []*Entry) error {
	var debits, credits int
	var sum int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return fmt.Errorf("entry for account %d has non-positive amount %d", e.AccountID, e.Amount)
		}
		switch e.Type {
		case EntryDebit:
			debits++
		case EntryCredit:
			credits++
		default:
			return fmt.Errorf("unknown entry type %q", e.Type)
		}
		sum += e.Signed()
	}

	if debits != 1 || credits != 1 {
		return fmt.Errorf("expected one debit and one credit, got %d and %d", debits, credits)
	}
	if sum != 0 {
		return fmt.Errorf("entries do not balance: %d", sum)
	}
	return nil
}
