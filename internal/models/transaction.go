package models

import (
	"time"
)

type TransactionType string

const (
	TransactionTransfer TransactionType = "TRANSFER"
	TransactionReversal TransactionType = "REVERSAL"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

// Transaction represents a ledger movement between two accounts
type Transaction struct {
	ID             int64             `json:"id" db:"id"`
	FromAccountID  int64             `json:"from_account_id" db:"from_account_id"`
	ToAccountID    int64             `json:"to_account_id" db:"to_account_id"`
	Amount         int64             `json:"amount" db:"amount"` // minor units
	Currency       string            `json:"currency" db:"currency"`
	Type           TransactionType   `json:"type" db:"type"`
	Status         TransactionStatus `json:"status" db:"status"`
	IdempotencyKey string            `json:"idempotency_key" db:"idempotency_key"`
	ReferenceID    string            `json:"reference_id,omitempty" db:"reference_id"`
	Description    string            `json:"description,omitempty" db:"description"`
	ReversesID     *int64            `json:"reverses_id,omitempty" db:"reverses_id"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}

// TransactionDetail is a transaction together with its entries.
type TransactionDetail struct {
	Transaction
	Entries []Entry `json:"entries"`
}

// TransferRequest is the input to a transfer. Amount is a decimal string in
// major units of Currency.
type TransferRequest struct {
	FromAccountID  int64  `json:"from_account_id" validate:"required,gt=0"`
	ToAccountID    int64  `json:"to_account_id" validate:"required,gt=0,nefield=FromAccountID"`
	Amount         string `json:"amount" validate:"required,max=32"`
	Currency       string `json:"currency" validate:"required,len=3,uppercase"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255,startsnotwith=reversal:"`
	Description    string `json:"description,omitempty" validate:"max=500"`
	ReferenceID    string `json:"reference_id,omitempty" validate:"max=100"`
	Actor          Actor  `json:"-" validate:"-"`
}

// TransferResult is the stored outcome of a transfer. Replays of the same
// idempotency key return it unchanged.
type TransferResult struct {
	TransactionID int64             `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	FromAccountID int64             `json:"from_account_id"`
	ToAccountID   int64             `json:"to_account_id"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	CreatedAt     time.Time         `json:"created_at"`
	Replayed      bool              `json:"-"`
}

type ReverseRequest struct {
	TransactionID int64  `json:"-" validate:"required,gt=0"`
	Reason        string `json:"reason" validate:"required,max=500"`
	Actor         Actor  `json:"-" validate:"-"`
}

type ReversalResult struct {
	NewTransactionID      int64             `json:"new_transaction_id"`
	Status                TransactionStatus `json:"status"`
	ReversedTransactionID int64             `json:"reversed_transaction_id"`
	Amount                string            `json:"amount"`
	Currency              string            `json:"currency"`
	CreatedAt             time.Time         `json:"created_at"`
}
