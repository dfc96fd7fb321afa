package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Audit actions written by the ledger.
const (
	ActionTransferDebit  = "TRANSFER_DEBIT"
	ActionTransferCredit = "TRANSFER_CREDIT"
	ActionReversalDebit  = "REVERSAL_DEBIT"
	ActionReversalCredit = "REVERSAL_CREDIT"
	ActionAccountOpened  = "ACCOUNT_OPENED"
	ActionStatusChanged  = "STATUS_CHANGED"
)

// Actor identifies who caused a balance-affecting event.
type Actor struct {
	ID        string `json:"actor_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// AuditLog is an append-only record of a balance or status change.
type AuditLog struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID *int64    `json:"transaction_id,omitempty" db:"transaction_id"`
	AccountID     int64     `json:"account_id" db:"account_id"`
	Action        string    `json:"action" db:"action"`
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	Actor         Actor     `json:"actor"`
	Metadata      Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
