package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruralpay/ledger/internal/store"
)

// ErrorKind classifies every error the ledger returns to callers.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindInvalidAccount      ErrorKind = "INVALID_ACCOUNT"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindCurrencyMismatch    ErrorKind = "CURRENCY_MISMATCH"
	KindInsufficientFunds   ErrorKind = "INSUFFICIENT_FUNDS"
	KindDuplicate           ErrorKind = "DUPLICATE_TRANSACTION"
	KindDuplicateInProgress ErrorKind = "DUPLICATE_IN_PROGRESS"
	KindConflict            ErrorKind = "CONCURRENCY_CONFLICT"
	KindAlreadyReversed     ErrorKind = "ALREADY_REVERSED"
	KindInvalidState        ErrorKind = "INVALID_STATE"
	KindRateLimited         ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindInternal            ErrorKind = "INTERNAL"
)

// Error is the ledger's error type. Fields carries per-field validation
// messages.
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err == nil {
		return msg
	}
	// Store sentinels often read the same as the message; print them once.
	cause := e.Err.Error()
	if strings.HasPrefix(cause, msg) {
		return cause
	}
	return msg + ": " + cause
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err,
// ErrInsufficientFunds) works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInvalidAccount      = &Error{Kind: KindInvalidAccount}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrCurrencyMismatch    = &Error{Kind: KindCurrencyMismatch}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrDuplicate           = &Error{Kind: KindDuplicate}
	ErrDuplicateInProgress = &Error{Kind: KindDuplicateInProgress}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrAlreadyReversed     = &Error{Kind: KindAlreadyReversed}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrInternal            = &Error{Kind: KindInternal}
)

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDuplicateInProgress, KindConflict:
		return true
	}
	return false
}

// translate maps store errors onto the ledger taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return wrapError(KindInvalidAccount, err, "account does not exist")
	case errors.Is(err, store.ErrTransactionNotFound):
		return wrapError(KindNotFound, err, "transaction does not exist")
	case errors.Is(err, store.ErrInsufficientFunds):
		return wrapError(KindInsufficientFunds, err, "insufficient funds")
	case errors.Is(err, store.ErrDuplicateKey):
		return wrapError(KindDuplicate, err, "idempotency key already used")
	case errors.Is(err, store.ErrReversalExists):
		return wrapError(KindAlreadyReversed, err, "transaction already reversed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return wrapError(KindConflict, err, "gave up waiting for account locks")
	case store.IsConflict(err):
		return wrapError(KindConflict, err, "concurrent update, retry the request")
	case errors.Is(err, store.ErrBalanceOverflow):
		return wrapError(KindValidation, err, "amount would overflow the account balance")
	}
	return wrapError(KindInternal, err, "internal error")
}
