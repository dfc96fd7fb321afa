// Package idempotency records the outcome of keyed requests so that a retried
// request observes the original result instead of executing twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

type State string

const (
	// StateFresh means the caller now owns the key and must Finalize or
	// Release it.
	StateFresh     State = "FRESH"
	StateInFlight  State = "IN_FLIGHT"
	StateCompleted State = "COMPLETED"
)

var ErrNotReserved = errors.New("idempotency key is not reserved by this owner")

// Reservation is the outcome of Reserve. Token identifies the owner of a
// Fresh reservation; Response is set for Completed keys.
type Reservation struct {
	State       State
	Token       string
	Fingerprint string
	Response    []byte
	ExpiresAt   time.Time
}

// Store is a single-writer-wins map from key to outcome.
type Store interface {
	// Reserve atomically claims key. An in-flight reservation older than the
	// in-flight timeout, or a completed one past retention, is taken over.
	Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error)
	// Finalize stores the response for a reservation and marks it completed.
	Finalize(ctx context.Context, key, token string, response []byte) error
	// Release drops an in-flight reservation after a failed attempt.
	Release(ctx context.Context, key, token string) error
	// Sweep deletes expired completed keys and abandoned in-flight keys.
	Sweep(ctx context.Context) (int64, error)
}

// Options bound how long keys live.
type Options struct {
	Retention       time.Duration
	InFlightTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.InFlightTimeout <= 0 {
		o.InFlightTimeout = 30 * time.Second
	}
	return o
}

// Fingerprint hashes the canonical fields of a request so that reuse of a
// key with a different payload can be detected.
func Fingerprint(fields ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}
