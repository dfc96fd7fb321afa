package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxReserveAttempts = 3

// PostgresStore keeps keys in the idempotency_keys table.
type PostgresStore struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

func NewPostgresStore(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{
		db:   db,
		opts: opts.withDefaults(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		now := s.now()
		token := uuid.NewString()
		expiresAt := now.Add(s.opts.Retention)

		result, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, fingerprint, state, token, locked_at, expires_at, created_at, updated_at)
			VALUES ($1, $2, 'IN_FLIGHT', $3, $4, $5, $4, $4)
			ON CONFLICT (key) DO NOTHING`,
			key, fingerprint, token, now, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 1 {
			return &Reservation{State: StateFresh, Token: token, Fingerprint: fingerprint, ExpiresAt: expiresAt}, nil
		}

		var (
			storedFingerprint string
			state             State
			storedToken       string
			response          []byte
			lockedAt          time.Time
			storedExpiry      time.Time
		)
		err = s.db.QueryRowContext(ctx, `
			SELECT fingerprint, state, token, response, locked_at, expires_at
			FROM idempotency_keys
			WHERE key = $1`, key).
			Scan(&storedFingerprint, &state, &storedToken, &response, &lockedAt, &storedExpiry)
		if errors.Is(err, sql.ErrNoRows) {
			// swept between the insert and the read
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read idempotency key: %w", err)
		}

		if !s.expired(state, lockedAt, storedExpiry, now) {
			if state == StateCompleted {
				return &Reservation{
					State:       StateCompleted,
					Fingerprint: storedFingerprint,
					Response:    response,
					ExpiresAt:   storedExpiry,
				}, nil
			}
			return &Reservation{State: StateInFlight, Fingerprint: storedFingerprint}, nil
		}

		result, err = s.db.ExecContext(ctx, `
			UPDATE idempotency_keys
			SET fingerprint = $2, state = 'IN_FLIGHT', token = $3, response = NULL,
				locked_at = $4, expires_at = $5, updated_at = $4
			WHERE key = $1 AND token = $6`,
			key, fingerprint, token, now, expiresAt, storedToken)
		if err != nil {
			return nil, fmt.Errorf("take over idempotency key: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 1 {
			return &Reservation{State: StateFresh, Token: token, Fingerprint: fingerprint, ExpiresAt: expiresAt}, nil
		}
	}

	return &Reservation{State: StateInFlight, Fingerprint: fingerprint}, nil
}

func (s *PostgresStore) expired(state State, lockedAt, expiresAt, now time.Time) bool {
	if state == StateCompleted {
		return !now.Before(expiresAt)
	}
	return !now.Before(lockedAt.Add(s.opts.InFlightTimeout))
}

func (s *PostgresStore) Finalize(ctx context.Context, key, token string, response []byte) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET state = 'COMPLETED', response = $3, expires_at = $4, updated_at = $5
		WHERE key = $1 AND token = $2 AND state = 'IN_FLIGHT'`,
		key, token, string(response), now.Add(s.opts.Retention), now)
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	return requireOneRow(result)
}

func (s *PostgresStore) Release(ctx context.Context, key, token string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1 AND token = $2 AND state = 'IN_FLIGHT'`,
		key, token)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return requireOneRow(result)
}

func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE (state = 'COMPLETED' AND expires_at <= $1)
		   OR (state = 'IN_FLIGHT' AND locked_at <= $2)`,
		now, now.Add(-s.opts.InFlightTimeout))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}
