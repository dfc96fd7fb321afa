package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

const (
	accountColumns     = `id, owner_id, currency, balance, overdraft_limit, status, version, created_at, updated_at`
	transactionColumns = `id, from_account_id, to_account_id, amount, currency, type, status, idempotency_key, reference_id, description, reverses_id, created_at, completed_at`
	entryColumns       = `id, transaction_id, account_id, entry_type, amount, currency, created_at`
	auditColumns       = `id, transaction_id, account_id, action, balance_before, balance_after, actor_id, ip_address, user_agent, request_id, metadata, created_at`
)

// PostgresStore is the production Store backed by lib/pq.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresStore returns a store on db. lockTimeout bounds every row lock
// wait inside a unit of work; zero leaves the server default.
func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Currency, &a.Balance, &a.OverdraftLimit,
		&a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.Currency,
		&t.Type, &t.Status, &t.IdempotencyKey, &t.ReferenceID, &t.Description,
		&t.ReversesID, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var e models.Entry
	err := row.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Type, &e.Amount, &e.Currency, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanAudit(row rowScanner) (*models.AuditLog, error) {
	var l models.AuditLog
	err := row.Scan(&l.ID, &l.TransactionID, &l.AccountID, &l.Action, &l.BalanceBefore, &l.BalanceAfter,
		&l.Actor.ID, &l.Actor.IPAddress, &l.Actor.UserAgent, &l.Actor.RequestID, &l.Metadata, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return acc, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, id int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		return 0, notFound(err, ErrAccountNotFound)
	}
	return balance, nil
}

func (s *PostgresStore) ListAccountsByOwner(ctx context.Context, ownerID int64) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return t, nil
}

func (s *PostgresStore) GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE from_account_id = $1 OR to_account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) ListEntries(ctx context.Context, transactionID int64) ([]models.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) AuditByTransaction(ctx context.Context, transactionID int64) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_logs WHERE transaction_id = $1 ORDER BY id`, transactionID)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func (s *PostgresStore) AuditByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func collectAudit(rows *sql.Rows) ([]models.AuditLog, error) {
	defer rows.Close()

	var logs []models.AuditLog
	for rows.Next() {
		l, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

// WithinTx begins a database transaction detached from ctx cancellation so
// that a unit holding row locks always ends in an explicit commit or
// rollback. ctx is still passed to fn for lock waits.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return mapError(err)
		}
	}

	if err := fn(ctx, &pgTx{tx: sqlTx, locked: make(map[int64]*models.Account)}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

type pgTx struct {
	tx     *sql.Tx
	locked map[int64]*models.Account
}

func (t *pgTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	for _, id := range sortedUnique(ids) {
		if _, ok := t.locked[id]; ok {
			continue
		}
		acc, err := scanAccount(t.tx.QueryRowContext(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE id = $1
			FOR UPDATE`, id))
		if err != nil {
			return nil, mapError(notFound(err, ErrAccountNotFound))
		}
		t.locked[id] = acc
	}

	out := make(map[int64]*models.Account, len(ids))
	for _, id := range ids {
		snapshot := *t.locked[id]
		out[id] = &snapshot
	}
	return out, nil
}

func (t *pgTx) ApplyDelta(ctx context.Context, accountID, delta int64) (int64, error) {
	acc, ok := t.locked[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotLocked, accountID)
	}

	next, err := nextBalance(acc, delta)
	if err != nil {
		return 0, fmt.Errorf("account %d: %w", accountID, err)
	}

	now := time.Now().UTC()
	if err := t.updateAccount(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		accountID, next, now, accountID, acc.Version); err != nil {
		return 0, err
	}

	acc.Balance = next
	acc.Version++
	acc.UpdatedAt = now
	return next, nil
}

func (t *pgTx) SetAccountStatus(ctx context.Context, accountID int64, status models.AccountStatus) error {
	acc, ok := t.locked[accountID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotLocked, accountID)
	}

	now := time.Now().UTC()
	if err := t.updateAccount(ctx, `
		UPDATE accounts
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		accountID, status, now, accountID, acc.Version); err != nil {
		return err
	}

	acc.Status = status
	acc.Version++
	acc.UpdatedAt = now
	return nil
}

func (t *pgTx) updateAccount(ctx context.Context, query string, accountID int64, args ...any) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w for account %d", ErrVersionConflict, accountID)
	}
	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, acc *models.Account) error {
	now := time.Now().UTC()
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	acc.CreatedAt, acc.UpdatedAt = now, now

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO accounts (owner_id, currency, balance, overdraft_limit, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id`,
		acc.OwnerID, acc.Currency, acc.Balance, acc.OverdraftLimit, acc.Status, acc.Version, now,
	).Scan(&acc.ID)
	if err != nil {
		return mapError(err)
	}

	snapshot := *acc
	t.locked[acc.ID] = &snapshot
	return nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	tx, err := scanTransaction(t.tx.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, id))
	if err != nil {
		return nil, mapError(notFound(err, ErrTransactionNotFound))
	}
	return tx, nil
}

func (t *pgTx) ReversalOf(ctx context.Context, id int64) (*models.Transaction, error) {
	tx, err := scanTransaction(t.tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE reverses_id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return tx, nil
}

func (t *pgTx) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (from_account_id, to_account_id, amount, currency, type, status,
			idempotency_key, reference_id, description, reverses_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Currency, tx.Type, tx.Status,
		tx.IdempotencyKey, tx.ReferenceID, tx.Description, tx.ReversesID, tx.CreatedAt, tx.CompletedAt,
	).Scan(&tx.ID)
	return mapError(err)
}

func (t *pgTx) MarkTransaction(ctx context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, completed_at = COALESCE($2, completed_at)
		WHERE id = $3`,
		status, completedAt, id)
	if err != nil {
		return mapError(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries ...*models.Entry) error {
	for _, e := range entries {
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO entries (transaction_id, account_id, entry_type, amount, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			e.TransactionID, e.AccountID, e.Type, e.Amount, e.Currency, e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

// AppendAudit writes audit rows under a savepoint so that a failed insert
// leaves the surrounding transaction usable.
func (t *pgTx) AppendAudit(ctx context.Context, logs ...*models.AuditLog) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT audit_log"); err != nil {
		return err
	}

	for _, l := range logs {
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO audit_logs (transaction_id, account_id, action, balance_before, balance_after,
				actor_id, ip_address, user_agent, request_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			l.TransactionID, l.AccountID, l.Action, l.BalanceBefore, l.BalanceAfter,
			l.Actor.ID, l.Actor.IPAddress, l.Actor.UserAgent, l.Actor.RequestID, l.Metadata, l.CreatedAt,
		).Scan(&l.ID)
		if err != nil {
			if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT audit_log"); rbErr != nil {
				return fmt.Errorf("insert audit log: %v (savepoint rollback: %w)", err, rbErr)
			}
			return fmt.Errorf("insert audit log: %w", err)
		}
	}

	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT audit_log")
	return err
}
