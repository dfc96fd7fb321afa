package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

// MemoryStore is an in-process Store. Row locks are one-slot channels so a
// waiter can give up on timeout or cancellation; writes are staged on the
// unit of work and applied at commit.
type MemoryStore struct {
	lockTimeout time.Duration

	mu           sync.Mutex
	accounts     map[int64]*models.Account
	transactions map[int64]*models.Transaction
	byKey        map[string]int64
	reversals    map[int64]int64
	entries      map[int64][]models.Entry
	audit        []models.AuditLog
	accountLocks map[int64]chan struct{}
	txLocks      map[int64]chan struct{}
	pendingKeys  map[string]struct{}
	pendingRev   map[int64]struct{}

	nextAccountID int64
	nextTxID      int64
	nextEntryID   int64
	nextAuditID   int64
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		lockTimeout:  lockTimeout,
		accounts:     make(map[int64]*models.Account),
		transactions: make(map[int64]*models.Transaction),
		byKey:        make(map[string]int64),
		reversals:    make(map[int64]int64),
		entries:      make(map[int64][]models.Entry),
		accountLocks: make(map[int64]chan struct{}),
		txLocks:      make(map[int64]chan struct{}),
		pendingKeys:  make(map[string]struct{}),
		pendingRev:   make(map[int64]struct{}),
	}
}

// Snapshot is a deep copy of committed state, used to compare before and
// after a failed operation.
type Snapshot struct {
	Accounts     map[int64]models.Account
	Transactions map[int64]models.Transaction
	Entries      map[int64][]models.Entry
	Audit        []models.AuditLog
}

func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Accounts:     make(map[int64]models.Account, len(s.accounts)),
		Transactions: make(map[int64]models.Transaction, len(s.transactions)),
		Entries:      make(map[int64][]models.Entry, len(s.entries)),
		Audit:        append([]models.AuditLog(nil), s.audit...),
	}
	for id, a := range s.accounts {
		snap.Accounts[id] = *a
	}
	for id, t := range s.transactions {
		snap.Transactions[id] = *t
	}
	for id, e := range s.entries {
		snap.Entries[id] = append([]models.Entry(nil), e...)
	}
	return snap
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, id int64) (int64, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *MemoryStore) ListAccountsByOwner(_ context.Context, ownerID int64) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Account
	for _, acc := range s.accounts {
		if acc.OwnerID == ownerID {
			out = append(out, *acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) GetTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Transaction
	for _, t := range s.transactions {
		if t.FromAccountID == accountID || t.ToAccountID == accountID {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, limit, offset), nil
}

func (s *MemoryStore) ListEntries(_ context.Context, transactionID int64) ([]models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Entry(nil), s.entries[transactionID]...), nil
}

func (s *MemoryStore) AuditByTransaction(_ context.Context, transactionID int64) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AuditLog
	for _, l := range s.audit {
		if l.TransactionID != nil && *l.TransactionID == transactionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) AuditByAccount(_ context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AuditLog
	for i := len(s.audit) - 1; i >= 0; i-- {
		if s.audit[i].AccountID == accountID {
			out = append(out, s.audit[i])
		}
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	t := &memTx{
		s:        s,
		locked:   make(map[int64]*models.Account),
		lockedTx: make(map[int64]*models.Transaction),
		marks:    make(map[int64]mark),
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *MemoryStore) acquire(ctx context.Context, lock chan struct{}) error {
	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrLockTimeout
	}
}

type mark struct {
	status      models.TransactionStatus
	completedAt *time.Time
}

type memTx struct {
	s    *MemoryStore
	held []chan struct{}

	locked   map[int64]*models.Account
	lockedTx map[int64]*models.Transaction
	newTxs   []*models.Transaction
	marks    map[int64]mark
	entries  []models.Entry
	audit    []models.AuditLog
	keys     []string
	reverses []int64
}

func (t *memTx) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*models.Account, error) {
	for _, id := range sortedUnique(ids) {
		if _, ok := t.locked[id]; ok {
			continue
		}

		t.s.mu.Lock()
		if _, ok := t.s.accounts[id]; !ok {
			t.s.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrAccountNotFound, id)
		}
		lock, ok := t.s.accountLocks[id]
		if !ok {
			lock = make(chan struct{}, 1)
			t.s.accountLocks[id] = lock
		}
		t.s.mu.Unlock()

		if err := t.s.acquire(ctx, lock); err != nil {
			return nil, err
		}
		t.held = append(t.held, lock)

		t.s.mu.Lock()
		c := *t.s.accounts[id]
		t.s.mu.Unlock()
		t.locked[id] = &c
	}

	out := make(map[int64]*models.Account, len(ids))
	for _, id := range ids {
		c := *t.locked[id]
		out[id] = &c
	}
	return out, nil
}

func (t *memTx) ApplyDelta(_ context.Context, accountID, delta int64) (int64, error) {
	acc, ok := t.locked[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNotLocked, accountID)
	}

	next, err := nextBalance(acc, delta)
	if err != nil {
		return 0, fmt.Errorf("account %d: %w", accountID, err)
	}

	acc.Balance = next
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	return next, nil
}

func (t *memTx) SetAccountStatus(_ context.Context, accountID int64, status models.AccountStatus) error {
	acc, ok := t.locked[accountID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotLocked, accountID)
	}

	acc.Status = status
	acc.Version++
	acc.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) CreateAccount(_ context.Context, acc *models.Account) error {
	if !acc.Permits(0) {
		return ErrInsufficientFunds
	}

	now := time.Now().UTC()
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	acc.CreatedAt, acc.UpdatedAt = now, now

	t.s.mu.Lock()
	t.s.nextAccountID++
	acc.ID = t.s.nextAccountID
	t.s.mu.Unlock()

	c := *acc
	t.locked[acc.ID] = &c
	return nil
}

func (t *memTx) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	if tx, ok := t.lockedTx[id]; ok {
		c := *tx
		return &c, nil
	}

	t.s.mu.Lock()
	if _, ok := t.s.transactions[id]; !ok {
		t.s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	lock, ok := t.s.txLocks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		t.s.txLocks[id] = lock
	}
	t.s.mu.Unlock()

	if err := t.s.acquire(ctx, lock); err != nil {
		return nil, err
	}
	t.held = append(t.held, lock)

	t.s.mu.Lock()
	c := *t.s.transactions[id]
	t.s.mu.Unlock()
	t.lockedTx[id] = &c

	out := c
	return &out, nil
}

func (t *memTx) ReversalOf(ctx context.Context, id int64) (*models.Transaction, error) {
	t.s.mu.Lock()
	revID, ok := t.s.reversals[id]
	t.s.mu.Unlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.s.GetTransaction(ctx, revID)
}

func (t *memTx) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.byKey[tx.IdempotencyKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, tx.IdempotencyKey)
	}
	if _, ok := t.s.pendingKeys[tx.IdempotencyKey]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, tx.IdempotencyKey)
	}
	if tx.ReversesID != nil {
		_, done := t.s.reversals[*tx.ReversesID]
		_, pending := t.s.pendingRev[*tx.ReversesID]
		if done || pending {
			return fmt.Errorf("%w: %d", ErrReversalExists, *tx.ReversesID)
		}
		t.s.pendingRev[*tx.ReversesID] = struct{}{}
		t.reverses = append(t.reverses, *tx.ReversesID)
	}

	t.s.pendingKeys[tx.IdempotencyKey] = struct{}{}
	t.keys = append(t.keys, tx.IdempotencyKey)

	t.s.nextTxID++
	tx.ID = t.s.nextTxID

	c := *tx
	t.newTxs = append(t.newTxs, &c)
	return nil
}

func (t *memTx) MarkTransaction(_ context.Context, id int64, status models.TransactionStatus, completedAt *time.Time) error {
	for _, tx := range t.newTxs {
		if tx.ID == id {
			tx.Status = status
			if completedAt != nil {
				at := *completedAt
				tx.CompletedAt = &at
			}
			return nil
		}
	}

	t.s.mu.Lock()
	_, ok := t.s.transactions[id]
	t.s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}

	t.marks[id] = mark{status: status, completedAt: completedAt}
	return nil
}

func (t *memTx) InsertEntries(_ context.Context, entries ...*models.Entry) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, e := range entries {
		t.s.nextEntryID++
		e.ID = t.s.nextEntryID
		t.entries = append(t.entries, *e)
	}
	return nil
}

func (t *memTx) AppendAudit(_ context.Context, logs ...*models.AuditLog) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, l := range logs {
		t.s.nextAuditID++
		l.ID = t.s.nextAuditID
		t.audit = append(t.audit, *l)
	}
	return nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, acc := range t.locked {
		c := *acc
		s.accounts[id] = &c
	}
	for _, tx := range t.newTxs {
		c := *tx
		s.transactions[tx.ID] = &c
		s.byKey[tx.IdempotencyKey] = tx.ID
		if tx.ReversesID != nil {
			s.reversals[*tx.ReversesID] = tx.ID
		}
	}
	for id, m := range t.marks {
		tx := s.transactions[id]
		tx.Status = m.status
		if m.completedAt != nil {
			at := *m.completedAt
			tx.CompletedAt = &at
		}
	}
	for _, e := range t.entries {
		s.entries[e.TransactionID] = append(s.entries[e.TransactionID], e)
	}
	s.audit = append(s.audit, t.audit...)
}

// release drops pending unique reservations and row locks. It runs after
// commit as well as on rollback.
func (t *memTx) release() {
	t.s.mu.Lock()
	for _, key := range t.keys {
		delete(t.s.pendingKeys, key)
	}
	for _, id := range t.reverses {
		delete(t.s.pendingRev, id)
	}
	t.s.mu.Unlock()

	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.held[i]
	}
	t.held = nil
}
