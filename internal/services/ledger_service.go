package services

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/money"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus"
)

// EventSink receives events after a unit of work has committed.
type EventSink interface {
	Dispatch(e events.Event)
}

type LedgerOptions struct {
	// InFlightWait bounds how long a caller waits on a key another request
	// is still executing before getting DUPLICATE_IN_PROGRESS.
	InFlightWait time.Duration
	PollInterval time.Duration
	Retry        RetryPolicy
}

// LedgerEngine moves money between accounts with double-entry bookkeeping.
type LedgerEngine struct {
	store     store.Store
	keys      idempotency.Store
	audit     *audit.Recorder
	events    EventSink
	validator *ValidationHelper
	log       logrus.FieldLogger
	opts      LedgerOptions
	now       func() time.Time
}

func NewLedgerEngine(st store.Store, keys idempotency.Store, recorder *audit.Recorder, sink EventSink, opts LedgerOptions, log logrus.FieldLogger) *LedgerEngine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}
	return &LedgerEngine{
		store:     st,
		keys:      keys,
		audit:     recorder,
		events:    sink,
		validator: NewValidationHelper(),
		log:       log,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// posting is a validated movement of amount from one account to another.
type posting struct {
	txType         models.TransactionType
	from, to       int64
	amount         int64
	currency       string
	key            string
	reference      string
	description    string
	reversesID     *int64
	actor          models.Actor
	allowSuspended bool
}

func (p posting) fingerprint() string {
	return idempotency.Fingerprint(
		strconv.FormatInt(p.from, 10),
		strconv.FormatInt(p.to, 10),
		strconv.FormatInt(p.amount, 10),
		p.currency,
	)
}

func (p posting) matches(t *models.Transaction) bool {
	return t.Type == p.txType &&
		t.FromAccountID == p.from &&
		t.ToAccountID == p.to &&
		t.Amount == p.amount &&
		t.Currency == p.currency
}

func (p posting) actions() (debit, credit string) {
	if p.txType == models.TransactionReversal {
		return models.ActionReversalDebit, models.ActionReversalCredit
	}
	return models.ActionTransferDebit, models.ActionTransferCredit
}

// Transfer debits req.FromAccountID and credits req.ToAccountID. Requests
// carrying an already completed idempotency key return the stored result
// without side effects.
func (e *LedgerEngine) Transfer(ctx context.Context, req models.TransferRequest) (*models.TransferResult, error) {
	p, err := e.prepareTransfer(ctx, req)
	if err != nil {
		return nil, err
	}

	fingerprint := p.fingerprint()
	res, err := e.reserve(ctx, p.key, fingerprint)
	if err != nil {
		return nil, err
	}
	if res.State == idempotency.StateCompleted {
		return e.replay(res, p.key, fingerprint)
	}

	logger := e.log.WithFields(logrus.Fields{
		"idempotency_key": p.key,
		"from_account_id": p.from,
		"to_account_id":   p.to,
		"amount":          p.amount,
		"currency":        p.currency,
	})

	var (
		committed *models.Transaction
		replayed  bool
	)
	err = withConflictRetry(ctx, e.opts.Retry, logger, func() error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			t, err := e.execute(ctx, tx, p)
			if err != nil {
				return err
			}
			committed = t
			return nil
		})
	})

	// A committed transaction already owns this key; this happens when a
	// reservation was taken over or a Finalize was lost.
	if errors.Is(err, store.ErrDuplicateKey) {
		committed, err = e.recoverCommitted(ctx, p)
		replayed = err == nil
	}

	if err != nil {
		if relErr := e.keys.Release(context.WithoutCancel(ctx), p.key, res.Token); relErr != nil {
			logger.WithError(relErr).Warn("[LEDGER] Failed to release idempotency key")
		}
		e.audit.LogFailure(string(models.TransactionTransfer), p.key, []int64{p.from, p.to}, err)
		logger.WithError(err).Warn("[LEDGER] Transfer failed")
		return nil, err
	}

	result := transferResult(committed)
	e.finalize(ctx, logger, p.key, res.Token, result)

	if replayed {
		result.Replayed = true
		return result, nil
	}

	logger.WithField("transaction_id", committed.ID).Info("[LEDGER] Transfer completed")
	e.dispatch(events.FromTransaction(events.TransferCompleted, committed))
	return result, nil
}

func (e *LedgerEngine) prepareTransfer(ctx context.Context, req models.TransferRequest) (posting, error) {
	if err := e.validator.validate(req); err != nil {
		return posting{}, err
	}

	amount, err := money.Parse(req.Amount, req.Currency)
	if err != nil {
		return posting{}, &Error{
			Kind:    KindValidation,
			Message: "invalid amount",
			Fields:  map[string]string{"Amount": err.Error()},
			Err:     err,
		}
	}
	if amount <= 0 {
		return posting{}, &Error{
			Kind:    KindValidation,
			Message: "amount must be greater than zero",
			Fields:  map[string]string{"Amount": "must be greater than zero"},
		}
	}
	if req.FromAccountID == req.ToAccountID {
		return posting{}, newError(KindValidation, "cannot transfer to the same account")
	}

	p := posting{
		txType:      models.TransactionTransfer,
		from:        req.FromAccountID,
		to:          req.ToAccountID,
		amount:      amount,
		currency:    req.Currency,
		key:         req.IdempotencyKey,
		reference:   req.ReferenceID,
		description: req.Description,
		actor:       req.Actor,
	}

	from, err := e.store.GetAccount(ctx, p.from)
	if err != nil {
		return posting{}, translate(err)
	}
	to, err := e.store.GetAccount(ctx, p.to)
	if err != nil {
		return posting{}, translate(err)
	}
	if err := checkAccounts(p, from, to); err != nil {
		return posting{}, err
	}
	return p, nil
}

func checkAccounts(p posting, accounts ...*models.Account) error {
	for _, acc := range accounts {
		if acc.Status == models.AccountClosed || (acc.Status == models.AccountSuspended && !p.allowSuspended) {
			return newError(KindInvalidAccount, "account %d is %s", acc.ID, strings.ToLower(string(acc.Status)))
		}
		if acc.Currency != p.currency {
			return newError(KindCurrencyMismatch, "account %d holds %s, not %s", acc.ID, acc.Currency, p.currency)
		}
	}
	return nil
}

// reserve claims key, polling while another request holds it in flight.
func (e *LedgerEngine) reserve(ctx context.Context, key, fingerprint string) (*idempotency.Reservation, error) {
	deadline := time.Now().Add(e.opts.InFlightWait)
	for {
		res, err := e.keys.Reserve(ctx, key, fingerprint)
		if err != nil {
			return nil, wrapError(KindInternal, err, "reserve idempotency key")
		}
		if res.State != idempotency.StateInFlight {
			return res, nil
		}
		if res.Fingerprint != "" && res.Fingerprint != fingerprint {
			return nil, newError(KindDuplicate, "idempotency key %q was used for a different request", key)
		}
		if !time.Now().Before(deadline) {
			return nil, newError(KindDuplicateInProgress, "request with idempotency key %q is still in progress", key)
		}

		timer := time.NewTimer(e.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, wrapError(KindDuplicateInProgress, ctx.Err(), "request with the same idempotency key is still in progress")
		case <-timer.C:
		}
	}
}

func (e *LedgerEngine) replay(res *idempotency.Reservation, key, fingerprint string) (*models.TransferResult, error) {
	if res.Fingerprint != fingerprint {
		return nil, newError(KindDuplicate, "idempotency key %q was used for a different request", key)
	}

	var result models.TransferResult
	if err := json.Unmarshal(res.Response, &result); err != nil {
		return nil, wrapError(KindInternal, err, "decode stored transfer result")
	}
	result.Replayed = true

	e.log.WithFields(logrus.Fields{
		"idempotency_key": key,
		"transaction_id":  result.TransactionID,
	}).Info("[LEDGER] Replayed completed transfer")
	return &result, nil
}

// recoverCommitted loads the transaction that already committed under p.key.
func (e *LedgerEngine) recoverCommitted(ctx context.Context, p posting) (*models.Transaction, error) {
	existing, err := e.store.GetTransactionByKey(context.WithoutCancel(ctx), p.key)
	if err != nil {
		return nil, translate(err)
	}
	if !p.matches(existing) {
		return nil, newError(KindDuplicate, "idempotency key %q was used for a different request", p.key)
	}
	return existing, nil
}

func (e *LedgerEngine) finalize(ctx context.Context, logger logrus.FieldLogger, key, token string, result *models.TransferResult) {
	data, err := json.Marshal(result)
	if err == nil {
		err = e.keys.Finalize(context.WithoutCancel(ctx), key, token, data)
	}
	if err != nil {
		logger.WithError(err).Warn("[LEDGER] Failed to finalize idempotency key")
	}
}

func (e *LedgerEngine) dispatch(ev events.Event) {
	if e.events != nil {
		e.events.Dispatch(ev)
	}
}

// execute runs the locked part of a posting inside tx. Locks are taken in
// ascending account id order by the store; once held, the unit runs to
// commit or rollback regardless of ctx.
func (e *LedgerEngine) execute(ctx context.Context, tx store.Tx, p posting) (*models.Transaction, error) {
	accounts, err := tx.LockAccounts(ctx, p.from, p.to)
	if err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	from, to := accounts[p.from], accounts[p.to]
	if err := checkAccounts(p, from, to); err != nil {
		return nil, err
	}
	if !from.Permits(-p.amount) {
		return nil, newError(KindInsufficientFunds, "account %d has %s available, %s required",
			from.ID, money.Format(from.Available(), p.currency), money.Format(p.amount, p.currency))
	}

	now := e.now()
	t := &models.Transaction{
		FromAccountID:  p.from,
		ToAccountID:    p.to,
		Amount:         p.amount,
		Currency:       p.currency,
		Type:           p.txType,
		Status:         models.StatusPending,
		IdempotencyKey: p.key,
		ReferenceID:    p.reference,
		Description:    p.description,
		ReversesID:     p.reversesID,
		CreatedAt:      now,
	}
	if err := tx.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}

	fromAfter, err := tx.ApplyDelta(ctx, from.ID, -p.amount)
	if err != nil {
		return nil, err
	}
	toAfter, err := tx.ApplyDelta(ctx, to.ID, p.amount)
	if err != nil {
		return nil, err
	}

	entries := []*models.Entry{
		{TransactionID: t.ID, AccountID: from.ID, Type: models.EntryDebit, Amount: p.amount, Currency: p.currency, CreatedAt: now},
		{TransactionID: t.ID, AccountID: to.ID, Type: models.EntryCredit, Amount: p.amount, Currency: p.currency, CreatedAt: now},
	}
	if err := models.CheckBalanced(entries); err != nil {
		return nil, wrapError(KindInternal, err, "unbalanced posting")
	}
	if err := tx.InsertEntries(ctx, entries...); err != nil {
		return nil, err
	}

	if err := tx.MarkTransaction(ctx, t.ID, models.StatusCompleted, &now); err != nil {
		return nil, err
	}
	t.Status = models.StatusCompleted
	t.CompletedAt = &now

	debit, credit := p.actions()
	err = e.audit.Record(ctx, tx,
		e.auditRow(t, p, debit, from, fromAfter, to.ID),
		e.auditRow(t, p, credit, to, toAfter, from.ID),
	)
	if err != nil {
		return nil, wrapError(KindInternal, err, "audit log unavailable")
	}
	return t, nil
}

func (e *LedgerEngine) auditRow(t *models.Transaction, p posting, action string, acc *models.Account, after, counterparty int64) *models.AuditLog {
	meta := models.Metadata{
		"idempotency_key": p.key,
		"counterparty_id": counterparty,
		"amount":          money.Format(p.amount, p.currency),
		"currency":        p.currency,
	}
	if p.reference != "" {
		meta["reference_id"] = p.reference
	}
	if p.reversesID != nil {
		meta["reverses_id"] = *p.reversesID
	}

	id := t.ID
	return &models.AuditLog{
		TransactionID: &id,
		AccountID:     acc.ID,
		Action:        action,
		BalanceBefore: acc.Balance,
		BalanceAfter:  after,
		Actor:         p.actor,
		Metadata:      meta,
		CreatedAt:     t.CreatedAt,
	}
}

func transferResult(t *models.Transaction) *models.TransferResult {
	return &models.TransferResult{
		TransactionID: t.ID,
		Status:        models.StatusCompleted,
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		Amount:        money.Format(t.Amount, t.Currency),
		Currency:      t.Currency,
		CreatedAt:     t.CreatedAt,
	}
}

// GetTransaction returns a transaction with its entries.
func (e *LedgerEngine) GetTransaction(ctx context.Context, id int64) (*models.TransactionDetail, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	entries, err := e.store.ListEntries(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return &models.TransactionDetail{Transaction: *t, Entries: entries}, nil
}

func (e *LedgerEngine) TransactionAudit(ctx context.Context, id int64) ([]models.AuditLog, error) {
	if _, err := e.store.GetTransaction(ctx, id); err != nil {
		return nil, translate(err)
	}
	logs, err := e.audit.ByTransaction(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return logs, nil
}
