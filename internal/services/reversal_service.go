package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/money"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus"
)

// ReversalEngine undoes completed transactions by posting a compensating
// transaction in the opposite direction. Entries are never modified.
type ReversalEngine struct {
	ledger *LedgerEngine
}

func NewReversalEngine(ledger *LedgerEngine) *ReversalEngine {
	return &ReversalEngine{ledger: ledger}
}

// reversalKeyPrefix is reserved for compensating transactions. Transfer
// keys may not start with it.
const reversalKeyPrefix = "reversal:"

func reversalKey(id int64) string {
	return fmt.Sprintf("%s%d", reversalKeyPrefix, id)
}

// Reverse posts the inverse of transaction req.TransactionID and marks the
// original REVERSED in the same unit of work. A transaction can be reversed
// at most once.
func (r *ReversalEngine) Reverse(ctx context.Context, req models.ReverseRequest) (*models.ReversalResult, error) {
	e := r.ledger
	if err := e.validator.validate(req); err != nil {
		return nil, err
	}

	logger := e.log.WithFields(logrus.Fields{
		"transaction_id": req.TransactionID,
		"reason":         req.Reason,
	})

	var original, reversal *models.Transaction
	err := withConflictRetry(ctx, e.opts.Retry, logger, func() error {
		return e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			orig, err := tx.LockTransaction(ctx, req.TransactionID)
			if err != nil {
				return err
			}
			if err := checkReversible(ctx, tx, orig); err != nil {
				return err
			}

			id := orig.ID
			rev, err := e.execute(ctx, tx, posting{
				txType:         models.TransactionReversal,
				from:           orig.ToAccountID,
				to:             orig.FromAccountID,
				amount:         orig.Amount,
				currency:       orig.Currency,
				key:            reversalKey(orig.ID),
				reference:      fmt.Sprintf("REV-%d", orig.ID),
				description:    fmt.Sprintf("Reversal of transaction %d: %s", orig.ID, req.Reason),
				reversesID:     &id,
				actor:          req.Actor,
				allowSuspended: true,
			})
			if err != nil {
				return err
			}

			if err := tx.MarkTransaction(context.WithoutCancel(ctx), orig.ID, models.StatusReversed, nil); err != nil {
				return err
			}
			orig.Status = models.StatusReversed
			original, reversal = orig, rev
			return nil
		})
	})
	if err != nil {
		e.audit.LogFailure(string(models.TransactionReversal), reversalKey(req.TransactionID), nil, err)
		logger.WithError(err).Warn("[REVERSAL] Reversal failed")
		return nil, err
	}

	logger.WithField("reversal_id", reversal.ID).Info("[REVERSAL] Transaction reversed")
	e.dispatch(events.FromTransaction(events.TransactionReversed, reversal))

	return &models.ReversalResult{
		NewTransactionID:      reversal.ID,
		Status:                reversal.Status,
		ReversedTransactionID: original.ID,
		Amount:                money.Format(reversal.Amount, reversal.Currency),
		Currency:              reversal.Currency,
		CreatedAt:             reversal.CreatedAt,
	}, nil
}

func checkReversible(ctx context.Context, tx store.Tx, orig *models.Transaction) error {
	if orig.Status == models.StatusReversed {
		return newError(KindAlreadyReversed, "transaction %d is already reversed", orig.ID)
	}

	existing, err := tx.ReversalOf(ctx, orig.ID)
	switch {
	case err == nil:
		return newError(KindAlreadyReversed, "transaction %d is already reversed by %d", orig.ID, existing.ID)
	case !errors.Is(err, store.ErrTransactionNotFound):
		return err
	}

	if orig.Status != models.StatusCompleted {
		return newError(KindInvalidState, "transaction %d is %s and cannot be reversed", orig.ID, orig.Status)
	}
	return nil
}
