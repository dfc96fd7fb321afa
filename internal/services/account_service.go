package services

import (
	"context"
	"time"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/money"
	"github.com/ruralpay/ledger/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// AccountService opens accounts, changes their status and serves history.
type AccountService struct {
	store     store.Store
	audit     *audit.Recorder
	validator *ValidationHelper
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewAccountService(st store.Store, recorder *audit.Recorder, log logrus.FieldLogger) *AccountService {
	return &AccountService{
		store:     st,
		audit:     recorder,
		validator: NewValidationHelper(),
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func parseNonNegative(field, amount, currency string) (int64, error) {
	if amount == "" {
		return 0, nil
	}
	minor, err := money.Parse(amount, currency)
	if err != nil {
		return 0, &Error{Kind: KindValidation, Message: "invalid " + field, Fields: map[string]string{field: err.Error()}, Err: err}
	}
	if minor < 0 {
		return 0, &Error{Kind: KindValidation, Message: field + " cannot be negative", Fields: map[string]string{field: "must not be negative"}}
	}
	return minor, nil
}

// OpenAccount creates an ACTIVE account, optionally funded with an initial
// balance.
func (s *AccountService) OpenAccount(ctx context.Context, req models.OpenAccountRequest) (*models.Account, error) {
	if err := s.validator.validate(req); err != nil {
		return nil, err
	}
	balance, err := parseNonNegative("InitialBalance", req.InitialBalance, req.Currency)
	if err != nil {
		return nil, err
	}
	overdraft, err := parseNonNegative("OverdraftLimit", req.OverdraftLimit, req.Currency)
	if err != nil {
		return nil, err
	}

	acc := &models.Account{
		OwnerID:        req.OwnerID,
		Currency:       req.Currency,
		Balance:        balance,
		OverdraftLimit: overdraft,
		Status:         models.AccountActive,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, &models.AuditLog{
			AccountID:     acc.ID,
			Action:        models.ActionAccountOpened,
			BalanceBefore: 0,
			BalanceAfter:  acc.Balance,
			Actor:         req.Actor,
			Metadata: models.Metadata{
				"owner_id":        acc.OwnerID,
				"currency":        acc.Currency,
				"overdraft_limit": money.Format(acc.OverdraftLimit, acc.Currency),
			},
			CreatedAt: s.now(),
		})
	})
	if err != nil {
		return nil, translate(err)
	}

	s.log.WithFields(logrus.Fields{
		"account_id": acc.ID,
		"owner_id":   acc.OwnerID,
		"currency":   acc.Currency,
	}).Info("[ACCOUNT] Account opened")
	return acc, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return acc, nil
}

func (s *AccountService) GetBalance(ctx context.Context, id int64) (*models.Balance, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.Balance{
		AccountID: acc.ID,
		Currency:  acc.Currency,
		Balance:   money.Format(acc.Balance, acc.Currency),
		Available: money.Format(acc.Available(), acc.Currency),
		Status:    acc.Status,
		Version:   acc.Version,
	}, nil
}

func (s *AccountService) ListOwnerAccounts(ctx context.Context, ownerID int64) ([]models.Account, error) {
	accounts, err := s.store.ListAccountsByOwner(ctx, ownerID)
	if err != nil {
		return nil, translate(err)
	}
	return accounts, nil
}

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// History lists transactions touching an account, newest first.
func (s *AccountService) History(ctx context.Context, accountID int64, limit, offset int) ([]models.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	limit, offset = pageBounds(limit, offset)
	txs, err := s.store.ListTransactions(ctx, accountID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	return txs, nil
}

func (s *AccountService) AccountAudit(ctx context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	limit, offset = pageBounds(limit, offset)
	logs, err := s.audit.ByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, translate(err)
	}
	return logs, nil
}

func (s *AccountService) Suspend(ctx context.Context, id int64, actor models.Actor) (*models.Account, error) {
	return s.changeStatus(ctx, id, models.AccountSuspended, actor)
}

func (s *AccountService) Activate(ctx context.Context, id int64, actor models.Actor) (*models.Account, error) {
	return s.changeStatus(ctx, id, models.AccountActive, actor)
}

// Close permanently closes an account. Only empty accounts can be closed.
func (s *AccountService) Close(ctx context.Context, id int64, actor models.Actor) (*models.Account, error) {
	return s.changeStatus(ctx, id, models.AccountClosed, actor)
}

func (s *AccountService) changeStatus(ctx context.Context, id int64, target models.AccountStatus, actor models.Actor) (*models.Account, error) {
	var result *models.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		ctx = context.WithoutCancel(ctx)

		acc := accounts[id]
		if acc.Status == target {
			result = acc
			return nil
		}
		if acc.Status == models.AccountClosed {
			return newError(KindInvalidState, "account %d is closed", id)
		}
		if target == models.AccountClosed && acc.Balance != 0 {
			return newError(KindInvalidState, "account %d has a balance of %s and cannot be closed",
				id, money.Format(acc.Balance, acc.Currency))
		}

		if err := tx.SetAccountStatus(ctx, id, target); err != nil {
			return err
		}
		err = s.audit.Record(ctx, tx, &models.AuditLog{
			AccountID:     id,
			Action:        models.ActionStatusChanged,
			BalanceBefore: acc.Balance,
			BalanceAfter:  acc.Balance,
			Actor:         actor,
			Metadata: models.Metadata{
				"from_status": string(acc.Status),
				"to_status":   string(target),
			},
			CreatedAt: s.now(),
		})
		if err != nil {
			return err
		}

		acc.Status = target
		acc.Version++
		result = acc
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}

	s.log.WithFields(logrus.Fields{
		"account_id": id,
		"status":     result.Status,
	}).Info("[ACCOUNT] Account status updated")
	return result, nil
}
