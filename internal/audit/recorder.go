package audit

import (
	"context"
	"fmt"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/sirupsen/logrus"
)

// Writer appends audit rows inside a unit of work.
type Writer interface {
	AppendAudit(ctx context.Context, logs ...*models.AuditLog) error
}

// Reader serves audit history.
type Reader interface {
	AuditByTransaction(ctx context.Context, transactionID int64) ([]models.AuditLog, error)
	AuditByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error)
}

// Recorder writes audit rows and mirrors them to the structured log.
type Recorder struct {
	reader    Reader
	mandatory bool
	log       logrus.FieldLogger
}

// NewRecorder returns a recorder. With mandatory set, a failed audit write
// fails the caller's unit of work; otherwise it is logged and skipped.
func NewRecorder(reader Reader, mandatory bool, log logrus.FieldLogger) *Recorder {
	return &Recorder{
		reader:    reader,
		mandatory: mandatory,
		log:       log,
	}
}

func (r *Recorder) Mandatory() bool {
	return r.mandatory
}

// Record appends logs through w, which is normally the store transaction
// that also carries the balance change.
func (r *Recorder) Record(ctx context.Context, w Writer, logs ...*models.AuditLog) error {
	if len(logs) == 0 {
		return nil
	}

	if err := w.AppendAudit(ctx, logs...); err != nil {
		entry := r.log.WithError(err).WithField("rows", len(logs))
		if r.mandatory {
			entry.Error("[AUDIT] Audit write failed, aborting")
			return fmt.Errorf("write audit log: %w", err)
		}
		entry.Warn("[AUDIT] Audit write failed, continuing without audit rows")
		for _, l := range logs {
			r.emit(l, "UNRECORDED")
		}
		return nil
	}

	for _, l := range logs {
		r.emit(l, "RECORDED")
	}
	return nil
}

// LogFailure records a rolled back operation in the log only; nothing about
// it is persisted.
func (r *Recorder) LogFailure(operation, key string, accountIDs []int64, err error) {
	r.log.WithFields(logrus.Fields{
		"event_type":      operation,
		"idempotency_key": key,
		"account_ids":     accountIDs,
		"status":          "FAILED",
	}).WithError(err).Warn("AUDIT")
}

func (r *Recorder) emit(l *models.AuditLog, status string) {
	fields := logrus.Fields{
		"event_type":     l.Action,
		"account_id":     l.AccountID,
		"balance_before": l.BalanceBefore,
		"balance_after":  l.BalanceAfter,
		"actor_id":       l.Actor.ID,
		"request_id":     l.Actor.RequestID,
		"status":         status,
	}
	if l.TransactionID != nil {
		fields["transaction_id"] = *l.TransactionID
	}
	r.log.WithFields(fields).Info("AUDIT")
}

func (r *Recorder) ByTransaction(ctx context.Context, transactionID int64) ([]models.AuditLog, error) {
	return r.reader.AuditByTransaction(ctx, transactionID)
}

func (r *Recorder) ByAccount(ctx context.Context, accountID int64, limit, offset int) ([]models.AuditLog, error) {
	return r.reader.AuditByAccount(ctx, accountID, limit, offset)
}
