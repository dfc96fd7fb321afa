// Package jobs runs periodic maintenance next to the HTTP server.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruralpay/ledger/internal/idempotency"
	"github.com/sirupsen/logrus"
)

// IdempotencySweeper deletes expired and abandoned idempotency keys. It
// implements cron.Job.
type IdempotencySweeper struct {
	keys    idempotency.Store
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewIdempotencySweeper(keys idempotency.Store, timeout time.Duration, log logrus.FieldLogger) *IdempotencySweeper {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IdempotencySweeper{keys: keys, timeout: timeout, log: log}
}

func (s *IdempotencySweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	removed, err := s.keys.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("[SWEEPER] Idempotency sweep failed")
		return
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Info("[SWEEPER] Removed stale idempotency keys")
	}
}

// Scheduler wraps a cron runner whose jobs never overlap themselves.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	logger := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers job under a cron schedule such as "@every 1m".
func (s *Scheduler) Add(schedule string, job cron.Job) error {
	_, err := s.cron.AddJob(schedule, job)
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
