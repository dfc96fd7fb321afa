package services

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy re-runs a unit of work that failed on a lock timeout, version
// conflict or serialization failure.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// delay returns a full-jitter exponential backoff for the given attempt,
// a random value in [0, min(max, base*2^attempt)).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}

	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// withConflictRetry runs fn until it succeeds, fails with a non-conflict
// error, the attempts are used up, or ctx is done.
func withConflictRetry(ctx context.Context, p RetryPolicy, log logrus.FieldLogger, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = translate(fn())
		if err == nil || KindOf(err) != KindConflict || attempt >= p.Attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		wait := p.delay(attempt)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": wait.String(),
		}).Debug("[LEDGER] Retrying after conflict")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
