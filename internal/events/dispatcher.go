package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher publishes events on background goroutines so callers never wait
// on downstream systems.
type Dispatcher struct {
	publisher Publisher
	timeout   time.Duration
	log       logrus.FieldLogger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(publisher Publisher, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		publisher: publisher,
		timeout:   timeout,
		log:       log,
	}
}

// Dispatch publishes e asynchronously. Events dispatched after Close are
// dropped with a warning.
func (d *Dispatcher) Dispatch(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.WithField("event_id", e.ID).Warn("[EVENTS] Dispatcher closed, dropping event")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.WithField("panic", r).Error("[EVENTS] Publisher panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.publisher.Publish(ctx, e); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"event_id":       e.ID,
				"event_type":     e.Type,
				"transaction_id": e.TransactionID,
			}).Warn("[EVENTS] Failed to publish event")
		}
	}()
}

// Close stops accepting events and waits for in-flight publishes or ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
