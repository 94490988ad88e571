package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher delivers every event to all sinks in the background.
// Sink failures are logged and never reach the caller.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *logrus.Entry
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sinks
func NewDispatcher(logger *logrus.Entry, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.WithField("component", "notify"),
	}
}

// Publish implements Publisher
func (d *Dispatcher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	base := context.WithoutCancel(ctx)
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Sink) {
			defer d.wg.Done()
			sctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := sink.Send(sctx, e); err != nil {
				d.logger.WithError(err).WithFields(logrus.Fields{
					"sink":     sink.Name(),
					"order_id": e.OrderID,
					"action":   e.Action,
				}).Warn("Failed to deliver order event")
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
