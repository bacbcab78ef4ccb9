package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
)

const defaultDispatchTimeout = 5 * time.Second

// Sink delivers one alert payload to an external channel
type Sink interface {
	Name() string
	Send(ctx context.Context, p domain.SinkPayload) error
}

// Dispatcher fans every alert out to all sinks on a bounded worker pool.
// Each delivery runs under its own timeout; failures are logged and counted, never retried.
// Dispatch never waits: a delivery that does not fit into the queue is rejected.
type Dispatcher struct {
	log     logger.Logger
	sinks   []Sink
	pool    pond.Pool
	timeout time.Duration
}

func NewDispatcher(log logger.Logger, sinks []Sink, workers, queueSize int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	return &Dispatcher{
		log:     log,
		sinks:   sinks,
		pool:    pond.NewPool(workers, pond.WithQueueSize(queueSize), pond.WithNonBlocking(true)),
		timeout: timeout,
	}
}

func (d *Dispatcher) Sinks() []Sink { return d.sinks }

func (d *Dispatcher) Dispatch(rec *domain.AlertRecord) {
	if len(d.sinks) == 0 {
		return
	}

	payload := rec.SinkPayload()
	for _, s := range d.sinks {
		err := d.pool.Go(func() {
			d.deliver(s, payload)
		})
		if err != nil {
			metrics.SinkRejected.WithLabelValues(s.Name()).Inc()
			d.log.Errorf("Alert %s not dispatched, error=%v", rec.ID, &domain.SinkError{Sink: s.Name(), Err: err})
		}
	}
}

// Rejected returns the number of deliveries dropped on a full queue
func (d *Dispatcher) Rejected() uint64 {
	return d.pool.DroppedTasks()
}

func (d *Dispatcher) deliver(s Sink, p domain.SinkPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = s.Send(ctx, p)
	}()

	if err != nil {
		metrics.SinkDispatches.WithLabelValues(s.Name(), "error").Inc()
		d.log.Errorf("Alert dispatch failed, error=%v", &domain.SinkError{Sink: s.Name(), Err: err})
		return
	}
	metrics.SinkDispatches.WithLabelValues(s.Name(), "ok").Inc()
}

// Stop waits for queued deliveries
func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}
