// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package audit

import (
	"context"
	"sync/atomic"

	"github.com/go-core-stack/ratecontrol/logging"
)

// Since the queue sits between the request path and a possibly slow sink,
// producers and consumers can run at different speeds with a possibility
// of backlogs, thus by default use a buffer length of 1024 so producers
// keep working seemlessly under regular scenarios
// Note: this is expected to be consumed only locally
const queueDepth = 1024

// Queue decouples event producers from a backing sink through a buffered
// channel drained by a single worker. When the buffer is full events are
// dropped and counted rather than blocking the request path.
type Queue struct {
	// context under which the queue is working, closure of the
	// context stops the worker
	ctx context.Context

	// buffered channel carrying events to the worker
	ch chan *Event

	// sink receiving the drained events
	sink Recorder

	// number of events dropped due to a full buffer
	dropped atomic.Int64

	// closed by the worker on exit
	done chan struct{}

	logger logging.Logger
}

// NewQueue creates a queue in front of sink and starts its worker.
// The worker exits when ctx is closed; events still buffered at that
// point are discarded.
func NewQueue(ctx context.Context, sink Recorder, logger logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Nop{}
	}
	q := &Queue{
		ctx:    ctx,
		ch:     make(chan *Event, queueDepth),
		sink:   sink,
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.drain()
	return q
}

func (q *Queue) Record(_ context.Context, ev *Event) {
	if ev == nil || q.ctx.Err() != nil {
		return
	}
	e := *ev
	stamp(&e)
	select {
	case q.ch <- &e:
	default:
		// buffer full, count the loss instead of holding up the caller
		if q.dropped.Add(1) == 1 {
			q.logger.Warn("audit queue saturated, dropping events")
		}
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Wait blocks until the worker has exited after context closure.
func (q *Queue) Wait() {
	<-q.done
}

func (q *Queue) drain() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case ev := <-q.ch:
			// the queue owns delivery from here on, detach from
			// whatever request context produced the event
			q.sink.Record(context.Background(), ev)
		}
	}
}
