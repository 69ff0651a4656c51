// Package notify delivers change sets and operator alerts off the sync
// path through bounded queues.
package notify

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/metrics"
)

const (
	drainTimeout    = 5 * time.Second
	deliveryTimeout = 30 * time.Second
)

// Sink receives queued items one at a time.
type Sink[T any] interface {
	Deliver(ctx context.Context, item T) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc[T any] func(ctx context.Context, item T) error

func (f SinkFunc[T]) Deliver(ctx context.Context, item T) error { return f(ctx, item) }

// Fanout delivers to every sink and joins their errors.
type Fanout[T any] []Sink[T]

func (f Fanout[T]) Deliver(ctx context.Context, item T) error {
	var errs []error
	for _, s := range f {
		if err := s.Deliver(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue is a bounded buffer drained by a single Run goroutine. Enqueue
// never blocks: when the buffer is full the item is dropped and counted.
type Queue[T any] struct {
	name    string
	ch      chan T
	sink    Sink[T]
	rec     metrics.Recorder
	dropped atomic.Int64
	sent    atomic.Int64
	failed  atomic.Int64
}

type QueueStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
}

func NewQueue[T any](name string, size int, sink Sink[T], rec metrics.Recorder) *Queue[T] {
	if size < 1 {
		size = 1
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Queue[T]{name: name, ch: make(chan T, size), sink: sink, rec: rec}
}

func (q *Queue[T]) Enqueue(item T) bool {
	select {
	case q.ch <- item:
		return true
	default:
		q.dropped.Add(1)
		q.rec.RecordNotificationDropped(q.name)
		appLog.Warn("notification queue full, dropping item", "queue", q.name)
		return false
	}
}

// Run delivers items until ctx is done, then drains what is already
// buffered within a short deadline. Cancelling ctx never aborts a delivery
// that has already started.
func (q *Queue[T]) Run(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			q.drain(base)
			return
		default:
		}
		select {
		case item := <-q.ch:
			q.deliver(base, item)
		case <-ctx.Done():
			q.drain(base)
			return
		}
	}
}

func (q *Queue[T]) drain(base context.Context) {
	ctx, cancel := context.WithTimeout(base, drainTimeout)
	defer cancel()
	for {
		select {
		case item := <-q.ch:
			q.deliver(ctx, item)
		default:
			return
		}
	}
}

func (q *Queue[T]) deliver(ctx context.Context, item T) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	if err := q.sink.Deliver(ctx, item); err != nil {
		q.failed.Add(1)
		appLog.Error("notification delivery failed", err, "queue", q.name)
		return
	}
	q.sent.Add(1)
}

func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Name:      q.name,
		Pending:   len(q.ch),
		Capacity:  cap(q.ch),
		Delivered: q.sent.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
	}
}
