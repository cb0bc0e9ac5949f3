// Package asyncq provides a bounded request queue drained by a single
// background worker.
//
// The queue sheds load instead of blocking producers: when it is full the
// oldest pending request is discarded to make room for the new one. Blocking
// I/O happens on the worker goroutine, outside the queue lock.
package asyncq

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/dshills/lldebug/internal/logging"
)

// DefaultCapacity is the maximum number of pending requests.
const DefaultCapacity = 50

// ErrClosed is returned when adding to a closed queue.
var ErrClosed = errors.New("request queue closed")

// Request is a unit of blocking work.
type Request interface {
	// Perform does the blocking work. Errors are logged and otherwise ignored.
	Perform() error

	// Abort unblocks a Perform that is in flight, typically by closing the
	// underlying connection. It may be called concurrently with Perform.
	Abort()
}

// Func adapts a function to Request. Its Abort is a no-op.
type Func func() error

// Perform calls f.
func (f Func) Perform() error { return f() }

// Abort does nothing.
func (Func) Abort() {}

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued  uint64
	Processed uint64
	Failed    uint64
	Dropped   uint64
	Pending   int
}

// Queue is a bounded FIFO with drop-oldest overflow and one lazily started worker.
type Queue struct {
	capacity int
	logger   *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	items    *queue.Queue
	current  Request
	started  bool
	shutdown bool
	done     chan struct{}

	enqueued  atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity sets the queue capacity.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithLogger sets the logger used for request failures.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates an empty queue. No goroutine is started until the first Add.
func New(opts ...Option) *Queue {
	q := &Queue{
		capacity: DefaultCapacity,
		logger:   logging.NullLogger,
		items:    queue.New(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues req, evicting the oldest pending requests if the queue is full.
// It never blocks on I/O.
func (q *Queue) Add(req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shutdown {
		return ErrClosed
	}

	if !q.started {
		q.started = true
		go q.run()
	}

	for q.items.Length() >= q.capacity {
		q.items.Remove()
		q.dropped.Add(1)
	}

	q.items.Add(req)
	q.enqueued.Add(1)
	q.cond.Broadcast()
	return nil
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Capacity returns the maximum number of pending requests.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   q.Len(),
	}
}

// Close stops the worker. The in-flight request is aborted, pending requests
// are discarded, and Close waits for the worker to exit. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.shutdown {
		started := q.started
		q.mu.Unlock()
		if started {
			<-q.done
		}
		return
	}

	q.shutdown = true
	if q.current != nil {
		q.current.Abort()
	}
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	if started {
		<-q.done
	}
}

// next blocks until a request is available or shutdown was requested.
// It returns nil on shutdown.
func (q *Queue) next() Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.current = nil
	for q.items.Length() == 0 && !q.shutdown {
		q.cond.Wait()
	}
	if q.shutdown {
		return nil
	}

	req := q.items.Remove().(Request)
	q.current = req
	return req
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		req := q.next()
		if req == nil {
			return
		}
		q.perform(req)
	}
}

// perform runs one request, containing failures and panics.
func (q *Queue) perform(req Request) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("request panicked: %v\n%s", r, debug.Stack())
		}
	}()

	err := req.Perform()
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("request failed: %v", err)
	}
}
