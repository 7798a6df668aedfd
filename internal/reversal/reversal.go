// Package reversal implements the single-consumer compensation queue
// of spec section 4.8: once a commit-phase failure leaves a clearing
// hold in an unknown state, this queue is the only path back to
// consistency, retrying a clearing abort until it succeeds or gives up
// permanently. The wake-signal idiom (a size-1 "something changed"
// channel alongside a select against ctx.Done and a retry timer) is
// grounded on the teacher's go/shuffle/reader.go readReadyCh.
package reversal

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/estuary/paymentedge/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Task is one pending compensating action, per spec section 4.8.
type Task struct {
	TxnID         string
	MaskedPAN     string
	Amount        string
	MerchantID    string
	Attempts      int
	NextAttemptAt time.Time
}

// Config holds the queue's retry tunables, sourced from
// REVERSAL_MAX_ATTEMPTS / REVERSAL_BASE_DELAY_MS (spec section 6.5).
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig matches the teacher's conservative webhook retry defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}
}

// taskHeap orders pending tasks by NextAttemptAt, earliest first.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].NextAttemptAt.Before(h[j].NextAttemptAt) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var item = old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the durable-intent reversal worker described in spec
// section 4.8. Enqueue is safe from any goroutine; Run drains it from
// a single goroutine, so no two abort calls for different tasks ever
// run concurrently.
type Queue struct {
	cfg     Config
	client  clearing.Client
	metrics *metrics.Registry
	now     func() time.Time

	mu      sync.Mutex
	pending taskHeap
	wake    chan struct{}

	stopping bool
	stopped  chan struct{}

	// recent guards against enqueuing the identical txn_id twice while
	// it is already pending, e.g. if a caller retries its own enqueue
	// after a transient local error.
	recent *lru.Cache[string, struct{}]
}

// New constructs a Queue. Call Run in its own goroutine to start
// draining it.
func New(cfg Config, client clearing.Client, reg *metrics.Registry) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	var recent, _ = lru.New[string, struct{}](1024)
	return &Queue{
		cfg:     cfg,
		client:  client,
		metrics: reg,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		recent:  recent,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a reversal task for txnID. Safe to call from any
// goroutine, including from within pipeline request handling.
func (q *Queue) Enqueue(txnID, maskedPAN, amount, merchantID string) {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		log.WithField("txn_id", txnID).Warn("reversal enqueue rejected: queue is shutting down")
		return
	}
	if _, dup := q.recent.Get(txnID); dup {
		q.mu.Unlock()
		log.WithField("txn_id", txnID).Debug("reversal already pending for txn, ignoring duplicate enqueue")
		return
	}
	q.recent.Add(txnID, struct{}{})
	heap.Push(&q.pending, &Task{
		TxnID:         txnID,
		MaskedPAN:     maskedPAN,
		Amount:        amount,
		MerchantID:    merchantID,
		NextAttemptAt: q.now(),
	})
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.Inc(metrics.ReversalEnqueued)
	}
	q.signal()
}

// Run drains the queue until ctx is cancelled or Stop is called. It is
// intended to run in its own goroutine for the lifetime of the process.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.stopped)

	for {
		if q.isStopping() {
			return
		}

		var task, wait = q.popEligible()
		if task != nil {
			q.attempt(ctx, task)
			continue
		}

		var timer = time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// popEligible pops the earliest task whose NextAttemptAt has elapsed.
// If none is eligible yet it returns (nil, remaining), the duration
// the caller should wait before checking again.
func (q *Queue) popEligible() (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, time.Hour
	}
	var head = q.pending[0]
	var wait = head.NextAttemptAt.Sub(q.now())
	if wait <= 0 {
		return heap.Pop(&q.pending).(*Task), 0
	}
	return nil, wait
}

func (q *Queue) isStopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopping
}

// attempt calls clearing abort for task, rescheduling or retiring it
// per spec section 4.8's attempt-counting rule.
func (q *Queue) attempt(ctx context.Context, task *Task) {
	var resp, err = q.client.Call(ctx, clearing.Abort, clearing.Request{
		TxnID:      task.TxnID,
		PANMasked:  task.MaskedPAN,
		Amount:     task.Amount,
		MerchantID: task.MerchantID,
	})

	if err == nil && resp.OK {
		if q.metrics != nil {
			q.metrics.Inc(metrics.ReversalSucceeded)
		}
		q.forget(task.TxnID)
		return
	}

	task.Attempts++
	if task.Attempts >= q.cfg.MaxAttempts {
		log.WithFields(log.Fields{"txn_id": task.TxnID, "attempts": task.Attempts}).
			Error("reversal permanently failed, giving up")
		if q.metrics != nil {
			q.metrics.Inc(metrics.ReversalFailed)
		}
		q.forget(task.TxnID)
		return
	}

	task.NextAttemptAt = q.now().Add(q.cfg.BaseDelay * time.Duration(1<<uint(task.Attempts-1)))
	log.WithFields(log.Fields{"txn_id": task.TxnID, "attempts": task.Attempts, "next_attempt_at": task.NextAttemptAt}).
		Warn("reversal attempt failed, rescheduling")

	q.mu.Lock()
	heap.Push(&q.pending, task)
	q.mu.Unlock()
}

func (q *Queue) forget(txnID string) {
	q.mu.Lock()
	q.recent.Remove(txnID)
	q.mu.Unlock()
}

// Stop stops accepting new work and blocks until the queue's
// in-flight and remaining pending tasks have been released (spec
// section 4.8: "drain in-flight task, stop accepting new work,
// release remaining tasks" — released here means Run exits without
// further retrying them, not that they are retried to completion).
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.signal()
	<-q.stopped
}

// Len reports the number of tasks awaiting an attempt. Exposed for
// tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
