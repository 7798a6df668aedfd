// Package workerpool implements the bounded-FIFO worker pool of spec
// section 4.1: a fixed number of worker goroutines draining a
// capacity-bounded queue, with a non-blocking Submit that returns
// ErrBusy instead of blocking the caller when the queue is full.
//
// The spec describes this as one mutex + one condition variable
// guarding a FIFO; the idiomatic Go translation (invited by spec
// section 9's "pointer-and-mutex state ->
// channels" guidance) is a buffered channel as the bounded FIFO, with
// a select/default on Submit for the non-blocking BUSY path. Grounded
// on the teacher's goroutine-per-worker loops draining a channel under
// a context.Context (go/shuffle/read.go, go/captures/kinesis/capture.go).
package workerpool

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrBusy is returned by Submit when the queue is at capacity. The
// job is neither enqueued nor executed.
var ErrBusy = errors.New("workerpool: busy")

// Job is one unit of work. It receives the pool's shutdown context so
// long-running jobs can observe cancellation during drain, and the id
// (0..workers-1) of the worker executing it, so callers can bind
// per-worker resources such as a thread-affined database handle
// (spec section 4.4) without a lookup on every call.
type Job func(ctx context.Context, workerID int)

// Pool runs a fixed number of workers against a bounded FIFO queue.
type Pool struct {
	queue   chan Job
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool with the given worker count and queue
// capacity, and starts its workers immediately.
func New(workers, queueCap int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCap <= 0 {
		queueCap = 1
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var p = &Pool{
		queue:   make(chan Job, queueCap),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	return p
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if p.ctx.Err() != nil {
				// Shutdown raced this receive: drop the job unstarted.
				return
			}
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"worker": id, "panic": r}).Error("worker pool job panicked")
		}
	}()
	job(p.ctx, id)
}

// Submit enqueues job without blocking. It returns ErrBusy when the
// queue is already at capacity; the job is then neither enqueued nor
// executed, per spec section 4.1's backpressure contract.
func (p *Pool) Submit(job Job) error {
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrBusy
	}
}

// Len reports the number of jobs currently queued but not yet picked
// up by a worker. Exposed for tests and operational introspection.
func (p *Pool) Len() int {
	return len(p.queue)
}

// Shutdown stops the workers and waits for in-flight jobs to finish.
// Per spec section 4.1, any jobs still sitting in the queue (not yet
// picked up by a worker) are dropped, not drained. Submit is not closed
// off: a job submitted after Shutdown is queued while there is room,
// but never executed.
func (p *Pool) Shutdown() {
	p.cancel()
	// Drain whatever workers had already popped before ctx was
	// observed; queued-but-unstarted jobs are simply abandoned when
	// the channel is never read from again.
	p.wg.Wait()
}
