// Package clearingparticipant wraps a clearing.Client as a 2PC
// participant, guarding every call with a process-global circuit
// breaker and bounded retry with exponential backoff (spec section
// 4.6). The retry/backoff shape is grounded on the teacher's
// go/materialize/driver/webhook/driver.go Commit loop.
package clearingparticipant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estuary/paymentedge/internal/breaker"
	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/estuary/paymentedge/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// RetryConfig holds the bounded-retry tunables of spec section 4.6.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	CallTimeout time.Duration
}

// Participant speaks prepare|commit|abort through a shared breaker,
// for one txn_id at a time.
type Participant struct {
	client  clearing.Client
	breaker *breaker.Breaker
	retry   RetryConfig
	metrics *metrics.Registry
	sleep   func(time.Duration)

	mu         sync.Mutex
	hasHold    bool
	currentTxn string
	details    clearing.Request
}

// New constructs a Participant. breaker is shared process-wide across
// every Participant instance fronting the same remote endpoint.
func New(client clearing.Client, b *breaker.Breaker, retry RetryConfig, reg *metrics.Registry) *Participant {
	return &Participant{
		client:  client,
		breaker: b,
		retry:   retry,
		metrics: reg,
		sleep:   time.Sleep,
	}
}

// SetTransaction records the transaction details for subsequent calls.
// Must precede Prepare.
func (p *Participant) SetTransaction(txnID string, details clearing.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentTxn = txnID
	p.details = details
}

// Prepare sets has_hold = true on success.
func (p *Participant) Prepare(ctx context.Context, txnID string) error {
	resp, err := p.call(ctx, clearing.Prepare, txnID)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("clearing prepare declined: %s", resp.Error)
	}
	p.mu.Lock()
	p.hasHold = true
	p.mu.Unlock()
	return nil
}

// Commit requires has_hold for the same txn_id; clears state on success.
func (p *Participant) Commit(ctx context.Context, txnID string) error {
	p.mu.Lock()
	var ok = p.hasHold && p.currentTxn == txnID
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("clearing commit called without a hold for txn %s", txnID)
	}

	resp, err := p.call(ctx, clearing.Commit, txnID)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("clearing commit failed: %s", resp.Error)
	}

	p.mu.Lock()
	p.hasHold = false
	p.mu.Unlock()
	return nil
}

// Abort is idempotent and best-effort: it clears local state
// unconditionally and always returns OK, even if the remote abort
// fails — compensation continues via the reversal queue in that case.
func (p *Participant) Abort(ctx context.Context, txnID string) error {
	_, _ = p.call(ctx, clearing.Abort, txnID)

	p.mu.Lock()
	p.hasHold = false
	p.mu.Unlock()
	return nil
}

// call issues one verb through the breaker and bounded retry/backoff.
func (p *Participant) call(ctx context.Context, verb clearing.Verb, txnID string) (clearing.Response, error) {
	p.mu.Lock()
	var req = p.details
	req.TxnID = txnID
	p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		if !p.breaker.Allow() {
			if p.metrics != nil {
				p.metrics.Inc(metrics.ClearingCBShortCircuit)
			}
			return clearing.Response{}, fmt.Errorf("clearing %s: circuit breaker open", verb)
		}

		if attempt > 0 {
			p.sleep(backoff(p.retry.BaseDelay, attempt))
		}

		callCtx, cancel := context.WithTimeout(ctx, p.retry.CallTimeout)
		resp, err := p.client.Call(callCtx, verb, req)
		cancel()

		if err == nil && resp.OK {
			p.breaker.RecordSuccess()
			return resp, nil
		}

		p.breaker.RecordFailure()
		if err != nil {
			lastErr = err
			log.WithFields(log.Fields{"verb": verb, "txn_id": txnID, "attempt": attempt, "err": err}).
				Warn("clearing call failed, will retry")
			continue
		}
		// Transport succeeded but the remote declined: that's a final
		// answer, not worth retrying.
		return resp, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("clearing %s: retries exhausted", verb)
	}
	return clearing.Response{}, lastErr
}

func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(1<<uint(attempt))
}
