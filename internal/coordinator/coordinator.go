// Package coordinator implements the two-phase-commit protocol of
// spec section 4.7: registering pluggable participants, driving
// PREPARE -> COMMIT or ABORT, and persisting a durable state log.
//
// Locking is per-txn_id, not global (see SPEC_FULL.md's Open Question
// decision): the Coordinator's mutex guards only the active-transaction
// set (registration, lookup, capacity accounting); each
// DistributedTransaction carries its own mutex guarding its state
// machine and participant calls, so unrelated transactions commit
// concurrently. Grounded on the teacher's materialize/lifecycle.go
// (one orchestration function driving pluggable per-binding drivers)
// and go/runtime/task.go (one mutex-guarded state machine per task).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Errors returned by Coordinator's public API, per spec section 4.7.
var (
	ErrDuplicate        = errors.New("coordinator: duplicate txn_id")
	ErrCapacityExceeded = errors.New("coordinator: capacity exceeded")
	ErrNotFound         = errors.New("coordinator: txn_id not found")

	// ErrPrepareFailed wraps a Commit error that occurred during the
	// PREPARE phase: the transaction was driven to ABORTED and no
	// participant's Commit was ever called. Callers can distinguish
	// this from ErrCommitFailed with errors.Is to decide whether a
	// reversal task is owed (spec section 4.9 step 9).
	ErrPrepareFailed = errors.New("coordinator: prepare phase failed")

	// ErrCommitFailed wraps a Commit error that occurred during the
	// COMMIT phase, after every participant had already PREPARED. At
	// least one participant may have already committed irreversibly;
	// the caller is responsible for enqueuing compensation.
	ErrCommitFailed = errors.New("coordinator: commit phase failed")
)

// State is the DistributedTransaction state machine of spec section 3.
type State string

const (
	Init       State = "INIT"
	Preparing  State = "PREPARING"
	Prepared   State = "PREPARED"
	Committing State = "COMMITTING"
	Committed  State = "COMMITTED"
	Aborting   State = "ABORTING"
	Aborted    State = "ABORTED"
	Failed     State = "FAILED"
)

// Capacity bounds, per spec section 4.7.
const (
	DefaultMaxParticipants      = 8
	DefaultMaxActiveTransactions = 4096
)

// ParticipantFuncs are the three capability functions of spec section 3.
type ParticipantFuncs struct {
	Prepare func(ctx context.Context, txnID string) error
	Commit  func(ctx context.Context, txnID string) error
	Abort   func(ctx context.Context, txnID string) error
}

type registeredParticipant struct {
	name  string
	state State // participant-local state: INIT, PREPARED, COMMITTED, ABORTED, FAILED
	funcs ParticipantFuncs
}

// Coordinator maintains a bounded set of active DistributedTransactions.
type Coordinator struct {
	maxParticipants       int
	maxActiveTransactions int
	prepareTimeout        time.Duration
	log                   Log

	mu     sync.Mutex
	active map[string]*DistributedTransaction
}

// Config holds Coordinator tunables.
type Config struct {
	MaxParticipants       int
	MaxActiveTransactions int
	PrepareTimeout        time.Duration
	Log                   Log // durable state log; NewFileLog or NewEtcdLog
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = DefaultMaxParticipants
	}
	if cfg.MaxActiveTransactions <= 0 {
		cfg.MaxActiveTransactions = DefaultMaxActiveTransactions
	}
	if cfg.Log == nil {
		cfg.Log = NopLog{}
	}
	return &Coordinator{
		maxParticipants:       cfg.MaxParticipants,
		maxActiveTransactions: cfg.MaxActiveTransactions,
		prepareTimeout:        cfg.PrepareTimeout,
		log:                   cfg.Log,
		active:                make(map[string]*DistributedTransaction),
	}
}

// DistributedTransaction is the coordinator's view of one transaction
// in flight. Participants is append-only until the transaction reaches
// a terminal state.
type DistributedTransaction struct {
	TxnID           string
	StartedAt       time.Time
	PrepareDeadline time.Time
	CommitDeadline  time.Time

	mu           sync.Mutex
	state        State
	participants []*registeredParticipant
	coord        *Coordinator
}

// State returns the transaction's current state.
func (t *DistributedTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin creates a new DistributedTransaction for txnID.
func (c *Coordinator) Begin(txnID string) (*DistributedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.active[txnID]; exists {
		return nil, ErrDuplicate
	}
	if len(c.active) >= c.maxActiveTransactions {
		return nil, ErrCapacityExceeded
	}

	var now = time.Now()
	var t = &DistributedTransaction{
		TxnID:     txnID,
		StartedAt: now,
		state:     Init,
		coord:     c,
	}
	if c.prepareTimeout > 0 {
		t.PrepareDeadline = now.Add(c.prepareTimeout)
	}
	c.active[txnID] = t
	c.appendLog(t, "BEGIN")
	return t, nil
}

// RegisterParticipant registers one participant on t, in call order.
func (c *Coordinator) RegisterParticipant(t *DistributedTransaction, name string, funcs ParticipantFuncs) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.participants) >= c.maxParticipants {
		return ErrCapacityExceeded
	}
	t.participants = append(t.participants, &registeredParticipant{
		name:  name,
		state: Init,
		funcs: funcs,
	})
	return nil
}

// GetByID returns the active transaction for txnID, if any.
func (c *Coordinator) GetByID(txnID string) (*DistributedTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.active[txnID]
	return t, ok
}

// Commit drives PREPARE then COMMIT across every registered
// participant, in registration order. On any PREPARE failure it drives
// ABORT instead and returns a non-nil error. On a COMMIT-phase failure
// (after every participant prepared OK) it returns a non-nil error but
// leaves already-committed participants committed: see spec section
// 4.7 bullet 2 — that is the one case where compensation, not
// rollback, is the only remedy, and callers are expected to enqueue it.
func (c *Coordinator) Commit(ctx context.Context, t *DistributedTransaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = Preparing
	c.appendLog(t, "PREPARING")

	var prepareFailed = false
	for _, p := range t.participants {
		if err := c.callWithDeadline(ctx, t.PrepareDeadline, p.funcs.Prepare, t.TxnID); err != nil {
			log.WithFields(log.Fields{"txn_id": t.TxnID, "participant": p.name, "err": err}).
				Warn("participant prepare failed")
			p.state = Failed
			prepareFailed = true
			break
		}
		p.state = Prepared
	}

	if prepareFailed {
		t.state = Aborting
		c.appendLog(t, "ABORTING")
		for _, p := range t.participants {
			if p.state == Prepared || p.state == Failed {
				if err := p.funcs.Abort(ctx, t.TxnID); err != nil {
					log.WithFields(log.Fields{"txn_id": t.TxnID, "participant": p.name, "err": err}).
						Error("participant abort failed")
				}
				p.state = Aborted
			}
		}
		t.state = Aborted
		c.appendLog(t, "ABORTED")
		c.forget(t.TxnID)
		return fmt.Errorf("prepare failed for txn %s: %w", t.TxnID, ErrPrepareFailed)
	}

	t.state = Prepared
	c.appendLog(t, "PREPARED")

	t.state = Committing
	c.appendLog(t, "COMMITTING")

	var commitErrs []error
	for _, p := range t.participants {
		if err := p.funcs.Commit(ctx, t.TxnID); err != nil {
			log.WithFields(log.Fields{"txn_id": t.TxnID, "participant": p.name, "err": err}).
				Error("participant commit failed")
			p.state = Failed
			commitErrs = append(commitErrs, fmt.Errorf("%s: %w", p.name, err))
			continue
		}
		p.state = Committed
	}

	if len(commitErrs) > 0 {
		t.state = Failed
		c.appendLog(t, "FAILED")
		c.forget(t.TxnID)
		return fmt.Errorf("commit failed for txn %s: %w", t.TxnID, errors.Join(append(commitErrs, ErrCommitFailed)...))
	}

	t.state = Committed
	c.appendLog(t, "COMMITTED")
	c.forget(t.TxnID)
	return nil
}

// Abort drives ABORT on every INIT, PREPARED or FAILED participant,
// without first attempting PREPARE. Used for local setup failures (spec
// section 4.9 step 7) where a transaction was begun but never entered
// the coordinator's commit protocol, so its participants are still INIT.
func (c *Coordinator) Abort(ctx context.Context, t *DistributedTransaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = Aborting
	c.appendLog(t, "ABORTING")
	for _, p := range t.participants {
		if p.state == Prepared || p.state == Failed || p.state == Init {
			if err := p.funcs.Abort(ctx, t.TxnID); err != nil {
				log.WithFields(log.Fields{"txn_id": t.TxnID, "participant": p.name, "err": err}).
					Error("participant abort failed")
			}
			p.state = Aborted
		}
	}
	t.state = Aborted
	c.appendLog(t, "ABORTED")
	c.forget(t.TxnID)
}

func (c *Coordinator) forget(txnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, txnID)
}

func (c *Coordinator) appendLog(t *DistributedTransaction, action string) {
	if err := c.log.Append(Entry{
		Timestamp: time.Now(),
		TxnID:     t.TxnID,
		State:     string(t.state),
		Action:    action,
	}); err != nil {
		log.WithFields(log.Fields{"txn_id": t.TxnID, "err": err}).Error("failed to append coordinator log entry")
	}
}

// callWithDeadline invokes fn, treating it as failed if deadline
// elapses first (spec section 4.7: "exceeding it while waiting treats
// the offending participant as PREPARE-FAILED"). A zero deadline means
// no bound beyond ctx's own cancellation.
func (c *Coordinator) callWithDeadline(ctx context.Context, deadline time.Time, fn func(context.Context, string) error, txnID string) error {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var done = make(chan error, 1)
	go func() { done <- fn(ctx, txnID) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("participant call exceeded prepare_deadline: %w", ctx.Err())
	}
}
