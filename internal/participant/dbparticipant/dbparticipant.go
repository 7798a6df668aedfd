// Package dbparticipant wraps one logical database transaction as a
// 2PC-capable participant (spec section 4.5).
//
// SQLite has no PREPARE TRANSACTION / COMMIT PREPARED verbs — those are
// a Postgres/XA notion. We emulate the prepare barrier with a named
// SAVEPOINT: by the time prepare() returns OK, every statement the
// transaction will ever run has already been executed and accepted by
// SQLite's own transaction machinery, so the SAVEPOINT is released (not
// rolled back) at COMMIT and rolled back to at ABORT. This mirrors the
// teacher's own sqlite.go, which notes SQLite needs workarounds other
// backends don't.
package dbparticipant

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/estuary/paymentedge/internal/dbgateway"
	log "github.com/sirupsen/logrus"
)

// State is the participant-local lifecycle of spec section 4.5.
type State string

const (
	None      State = "NONE"
	Active    State = "ACTIVE"
	Prepared  State = "PREPARED"
	Committed State = "COMMITTED"
	Aborted   State = "ABORTED"
)

const savepointName = "txn_prepare"

// Participant is a single-use, single-txn_id wrapper over a *sql.Conn.
// It enforces one-at-a-time use via mu: begin/insert/prepare/commit/
// abort all take the lock for their duration.
type Participant struct {
	conn *sql.Conn

	mu    sync.Mutex
	state State
	txnID string
	tx    *sql.Tx
}

// New constructs a Participant bound to a dedicated connection. Callers
// own the connection's lifetime (typically one per worker).
func New(conn *sql.Conn) *Participant {
	return &Participant{conn: conn, state: None}
}

// Begin opens a local transaction for txnID. A Participant can be
// begun only once: Begin in any state other than NONE (including after
// Commit or Abort) returns an error.
func (p *Participant) Begin(ctx context.Context, txnID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != None {
		return fmt.Errorf("dbparticipant: begin called in state %s", p.state)
	}

	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbparticipant: begin: %w", err)
	}
	p.tx, p.txnID, p.state = tx, txnID, Active
	return nil
}

// InsertTransaction inserts (or idempotently fetches) a TransactionRecord
// under the active local transaction. Must be called only in ACTIVE.
func (p *Participant) InsertTransaction(
	ctx context.Context, requestID, panMasked, amount string, status dbgateway.Status,
) (isDuplicate bool, finalStatus dbgateway.Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active {
		return false, "", fmt.Errorf("dbparticipant: insert_transaction called in state %s", p.state)
	}
	return dbgateway.InsertOrGetByRequestID(ctx, p.tx, requestID, panMasked, amount, status)
}

// Prepare issues the prepared-transaction barrier for txnID, transitioning
// ACTIVE -> PREPARED. On error the local state stays ACTIVE (the
// coordinator records the participant as FAILED and drives ABORT, which
// rolls back the whole local transaction).
func (p *Participant) Prepare(ctx context.Context, txnID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active || p.txnID != txnID {
		return fmt.Errorf("dbparticipant: prepare called in state %s for txn %s", p.state, txnID)
	}

	if _, err := p.tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("db participant prepare failed")
		return fmt.Errorf("dbparticipant: prepare: %w", err)
	}
	p.state = Prepared
	return nil
}

// Commit commits the prepared transaction. Must succeed if Prepare
// succeeded, barring operator intervention on the underlying store.
func (p *Participant) Commit(ctx context.Context, txnID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Prepared || p.txnID != txnID {
		return fmt.Errorf("dbparticipant: commit called in state %s for txn %s", p.state, txnID)
	}

	if _, err := p.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return fmt.Errorf("dbparticipant: release savepoint: %w", err)
	}
	if err := p.tx.Commit(); err != nil {
		return fmt.Errorf("dbparticipant: commit: %w", err)
	}
	p.state = Committed
	return nil
}

// Abort rolls back: to the savepoint if PREPARED, or the whole local
// transaction if still ACTIVE. Idempotent — a no-op abort (state is
// already terminal, or NONE) returns OK.
func (p *Participant) Abort(ctx context.Context, txnID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case None, Aborted, Committed:
		return nil

	case Prepared:
		if _, err := p.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepointName); err != nil {
			log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("rollback to savepoint failed")
		}
		if err := p.tx.Rollback(); err != nil {
			log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("rollback failed")
		}
		p.state = Aborted
		return nil

	case Active:
		if err := p.tx.Rollback(); err != nil {
			log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("rollback failed")
		}
		p.state = Aborted
		return nil
	}
	return nil
}

// StateFor reports the participant's current lifecycle state.
func (p *Participant) StateFor() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
