// Package pipeline orchestrates L1-L9 into the single request pipeline
// of spec section 4.9: accept -> parse -> validate -> risk -> atomic
// commit -> respond. It is transport-agnostic — Handle takes and
// returns plain values, so any transport adapter (in cmd/paymentd, the
// line-framed listener) calls exactly one code path instead of the
// near-duplicate handlers spec section 9's Design Notes calls out as
// a defect in the original.
//
// Grounded on the teacher's materialize/lifecycle.go, which is
// likewise a single orchestration function driving pluggable
// per-binding drivers through Load -> Prepare -> Store -> Commit; here
// the "drivers" are the two 2PC participants.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/estuary/paymentedge/internal/breaker"
	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/estuary/paymentedge/internal/coordinator"
	"github.com/estuary/paymentedge/internal/dbgateway"
	"github.com/estuary/paymentedge/internal/mask"
	"github.com/estuary/paymentedge/internal/metrics"
	"github.com/estuary/paymentedge/internal/participant/clearingparticipant"
	"github.com/estuary/paymentedge/internal/participant/dbparticipant"
	"github.com/estuary/paymentedge/internal/parser"
	"github.com/estuary/paymentedge/internal/reversal"
	"github.com/estuary/paymentedge/internal/risk"

	log "github.com/sirupsen/logrus"
)

// Response is the wire shape of spec section 6.2.
type Response struct {
	Status     string `json:"status"`
	TxnID      string `json:"txn_id,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Reason codes, exactly as enumerated in spec section 6.2.
const (
	ReasonBadRequest            = "bad_request"
	ReasonLuhnFailed            = "luhn_failed"
	ReasonAmountInvalid         = "amount_invalid"
	ReasonAmountLimitExceeded   = "amount_limit_exceeded"
	ReasonBlacklistedPAN        = "blacklisted_pan"
	ReasonVelocityLimitExceeded = "velocity_limit_exceeded"
	ReasonRiskDecline           = "risk_decline"
	ReasonTxnInitFailed         = "txn_init_failed"
	ReasonParticipantInitFailed = "participant_init_failed"
	ReasonParticipantRegFailed  = "participant_registration_failed"
	ReasonDBBeginFailed         = "db_begin_failed"
	ReasonClearingSetupFailed   = "clearing_setup_failed"
	ReasonDBError               = "db_error"
	ReasonCommitFailed          = "commit_failed"
	ReasonServerBusy            = "server_busy"
)

func declined(reason string) Response { return Response{Status: "DECLINED", Reason: reason} }

// Config bundles the tunables for every L1-L9 component the pipeline
// wires together, sourced from spec section 6.5.
type Config struct {
	RiskEnabled bool
	Risk        risk.Config

	Coordinator coordinator.Config
	Retry       clearingparticipant.RetryConfig
	Breaker     breaker.Config
	Reversal    reversal.Config
}

// Pipeline holds the long-lived collaborators shared by every request:
// metrics, the optional risk engine, the DB gateway, the 2PC
// coordinator, the clearing client, its shared circuit breaker, and
// the reversal queue. It owns one thread-affined *sql.Conn per worker
// ID, opened lazily and released on Close.
type Pipeline struct {
	cfg      Config
	metrics  *metrics.Registry
	risk     *risk.Engine // nil when RiskEnabled is false
	db       *dbgateway.Gateway
	coord    *coordinator.Coordinator
	clearing clearing.Client
	breaker  *breaker.Breaker
	reversal *reversal.Queue
	ledger   *Ledger
	now      func() time.Time

	connsMu sync.Mutex
	conns   map[int]*sql.Conn
}

// New constructs a Pipeline. reg, db, and clearingClient must be
// non-nil; rev may be nil only in tests that don't exercise
// commit-phase failure.
func New(cfg Config, reg *metrics.Registry, db *dbgateway.Gateway, clearingClient clearing.Client, rev *reversal.Queue) *Pipeline {
	var p = &Pipeline{
		cfg:      cfg,
		metrics:  reg,
		db:       db,
		coord:    coordinator.New(cfg.Coordinator),
		clearing: clearingClient,
		breaker:  breaker.New(cfg.Breaker),
		reversal: rev,
		ledger:   NewLedger(),
		now:      time.Now,
		conns:    make(map[int]*sql.Conn),
	}
	if cfg.RiskEnabled {
		p.risk = risk.New(cfg.Risk)
	}
	return p
}

// Close releases every per-worker connection opened by connFor.
func (p *Pipeline) Close() error {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	var firstErr error
	for id, c := range p.conns {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing worker %d connection: %w", id, err)
		}
	}
	return firstErr
}

func (p *Pipeline) connFor(ctx context.Context, workerID int) (*sql.Conn, error) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	if c, ok := p.conns[workerID]; ok {
		return c, nil
	}
	c, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	p.conns[workerID] = c
	return c, nil
}

// Handle runs one request through the full pipeline: parse, Luhn,
// amount sanity, risk, 2PC commit across the database and clearing
// participants, and — on a commit-phase failure — enqueues
// compensation. workerID selects which thread-affined DB connection
// this call uses; the caller (the worker pool) must always pass the
// same workerID for a given goroutine.
func (p *Pipeline) Handle(ctx context.Context, workerID int, raw []byte) Response {
	p.metrics.Inc(metrics.Total)

	req, err := parser.Parse(raw)
	if err != nil {
		log.WithError(err).Debug("request failed to parse")
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonBadRequest)
	}

	if !mask.Luhn(req.PAN) {
		p.metrics.Inc(metrics.Declined)
		p.metrics.Inc(metrics.RiskDeclined)
		return declined(ReasonLuhnFailed)
	}

	var amount = risk.FormatAmount(req.Amount)
	if amount <= 0 || amount > 10000 {
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonAmountInvalid)
	}

	if p.risk != nil {
		if d := p.risk.Evaluate(req.PAN, amount); !d.Allow {
			p.metrics.Inc(metrics.Declined)
			switch d.Reason {
			case ReasonAmountLimitExceeded, ReasonBlacklistedPAN, ReasonVelocityLimitExceeded:
				return declined(d.Reason)
			default:
				return declined(ReasonRiskDecline)
			}
		}
	}

	var maskedPAN = mask.Mask(req.PAN)
	var txnID = fmt.Sprintf("visa_%s_%d", req.RequestID, p.now().Unix())

	txn, err := p.coord.Begin(txnID)
	if err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Warn("coordinator begin failed")
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonTxnInitFailed)
	}

	conn, err := p.connFor(ctx, workerID)
	if err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("acquiring worker db connection failed")
		p.coord.Abort(ctx, txn)
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonParticipantInitFailed)
	}

	var dbP = dbparticipant.New(conn)
	var clearingP = clearingparticipant.New(p.clearing, p.breaker, p.cfg.Retry, p.metrics)

	if err := p.coord.RegisterParticipant(txn, "database", coordinator.ParticipantFuncs{
		Prepare: dbP.Prepare, Commit: dbP.Commit, Abort: dbP.Abort,
	}); err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Warn("registering db participant failed")
		p.coord.Abort(ctx, txn)
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonParticipantRegFailed)
	}
	if err := p.coord.RegisterParticipant(txn, "clearing", coordinator.ParticipantFuncs{
		Prepare: clearingP.Prepare, Commit: clearingP.Commit, Abort: clearingP.Abort,
	}); err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Warn("registering clearing participant failed")
		p.coord.Abort(ctx, txn)
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonParticipantRegFailed)
	}

	if err := dbP.Begin(ctx, txnID); err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("db participant begin failed")
		p.coord.Abort(ctx, txn)
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonDBBeginFailed)
	}

	clearingP.SetTransaction(txnID, clearing.Request{
		PANMasked:  maskedPAN,
		Amount:     req.Amount,
		Currency:   req.Currency,
		MerchantID: req.MerchantID,
	})

	isDuplicate, _, err := dbP.InsertTransaction(ctx, req.RequestID, maskedPAN, req.Amount, dbgateway.Approved)
	if err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Error("insert transaction failed")
		p.coord.Abort(ctx, txn)
		p.metrics.Inc(metrics.Declined)
		return declined(ReasonDBError)
	}

	if err := p.coord.Commit(ctx, txn); err != nil {
		log.WithFields(log.Fields{"txn_id": txnID, "err": err}).Warn("coordinator commit failed")
		p.metrics.Inc(metrics.Declined)
		p.metrics.Inc(metrics.TwoPCAborted)

		// Spec section 4.9 step 9: any coord.commit error enqueues a
		// reversal task, whether the failure happened during PREPARE
		// or COMMIT. The clearing abort this drives is idempotent and
		// best-effort (section 4.6) — a no-op when PREPARE never set
		// a hold — so enqueuing unconditionally is cheap and never
		// leaves a commit-phase failure uncompensated.
		if p.reversal != nil {
			p.reversal.Enqueue(txnID, maskedPAN, req.Amount, req.MerchantID)
		}
		return declined(ReasonCommitFailed)
	}

	p.metrics.Inc(metrics.Approved)
	p.metrics.Inc(metrics.TwoPCCommitted)
	if !isDuplicate {
		p.ledger.RecordApproved(req.MerchantID, amount)
	}
	return Response{Status: "APPROVED", TxnID: txnID, Idempotent: isDuplicate}
}

// Ledger exposes the non-authoritative per-merchant approved-amount
// read-model; no operational endpoint serves it. The DB participant
// remains the system of record.
func (p *Pipeline) Ledger() *Ledger { return p.ledger }

// LookupTransaction serves the `tx?request_id=...` operational
// endpoint of spec section 6.4.
func (p *Pipeline) LookupTransaction(ctx context.Context, requestID string) (maskedPAN, amount string, status dbgateway.Status, found bool, err error) {
	return p.db.Lookup(ctx, requestID)
}

// Ready reports whether the DB gateway is reachable, per the
// operational `ready` endpoint.
func (p *Pipeline) Ready(ctx context.Context) bool {
	return p.db.Ready(ctx)
}
