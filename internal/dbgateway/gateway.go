// Package dbgateway supplies thread-affined connection handles over a
// shared TransactionRecord store, and the idempotent-insert primitive
// the rest of the pipeline builds on.
//
// Grounded on the teacher's go/materialize/driver/sqlite/sqlite.go,
// which opens one *sql.Conn per purpose from a shared *sql.DB and
// serializes sqlite's first Open under a package mutex.
package dbgateway

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Status mirrors TransactionRecord.status.
type Status string

const (
	Approved Status = "APPROVED"
	Declined Status = "DECLINED"
)

// sqliteOpenMu serializes sqlite's first Open/create of a database file;
// concurrent opens of a not-yet-created file race and can return
// "database is locked" — the same workaround the teacher applies.
var sqliteOpenMu sync.Mutex

// Gateway owns the shared *sql.DB bootstrap and hands out one
// thread-affined *sql.Conn per worker.
type Gateway struct {
	db *sql.DB
}

// Open opens (and migrates) the TransactionRecord store at uri.
func Open(ctx context.Context, uri string) (*Gateway, error) {
	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", uri)
	if err == nil {
		err = db.PingContext(ctx)
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", uri, err)
	}

	var g = &Gateway{db: db}
	if err := g.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database %q: %w", uri, err)
	}
	return g, nil
}

func (g *Gateway) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS transaction_records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT UNIQUE,
		pan_masked  TEXT NOT NULL,
		amount      NUMERIC NOT NULL,
		status      TEXT NOT NULL,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := g.db.ExecContext(ctx, schema)
	return err
}

// Conn returns a new thread-affined connection bound to the gateway's
// pool; callers hold it for the lifetime of one worker.
func (g *Gateway) Conn(ctx context.Context) (*sql.Conn, error) {
	return g.db.Conn(ctx)
}

// Ready reports whether the underlying store is reachable.
func (g *Gateway) Ready(ctx context.Context) bool {
	if err := g.db.PingContext(ctx); err != nil {
		log.WithError(err).Warn("db readiness probe failed")
		return false
	}
	return true
}

// Close releases the shared pool.
func (g *Gateway) Close() error { return g.db.Close() }

// InsertOrGetByRequestID atomically inserts a new TransactionRecord, or
// on a unique-key conflict on request_id, returns the existing row's
// status. An empty requestID always inserts (no dedup key to conflict
// on).
//
// execer abstracts over *sql.Conn and *sql.Tx so the DB participant can
// run this under its own local transaction.
func InsertOrGetByRequestID(
	ctx context.Context,
	execer interface {
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	},
	requestID, panMasked, amount string,
	status Status,
) (isDuplicate bool, finalStatus Status, err error) {
	if requestID != "" {
		var existing string
		err = execer.QueryRowContext(ctx,
			`SELECT status FROM transaction_records WHERE request_id = ?`, requestID,
		).Scan(&existing)
		if err == nil {
			return true, Status(existing), nil
		}
		if err != sql.ErrNoRows {
			return false, "", fmt.Errorf("querying existing request_id: %w", err)
		}
	}

	_, err = execer.ExecContext(ctx,
		`INSERT INTO transaction_records (request_id, pan_masked, amount, status) VALUES (?, ?, ?, ?)`,
		nullableString(requestID), panMasked, amount, string(status),
	)
	if err != nil {
		// Lost the race against a concurrent insert of the same
		// request_id: fetch the row it created instead of failing.
		if requestID != "" {
			var existing string
			if scanErr := execer.QueryRowContext(ctx,
				`SELECT status FROM transaction_records WHERE request_id = ?`, requestID,
			).Scan(&existing); scanErr == nil {
				return true, Status(existing), nil
			}
		}
		return false, "", fmt.Errorf("inserting transaction record: %w", err)
	}

	return false, status, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Lookup fetches a TransactionRecord by request_id for the `tx?` endpoint.
func (g *Gateway) Lookup(ctx context.Context, requestID string) (panMasked string, amount string, status Status, found bool, err error) {
	var row = g.db.QueryRowContext(ctx,
		`SELECT pan_masked, amount, status FROM transaction_records WHERE request_id = ?`, requestID)
	var s string
	if err = row.Scan(&panMasked, &amount, &s); err != nil {
		if err == sql.ErrNoRows {
			return "", "", "", false, nil
		}
		return "", "", "", false, fmt.Errorf("looking up request_id %q: %w", requestID, err)
	}
	return panMasked, amount, Status(s), true, nil
}
