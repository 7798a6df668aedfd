package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Entry is one append-only record of the coordinator's durable state
// log (spec section 4.7: "(timestamp, txn_id, state, action)").
type Entry struct {
	Timestamp time.Time `json:"ts"`
	TxnID     string    `json:"txn_id"`
	State     string    `json:"state"`
	Action    string    `json:"action"`
}

// Log persists coordinator Entry records. Per SPEC_FULL.md's Open
// Question decision, the coordinator never replays this log to
// recover in-doubt transactions on restart: its sole purpose is to
// give an operator an append-only audit trail sufficient to enumerate
// what was in flight at a point in time. Recovery of a crash mid-commit
// is left to the reversal queue's best-effort clearing abort.
type Log interface {
	Append(e Entry) error
}

// NopLog discards every entry. Useful for tests that don't assert on
// log contents.
type NopLog struct{}

// Append implements Log.
func (NopLog) Append(Entry) error { return nil }

// FileLog appends newline-delimited JSON entries to a file, fsyncing
// after every write so a crash never loses an acknowledged entry. It
// is used only when passed as Config.Log: a Coordinator built with a
// nil Log uses NopLog and records nothing, and cmd/paymentd passes
// none. Grounded on the teacher's
// go/ops/logs.go line-oriented append idiom, but using encoding/json
// rather than logrus's formatter since these are structured audit
// records, not operator-facing logs.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileLog opens (creating if necessary) path for appending.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening coordinator log %s: %w", path, err)
	}
	return &FileLog{f: f}, nil
}

// Append implements Log.
func (l *FileLog) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}
	b = append(b, '\n')
	if _, err := l.f.Write(b); err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// EtcdLog persists entries as keys under prefix, one key per entry
// keyed by txn_id and a monotonically-increasing sequence so a single
// txn_id's history sorts in append order. Optional alternative backend
// for deployments that already run etcd for other coordination and
// want the log replicated rather than local-disk, per SPEC_FULL.md's
// DOMAIN STACK wiring of go.etcd.io/etcd/client/v3 (otherwise unused
// by the teacher's own non-distributed sqlite driver path).
type EtcdLog struct {
	client *clientv3.Client
	prefix string

	mu  sync.Mutex
	seq map[string]int64
}

// NewEtcdLog constructs an EtcdLog against an already-connected client.
func NewEtcdLog(client *clientv3.Client, prefix string) *EtcdLog {
	return &EtcdLog{client: client, prefix: prefix, seq: make(map[string]int64)}
}

// Append implements Log.
func (l *EtcdLog) Append(e Entry) error {
	l.mu.Lock()
	var n = l.seq[e.TxnID]
	l.seq[e.TxnID] = n + 1
	l.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}

	var key = fmt.Sprintf("%s/%s/%020d", l.prefix, e.TxnID, n)
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := l.client.Put(ctx, key, string(b)); err != nil {
		return fmt.Errorf("writing etcd log entry: %w", err)
	}
	return nil
}
