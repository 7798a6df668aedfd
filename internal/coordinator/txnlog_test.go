package coordinator

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestFileLogAppendsNewlineDelimitedJSON(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "coordinator.log")
	l, err := NewFileLog(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Entry{Timestamp: time.Unix(0, 0), TxnID: "txn1", State: "INIT", Action: "BEGIN"}))
	require.NoError(t, l.Append(Entry{Timestamp: time.Unix(1, 0), TxnID: "txn1", State: "COMMITTED", Action: "COMMITTED"}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var scanner = bufio.NewScanner(f)
	var entries []Entry
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 2)
	require.Equal(t, "BEGIN", entries[0].Action)
	require.Equal(t, "COMMITTED", entries[1].Action)
}

func TestNopLogNeverErrors(t *testing.T) {
	require.NoError(t, NopLog{}.Append(Entry{}))
}

// TestEntryJSONShapeIsPinned snapshots the serialized shape of one
// full commit's worth of log entries, so a future field rename or
// reordering in Entry is caught even though no test asserts on every
// field by name.
func TestEntryJSONShapeIsPinned(t *testing.T) {
	var at = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries = []Entry{
		{Timestamp: at, TxnID: "visa_r1_1", State: "INIT", Action: "BEGIN"},
		{Timestamp: at, TxnID: "visa_r1_1", State: "PREPARING", Action: "PREPARING"},
		{Timestamp: at, TxnID: "visa_r1_1", State: "PREPARED", Action: "PREPARED"},
		{Timestamp: at, TxnID: "visa_r1_1", State: "COMMITTING", Action: "COMMITTING"},
		{Timestamp: at, TxnID: "visa_r1_1", State: "COMMITTED", Action: "COMMITTED"},
	}

	var lines []string
	for _, e := range entries {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, string(b))
	}

	cupaloy.SnapshotT(t, strings.Join(lines, "\n"))
}
