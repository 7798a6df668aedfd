package dbparticipant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/estuary/paymentedge/internal/dbgateway"
	"github.com/stretchr/testify/require"
)

func newParticipant(t *testing.T) (*Participant, *dbgateway.Gateway) {
	t.Helper()
	var ctx = context.Background()
	var g, err = dbgateway.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	conn, err := g.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return New(conn), g
}

func TestHappyPathLifecycle(t *testing.T) {
	var ctx = context.Background()
	var p, _ = newParticipant(t)

	require.NoError(t, p.Begin(ctx, "txn1"))
	dup, status, err := p.InsertTransaction(ctx, "r1", "411111******1111", "10.00", dbgateway.Approved)
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, dbgateway.Approved, status)

	require.NoError(t, p.Prepare(ctx, "txn1"))
	require.Equal(t, Prepared, p.StateFor())

	require.NoError(t, p.Commit(ctx, "txn1"))
	require.Equal(t, Committed, p.StateFor())
}

func TestAbortAfterPrepareRollsBack(t *testing.T) {
	var ctx = context.Background()
	var p, g = newParticipant(t)

	require.NoError(t, p.Begin(ctx, "txn2"))
	_, _, err := p.InsertTransaction(ctx, "r2", "411111******1111", "10.00", dbgateway.Approved)
	require.NoError(t, err)
	require.NoError(t, p.Prepare(ctx, "txn2"))

	require.NoError(t, p.Abort(ctx, "txn2"))
	require.Equal(t, Aborted, p.StateFor())

	_, _, _, found, err := g.Lookup(ctx, "r2")
	require.NoError(t, err)
	require.False(t, found, "aborted insert must not be visible")
}

func TestAbortIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var p, _ = newParticipant(t)

	require.NoError(t, p.Abort(ctx, "never-begun"))
	require.Equal(t, None, p.StateFor())

	require.NoError(t, p.Begin(ctx, "txn3"))
	require.NoError(t, p.Abort(ctx, "txn3"))
	require.NoError(t, p.Abort(ctx, "txn3"))
	require.Equal(t, Aborted, p.StateFor())
}

func TestInsertOutsideActiveFails(t *testing.T) {
	var ctx = context.Background()
	var p, _ = newParticipant(t)

	_, _, err := p.InsertTransaction(ctx, "r4", "masked", "1.00", dbgateway.Approved)
	require.Error(t, err)
}
