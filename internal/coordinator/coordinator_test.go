package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func okFuncs(log *[]string, name string) ParticipantFuncs {
	return ParticipantFuncs{
		Prepare: func(context.Context, string) error {
			*log = append(*log, name+":prepare")
			return nil
		},
		Commit: func(context.Context, string) error {
			*log = append(*log, name+":commit")
			return nil
		},
		Abort: func(context.Context, string) error {
			*log = append(*log, name+":abort")
			return nil
		},
	}
}

func TestHappyPathCommitsAllInOrder(t *testing.T) {
	var c = New(Config{})
	var calls []string

	var txn, err = c.Begin("txn1")
	require.NoError(t, err)
	require.NoError(t, c.RegisterParticipant(txn, "db", okFuncs(&calls, "db")))
	require.NoError(t, c.RegisterParticipant(txn, "clearing", okFuncs(&calls, "clearing")))

	require.NoError(t, c.Commit(context.Background(), txn))
	require.Equal(t, Committed, txn.State())
	require.Equal(t, []string{"db:prepare", "clearing:prepare", "db:commit", "clearing:commit"}, calls)
}

func TestDuplicateTxnIDRejected(t *testing.T) {
	var c = New(Config{})
	_, err := c.Begin("txn1")
	require.NoError(t, err)
	_, err = c.Begin("txn1")
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCapacityExceeded(t *testing.T) {
	var c = New(Config{MaxActiveTransactions: 1})
	_, err := c.Begin("txn1")
	require.NoError(t, err)
	_, err = c.Begin("txn2")
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestParticipantCapacityExceeded(t *testing.T) {
	var c = New(Config{MaxParticipants: 1})
	var txn, _ = c.Begin("txn1")
	var calls []string
	require.NoError(t, c.RegisterParticipant(txn, "db", okFuncs(&calls, "db")))
	require.ErrorIs(t, c.RegisterParticipant(txn, "clearing", okFuncs(&calls, "clearing")), ErrCapacityExceeded)
}

// TestPrepareFailureAbortsEverythingAlreadyPrepared verifies spec
// section 4.7's abort rule: when the second participant's PREPARE
// fails, the already-PREPARED first participant and the FAILED second
// one both receive ABORT, in registration order, and no COMMIT is sent.
func TestPrepareFailureAbortsEverythingAlreadyPrepared(t *testing.T) {
	var c = New(Config{})
	var calls []string

	var txn, _ = c.Begin("txn1")
	require.NoError(t, c.RegisterParticipant(txn, "db", okFuncs(&calls, "db")))
	require.NoError(t, c.RegisterParticipant(txn, "clearing", ParticipantFuncs{
		Prepare: func(context.Context, string) error {
			calls = append(calls, "clearing:prepare")
			return errors.New("declined")
		},
		Commit: func(context.Context, string) error {
			calls = append(calls, "clearing:commit")
			return nil
		},
		Abort: func(context.Context, string) error {
			calls = append(calls, "clearing:abort")
			return nil
		},
	}))

	var err = c.Commit(context.Background(), txn)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPrepareFailed)
	require.Equal(t, Aborted, txn.State())
	require.Equal(t, []string{"db:prepare", "clearing:prepare", "db:abort", "clearing:abort"}, calls)
}

func TestCommitPhaseFailureMarksTransactionFailed(t *testing.T) {
	var c = New(Config{})
	var calls []string

	var txn, _ = c.Begin("txn1")
	require.NoError(t, c.RegisterParticipant(txn, "db", okFuncs(&calls, "db")))
	require.NoError(t, c.RegisterParticipant(txn, "clearing", ParticipantFuncs{
		Prepare: func(context.Context, string) error { return nil },
		Commit: func(context.Context, string) error {
			return errors.New("remote timeout")
		},
		Abort: func(context.Context, string) error { return nil },
	}))

	var err = c.Commit(context.Background(), txn)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCommitFailed)
	require.Equal(t, Failed, txn.State())
	// The db participant's own commit still ran: a commit-phase failure
	// is never walked back, only compensated for out of band.
	require.Contains(t, calls, "db:commit")
}

func TestGetByIDForgetsTerminalTransactions(t *testing.T) {
	var c = New(Config{})
	var txn, _ = c.Begin("txn1")
	require.NoError(t, c.Commit(context.Background(), txn))

	_, ok := c.GetByID("txn1")
	require.False(t, ok, "a committed transaction is no longer active")
}

func TestAbortWithoutPrepareCallsAbortOnRegisteredParticipants(t *testing.T) {
	var c = New(Config{})
	var calls []string

	var txn, _ = c.Begin("txn1")
	require.NoError(t, c.RegisterParticipant(txn, "db", okFuncs(&calls, "db")))

	c.Abort(context.Background(), txn)
	require.Equal(t, Aborted, txn.State())
	require.Contains(t, calls, "db:abort")
}

// TestConcurrentTransactionsDoNotSerializeOnEachOther exercises the
// per-txn_id locking decision: one slow transaction must not block
// another's commit.
func TestConcurrentTransactionsDoNotSerializeOnEachOther(t *testing.T) {
	var c = New(Config{})
	var release = make(chan struct{})

	var txnSlow, _ = c.Begin("slow")
	require.NoError(t, c.RegisterParticipant(txnSlow, "blocker", ParticipantFuncs{
		Prepare: func(context.Context, string) error { <-release; return nil },
		Commit:  func(context.Context, string) error { return nil },
		Abort:   func(context.Context, string) error { return nil },
	}))

	var txnFast, _ = c.Begin("fast")
	var calls []string
	require.NoError(t, c.RegisterParticipant(txnFast, "p", okFuncs(&calls, "p")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.Commit(context.Background(), txnSlow)
	}()

	require.NoError(t, c.Commit(context.Background(), txnFast))
	close(release)
	wg.Wait()
}
