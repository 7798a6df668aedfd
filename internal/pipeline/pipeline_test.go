package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/estuary/paymentedge/internal/breaker"
	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/estuary/paymentedge/internal/coordinator"
	"github.com/estuary/paymentedge/internal/dbgateway"
	"github.com/estuary/paymentedge/internal/metrics"
	"github.com/estuary/paymentedge/internal/participant/clearingparticipant"
	"github.com/estuary/paymentedge/internal/reversal"
	"github.com/estuary/paymentedge/internal/risk"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T, client clearing.Client) (*Pipeline, *metrics.Registry, *reversal.Queue) {
	t.Helper()

	var dbPath = filepath.Join(t.TempDir(), "test.db")
	gw, err := dbgateway.Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	var reg = metrics.New()
	var rev = reversal.New(reversal.DefaultConfig(), client, reg)
	go rev.Run(context.Background())
	t.Cleanup(rev.Stop)

	var cfg = Config{
		RiskEnabled: true,
		Risk: risk.Config{
			MaxAmount:         10000,
			VelocityLimit:     3,
			VelocityWindow:    time.Minute,
			BlacklistedBINs:   map[string]struct{}{"411199": {}},
			VelocityTableSize: 64,
		},
		Coordinator: coordinator.Config{},
		Retry:       clearingparticipant.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, CallTimeout: time.Second},
		Breaker:     breaker.Config{Window: time.Minute, FailureThreshold: 1000, OpenDuration: time.Minute},
	}

	return New(cfg, reg, gw, client, rev), reg, rev
}

func requestJSON(t *testing.T, pan, amount, requestID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"pan":        pan,
		"amount":     amount,
		"request_id": requestID,
	})
	require.NoError(t, err)
	return b
}

const validVisaPAN = "4111111111111111"

func TestHappyPathApproves(t *testing.T) {
	var p, reg, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var resp = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10.00", "r1"))
	require.Equal(t, "APPROVED", resp.Status)
	require.Regexp(t, `^visa_r1_\d+$`, resp.TxnID)
	require.False(t, resp.Idempotent)

	var snap = reg.Snapshot()
	require.EqualValues(t, 1, snap[metrics.Total])
	require.EqualValues(t, 1, snap[metrics.Approved])
	require.EqualValues(t, 1, snap[metrics.TwoPCCommitted])
}

func TestLuhnFailureDeclines(t *testing.T) {
	var p, reg, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var resp = p.Handle(context.Background(), 0, requestJSON(t, "4111111111111112", "10.00", "r2"))
	require.Equal(t, declined(ReasonLuhnFailed), resp)
	require.EqualValues(t, 1, reg.Snapshot()[metrics.RiskDeclined])
}

func TestAmountOverCapDeclines(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var resp = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10001.00", "r3"))
	require.Equal(t, declined(ReasonAmountInvalid), resp)
}

func TestVelocityTripsOnRepeatedPAN(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var last Response
	for i := 0; i < 4; i++ {
		last = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "1.00",
			"velocity-"+string(rune('a'+i))))
	}
	require.Equal(t, declined(ReasonVelocityLimitExceeded), last)
}

func TestClearingCommitFailureEnqueuesReversal(t *testing.T) {
	var client = &clearing.FakeClient{FailCommit: true}
	var p, reg, rev = newTestPipeline(t, client)
	defer p.Close()

	var resp = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10.00", "r5"))
	require.Equal(t, declined(ReasonCommitFailed), resp)

	require.Eventually(t, func() bool {
		return reg.Snapshot()[metrics.ReversalEnqueued] == 1
	}, time.Second, 5*time.Millisecond)
	_ = rev
}

// TestClearingPrepareDeclineEnqueuesReversal exercises spec scenario 5:
// even though a PREPARE-phase failure already rolls every participant
// back, the pipeline still enqueues a reversal task unconditionally
// per spec section 4.9 step 9 — the clearing abort it drives is a
// harmless no-op when PREPARE never placed a hold.
func TestClearingPrepareDeclineEnqueuesReversal(t *testing.T) {
	var client = &clearing.FakeClient{FailPrepare: true}
	var p, reg, _ = newTestPipeline(t, client)
	defer p.Close()

	var resp = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10.00", "r-prepare-fail"))
	require.Equal(t, declined(ReasonCommitFailed), resp)
	require.EqualValues(t, 1, reg.Snapshot()[metrics.TwoPCAborted])
	require.Eventually(t, func() bool {
		return reg.Snapshot()[metrics.ReversalEnqueued] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestIdempotentReplayReturnsSameRowOnce(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var first = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10.00", "r6"))
	var second = p.Handle(context.Background(), 0, requestJSON(t, validVisaPAN, "10.00", "r6"))

	require.Equal(t, "APPROVED", first.Status)
	require.Equal(t, "APPROVED", second.Status)
	require.True(t, first.Idempotent || second.Idempotent)
	require.False(t, first.Idempotent && second.Idempotent)

	maskedPAN, _, status, found, err := p.LookupTransaction(context.Background(), "r6")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, dbgateway.Approved, status)
	require.Equal(t, "411111******1111", maskedPAN)
}

func TestBadRequestMissingPAN(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	b, _ := json.Marshal(map[string]string{"amount": "10.00"})
	var resp = p.Handle(context.Background(), 0, b)
	require.Equal(t, declined(ReasonBadRequest), resp)
}
