package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/estuary/paymentedge/internal/clearing"
	"github.com/stretchr/testify/require"
)

func merchantRequestJSON(t *testing.T, pan, amount, requestID, merchantID string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"pan":         pan,
		"amount":      amount,
		"request_id":  requestID,
		"merchant_id": merchantID,
	})
	require.NoError(t, err)
	return b
}

func TestLedgerTalliesApprovedAmountsPerMerchant(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var b1 = merchantRequestJSON(t, validVisaPAN, "10.00", "ledger-r1", "ACME")
	var b2 = merchantRequestJSON(t, validVisaPAN, "5.00", "ledger-r2", "ACME")

	require.Equal(t, "APPROVED", p.Handle(context.Background(), 0, b1).Status)
	require.Equal(t, "APPROVED", p.Handle(context.Background(), 0, b2).Status)

	total, count := p.Ledger().Total("ACME")
	require.Equal(t, 15.0, total)
	require.Equal(t, 2, count)
}

func TestLedgerSkipsIdempotentReplay(t *testing.T) {
	var p, _, _ = newTestPipeline(t, &clearing.FakeClient{})
	defer p.Close()

	var b = merchantRequestJSON(t, validVisaPAN, "7.00", "ledger-replay", "WIDGETCO")
	p.Handle(context.Background(), 0, b)
	p.Handle(context.Background(), 0, b)

	total, count := p.Ledger().Total("WIDGETCO")
	require.Equal(t, 7.0, total, "a replayed idempotent request must not double-count")
	require.Equal(t, 1, count)
}
