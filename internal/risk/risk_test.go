package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAmountLimit(t *testing.T) {
	var e = New(DefaultConfig())
	var d = e.Evaluate("4111110000001111", 10001)
	require.False(t, d.Allow)
	require.Equal(t, "amount_limit_exceeded", d.Reason)
}

func TestBlacklist(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.BlacklistedBINs = map[string]struct{}{"411111": {}}
	var e = New(cfg)
	var d = e.Evaluate("4111110000001111", 10)
	require.False(t, d.Allow)
	require.Equal(t, "blacklisted_pan", d.Reason)
}

func TestVelocityTripsAfterLimit(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.VelocityLimit = 3
	cfg.VelocityWindow = time.Minute
	var e = New(cfg)

	var pan = "4000001111112222"
	for i := 0; i < 3; i++ {
		var d = e.Evaluate(pan, 5)
		require.True(t, d.Allow, "request %d should be allowed", i)
	}
	var d = e.Evaluate(pan, 5)
	require.False(t, d.Allow)
	require.Equal(t, "velocity_limit_exceeded", d.Reason)
}

func TestVelocityWindowResets(t *testing.T) {
	var cfg = DefaultConfig()
	cfg.VelocityLimit = 1
	cfg.VelocityWindow = time.Millisecond
	var e = New(cfg)

	var pan = "4000001111113333"
	require.True(t, e.Evaluate(pan, 5).Allow)
	require.False(t, e.Evaluate(pan, 5).Allow)

	time.Sleep(5 * time.Millisecond)
	require.True(t, e.Evaluate(pan, 5).Allow, "window should have reset")
}

func TestApprovedRiskScore(t *testing.T) {
	var e = New(DefaultConfig())
	var d = e.Evaluate("4111110000001111", 10)
	require.True(t, d.Allow)
	require.InDelta(t, 0.1, d.RiskScore, 0.0001)
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, 10.5, FormatAmount("10.50"))
	require.Equal(t, float64(0), FormatAmount("not-a-number"))
}
