package main

import (
	"time"

	"github.com/estuary/paymentedge/internal/breaker"
	"github.com/estuary/paymentedge/internal/coordinator"
	"github.com/estuary/paymentedge/internal/participant/clearingparticipant"
	"github.com/estuary/paymentedge/internal/reversal"
	"github.com/estuary/paymentedge/internal/risk"
)

// Config is the full CLI/env surface of spec section 6.5, plus the
// CLEARING_URL ambient addition documented in SPEC_FULL.md. Every
// field is tagged for github.com/jessevdk/go-flags, the teacher's own
// CLI/config idiom (flowctl's per-command option structs).
type Config struct {
	ListenPort int    `long:"listen-port" env:"LISTEN_PORT" default:"8080" description:"TCP port the line-framed listener binds"`
	Workers    int    `long:"workers" env:"WORKERS" default:"8" description:"number of pipeline worker goroutines"`
	QueueCap   int    `long:"queue-cap" env:"QUEUE_CAP" default:"256" description:"bounded job queue capacity"`
	DBURI      string `long:"db-uri" env:"DB_URI" default:"file:paymentd.db?cache=shared&_journal_mode=WAL" description:"sqlite DSN for the transaction record store"`
	APIToken   string `long:"api-token" env:"API_TOKEN" description:"optional bearer token required on secure operational endpoints"`

	RiskEnabled           bool          `long:"risk-enabled" env:"RISK_ENABLED" description:"enable the risk engine (amount/blacklist/velocity rules)"`
	RiskMaxAmount         float64       `long:"risk-max-amount" env:"RISK_MAX_AMOUNT" default:"10000"`
	RiskVelocityLimit     int           `long:"risk-velocity-limit" env:"RISK_VELOCITY_LIMIT" default:"10"`
	RiskVelocityWindowSec int           `long:"risk-velocity-window-sec" env:"RISK_VELOCITY_WINDOW_SEC" default:"60"`

	ClearingURL        string        `long:"clearing-url" env:"CLEARING_URL" description:"remote clearing endpoint; unset runs against the in-memory fake"`
	ClearingTimeout    time.Duration `long:"clearing-timeout" env:"CLEARING_TIMEOUT" default:"2s"`
	ClearingCBWindow   time.Duration `long:"clearing-cb-window" env:"CLEARING_CB_WINDOW" default:"30s"`
	ClearingCBFails    int           `long:"clearing-cb-fails" env:"CLEARING_CB_FAILS" default:"5"`
	ClearingCBOpenSecs time.Duration `long:"clearing-cb-open-secs" env:"CLEARING_CB_OPEN_SECS" default:"10s"`
	ClearingRetryMax   int           `long:"clearing-retry-max" env:"CLEARING_RETRY_MAX" default:"3"`

	ReversalMaxAttempts int           `long:"reversal-max-attempts" env:"REVERSAL_MAX_ATTEMPTS" default:"5"`
	ReversalBaseDelayMS time.Duration `long:"reversal-base-delay-ms" env:"REVERSAL_BASE_DELAY_MS" default:"500ms"`
}

// riskConfig and the methods below translate the flat CLI surface into
// the per-component Config structs internal/pipeline.New expects.
func (c Config) riskConfig() risk.Config {
	var cfg = risk.DefaultConfig()
	cfg.MaxAmount = c.RiskMaxAmount
	cfg.VelocityLimit = c.RiskVelocityLimit
	cfg.VelocityWindow = time.Duration(c.RiskVelocityWindowSec) * time.Second
	return cfg
}

func (c Config) breakerConfig() breaker.Config {
	return breaker.Config{
		Window:           c.ClearingCBWindow,
		FailureThreshold: c.ClearingCBFails,
		OpenDuration:     c.ClearingCBOpenSecs,
	}
}

func (c Config) retryConfig() clearingparticipant.RetryConfig {
	return clearingparticipant.RetryConfig{
		MaxRetries:  c.ClearingRetryMax,
		BaseDelay:   100 * time.Millisecond,
		CallTimeout: c.ClearingTimeout,
	}
}

func (c Config) reversalConfig() reversal.Config {
	return reversal.Config{
		MaxAttempts: c.ReversalMaxAttempts,
		BaseDelay:   c.ReversalBaseDelayMS,
	}
}

func (c Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{}
}
