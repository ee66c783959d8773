// Package config holds the process configuration: flag registration, env
// binding and defaults for every tunable of the custody node.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/custodian-labs/custodian-go/engine/orchestrator"
	"github.com/custodian-labs/custodian-go/engine/proofs"
	"github.com/custodian-labs/custodian-go/engine/reconciler"
)

// All constant strings are used for CLI flag names and corresponding keys for
// config values.
const (
	// node
	dataDir     = "data-dir"
	logLevel    = "log-level"
	metricsPort = "metrics-port"
	adminPort   = "admin-port"

	// orchestrator
	depositTimeout    = "deposit-timeout"
	withdrawalTimeout = "withdrawal-timeout"
	exchangeTimeout   = "exchange-timeout"
	callTimeout       = "call-timeout"
	callRetries       = "call-retries"
	workers           = "workers"
	watchdogInterval  = "watchdog-interval"
	nativeToken       = "native-token"
	treasuryAccount   = "treasury-account"

	// quotes
	quoteUpdateFrequency = "quote-update-frequency"
	quoteMaxDeviation    = "quote-max-deviation-bps"
	fallbackValidity     = "quote-fallback-validity"
	fallbackSurcharge    = "quote-fallback-surcharge-bps"
	fallbackFee          = "quote-fallback-fee-bps"
	fallbackRates        = "quote-fallback-rates"

	// reconciliation
	reconcileInterval         = "reconcile-interval"
	reconcileCriticalInterval = "reconcile-critical-interval"
	reconcileTolerance        = "reconcile-tolerance-bps"
	reconcileMaxBeforeHalt    = "reconcile-max-before-halt-bps"

	// proofs
	proofInterval = "proof-interval"
)

// Config is the full configuration of a custody node.
type Config struct {
	DataDir     string
	LogLevel    string
	MetricsPort uint
	AdminPort   uint

	Orchestrator orchestrator.Config
	Reconciler   reconciler.Config
	Proofs       proofs.Config
}

// DefaultConfig returns the production defaults for every section.
func DefaultConfig() Config {
	return Config{
		DataDir:      "/var/lib/custodian",
		LogLevel:     "info",
		MetricsPort:  9095,
		AdminPort:    9096,
		Orchestrator: orchestrator.DefaultConfig(),
		Reconciler:   reconciler.DefaultConfig(),
		Proofs:       proofs.DefaultConfig(),
	}
}

// RegisterFlags registers all config flags with their defaults on the given
// flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	def := DefaultConfig()

	flags.String(dataDir, def.DataDir, "directory for the badger database")
	flags.String(logLevel, def.LogLevel, "minimum log level (trace|debug|info|warn|error)")
	flags.Uint(metricsPort, def.MetricsPort, "port of the prometheus metrics server")
	flags.Uint(adminPort, def.AdminPort, "loopback port of the admin command server")

	flags.Duration(depositTimeout, def.Orchestrator.DepositTimeout, "end-to-end timeout of a bitcoin deposit")
	flags.Duration(withdrawalTimeout, def.Orchestrator.WithdrawalTimeout, "end-to-end timeout of a token withdrawal")
	flags.Duration(exchangeTimeout, def.Orchestrator.ExchangeTimeout, "end-to-end timeout of a cross-token exchange")
	flags.Duration(callTimeout, def.Orchestrator.CallTimeout, "timeout of one collaborator call attempt")
	flags.Uint64(callRetries, def.Orchestrator.CallRetries, "retry budget for transient call failures")
	flags.Int(workers, def.Orchestrator.Workers, "size of the operation worker pool")
	flags.Duration(watchdogInterval, def.Orchestrator.WatchdogInterval, "sweep interval for expired pending operations")
	flags.String(nativeToken, def.Orchestrator.NativeToken, "symbol of the bitcoin-backed token")
	flags.String(treasuryAccount, def.Orchestrator.Treasury, "account holding exchange inventory and fees")

	flags.Duration(quoteUpdateFrequency, def.Orchestrator.Quotes.UpdateFrequency, "advertised oracle refresh interval")
	flags.Uint64(quoteMaxDeviation, def.Orchestrator.Quotes.MaxDeviationBps, "allowed oracle deviation from the fallback rate")
	flags.Duration(fallbackValidity, def.Orchestrator.Quotes.FallbackValidity, "validity of a substituted fallback quote")
	flags.Uint64(fallbackSurcharge, def.Orchestrator.Quotes.FallbackSurchargeBps, "fee surcharge on substituted quotes")
	flags.Uint64(fallbackFee, def.Orchestrator.Quotes.FallbackFeeBps, "base fee when the oracle returned nothing")
	flags.StringToString(fallbackRates, nil, "configured fallback rates as from/to=bps pairs")

	flags.Duration(reconcileInterval, def.Reconciler.Interval, "baseline reconciliation frequency")
	flags.Duration(reconcileCriticalInterval, def.Reconciler.CriticalInterval, "reconciliation frequency while escalated")
	flags.Uint64(reconcileTolerance, def.Reconciler.ToleranceBps, "discrepancy treated as rounding noise")
	flags.Uint64(reconcileMaxBeforeHalt, def.Reconciler.MaxBeforeHaltBps, "discrepancy triggering a system-wide halt")

	flags.Duration(proofInterval, def.Proofs.Interval, "proof-of-reserves generation interval")
}

// Load binds the flag set and the CUSTODIAN_* environment into a Config.
// Flags take precedence over environment variables, which take precedence
// over defaults.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	err := v.BindPFlags(flags)
	if err != nil {
		return Config{}, fmt.Errorf("could not bind config flags: %w", err)
	}
	v.SetEnvPrefix("CUSTODIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	cfg.DataDir = v.GetString(dataDir)
	cfg.LogLevel = v.GetString(logLevel)
	cfg.MetricsPort = v.GetUint(metricsPort)
	cfg.AdminPort = v.GetUint(adminPort)

	cfg.Orchestrator.DepositTimeout = v.GetDuration(depositTimeout)
	cfg.Orchestrator.WithdrawalTimeout = v.GetDuration(withdrawalTimeout)
	cfg.Orchestrator.ExchangeTimeout = v.GetDuration(exchangeTimeout)
	cfg.Orchestrator.CallTimeout = v.GetDuration(callTimeout)
	cfg.Orchestrator.CallRetries = v.GetUint64(callRetries)
	cfg.Orchestrator.Workers = v.GetInt(workers)
	cfg.Orchestrator.WatchdogInterval = v.GetDuration(watchdogInterval)
	cfg.Orchestrator.NativeToken = v.GetString(nativeToken)
	cfg.Orchestrator.Treasury = v.GetString(treasuryAccount)

	cfg.Orchestrator.Quotes.UpdateFrequency = v.GetDuration(quoteUpdateFrequency)
	cfg.Orchestrator.Quotes.MaxDeviationBps = v.GetUint64(quoteMaxDeviation)
	cfg.Orchestrator.Quotes.FallbackValidity = v.GetDuration(fallbackValidity)
	cfg.Orchestrator.Quotes.FallbackSurchargeBps = v.GetUint64(fallbackSurcharge)
	cfg.Orchestrator.Quotes.FallbackFeeBps = v.GetUint64(fallbackFee)
	for pair, raw := range v.GetStringMapString(fallbackRates) {
		rate, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid fallback rate for pair %s: %w", pair, err)
		}
		cfg.Orchestrator.Quotes.FallbackRates[pair] = rate
	}

	cfg.Reconciler.Interval = v.GetDuration(reconcileInterval)
	cfg.Reconciler.CriticalInterval = v.GetDuration(reconcileCriticalInterval)
	cfg.Reconciler.ToleranceBps = v.GetUint64(reconcileTolerance)
	cfg.Reconciler.MaxBeforeHaltBps = v.GetUint64(reconcileMaxBeforeHalt)
	cfg.Reconciler.NativeToken = cfg.Orchestrator.NativeToken

	cfg.Proofs.Interval = v.GetDuration(proofInterval)

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data-dir must not be empty")
	}
	if cfg.Orchestrator.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Orchestrator.Workers)
	}
	if cfg.Orchestrator.CallTimeout <= 0 {
		return fmt.Errorf("call-timeout must be positive, got %s", cfg.Orchestrator.CallTimeout)
	}
	if cfg.Reconciler.MaxBeforeHaltBps <= cfg.Reconciler.ToleranceBps {
		return fmt.Errorf("max-before-halt (%d bps) must exceed tolerance (%d bps)",
			cfg.Reconciler.MaxBeforeHaltBps, cfg.Reconciler.ToleranceBps)
	}
	const minDuration = time.Second
	if cfg.Reconciler.Interval < minDuration {
		return fmt.Errorf("reconcile-interval must be at least %s", minDuration)
	}
	return nil
}
