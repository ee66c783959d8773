// Command custodian runs a single-process custody node: the workflow engine,
// the reconciler, the proof-of-reserves scheduler and the admin control plane
// over one badger database, with in-process collaborator endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/custodian-labs/custodian-go/admin"
	admincmds "github.com/custodian-labs/custodian-go/admin/commands/custody"
	"github.com/custodian-labs/custodian-go/collaborator/memory"
	"github.com/custodian-labs/custodian-go/config"
	"github.com/custodian-labs/custodian-go/engine/orchestrator"
	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/engine/proofs"
	"github.com/custodian-labs/custodian-go/engine/reconciler"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/executor"
	"github.com/custodian-labs/custodian-go/module/irrecoverable"
	"github.com/custodian-labs/custodian-go/module/metrics"
	"github.com/custodian-labs/custodian-go/module/sysstate"
	"github.com/custodian-labs/custodian-go/module/util"
	bstorage "github.com/custodian-labs/custodian-go/storage/badger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "custodian",
		Short: "bitcoin-backed stablecoin custody node",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the custody node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	config.RegisterFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.DataDir).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("could not open database at %s: %w", cfg.DataDir, err)
	}
	defer db.Close()

	all := bstorage.InitAll(db)

	eventNonce, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "event_nonce", 0)
	if err != nil {
		return err
	}
	operationNonce, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "operation_nonce", 0)
	if err != nil {
		return err
	}
	reconciliationSeq, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "reconciliation_sequence", 0)
	if err != nil {
		return err
	}
	proofSeq, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "proof_sequence", 0)
	if err != nil {
		return err
	}
	adminSeq, err := counters.NewPersistentStrictMonotonicCounter(all.Counters, "admin_sequence", 0)
	if err != nil {
		return err
	}

	bus := events.NewBus(log, metrics.NewEventCollector(), eventNonce)
	exec := executor.New(log, metrics.NewExecutorCollector(), bus)

	state, err := sysstate.NewManager(log, all.SystemState)
	if err != nil {
		return err
	}

	collaborators := memory.NewSuite(cfg.Orchestrator.NativeToken)
	for pair, rateBps := range cfg.Orchestrator.Quotes.FallbackRates {
		from, to, ok := strings.Cut(pair, "/")
		if !ok {
			continue
		}
		collaborators.Oracle.SetRate(from, to, rateBps, cfg.Orchestrator.Quotes.FallbackFeeBps)
	}

	gate := policy.NewGate(log, metrics.NewPolicyCollector(), collaborators.Kyc, all.LimitWindows, bus)

	engine, err := orchestrator.New(
		log,
		metrics.NewOrchestratorCollector(),
		cfg.Orchestrator,
		state,
		gate,
		exec,
		bus,
		all.Operations,
		all.ExchangeRates,
		operationNonce,
		collaborators.Kyc,
		collaborators.Token,
		collaborators.Reserve,
		collaborators.Oracle,
		collaborators.Bitcoin,
	)
	if err != nil {
		return fmt.Errorf("could not create orchestrator: %w", err)
	}

	reconMetrics := metrics.NewReconciliationCollector()

	sentinel := func(_ context.Context, name string, address string) error {
		if address == "" {
			return fmt.Errorf("empty address for collaborator %s", name)
		}
		return nil
	}
	control := admin.NewControl(
		log,
		state,
		gate,
		exec,
		all.EmergencyResponses,
		all.UpgradePlans,
		adminSeq,
		bus,
		engine,
		sentinel,
	)

	reconcilerEngine := reconciler.New(
		log,
		reconMetrics,
		cfg.Reconciler,
		gate,
		collaborators.Reserve,
		collaborators.Token,
		all.ReconciliationRecords,
		reconciliationSeq,
		bus,
		control,
	)

	proofScheduler := proofs.New(
		log,
		reconMetrics,
		cfg.Proofs,
		collaborators.Reserve,
		all.ProofRecords,
		proofSeq,
		bus,
	)

	runner := admin.NewCommandRunner(log)
	admincmds.RegisterAll(runner, control, bus, engine, all.ReconciliationRecords, proofScheduler)
	adminServer := admin.NewServer(log, runner, cfg.AdminPort)

	metricsServer := metrics.NewServer(log, cfg.MetricsPort)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, errCh := irrecoverable.WithSignaler(sigCtx)

	engine.Start(ctx)
	reconcilerEngine.Start(ctx)
	proofScheduler.Start(ctx)

	components := []module.ReadyDoneAware{
		engine,
		reconcilerEngine,
		proofScheduler,
		adminServer,
		metricsServer,
	}

	select {
	case <-util.AllReady(components...):
		log.Info().Msg("custody node ready")
	case err := <-errCh:
		return fmt.Errorf("startup failed: %w", err)
	case <-sigCtx.Done():
		log.Info().Msg("interrupted during startup")
	}

	select {
	case <-sigCtx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Err(err).Msg("irrecoverable error, shutting down")
		stop()
	}

	select {
	case <-util.AllDone(components...):
		log.Info().Msg("custody node stopped")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out")
	}
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
	return log, nil
}
