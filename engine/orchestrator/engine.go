// Package orchestrator implements the workflow engine: submission, execution
// and termination of multi-step operations across the collaborator services,
// with compensating rollback on partial failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/engine/orchestrator/policy"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/module/component"
	"github.com/custodian-labs/custodian-go/module/counters"
	"github.com/custodian-labs/custodian-go/module/events"
	"github.com/custodian-labs/custodian-go/module/executor"
	"github.com/custodian-labs/custodian-go/module/irrecoverable"
	"github.com/custodian-labs/custodian-go/module/sysstate"
	"github.com/custodian-labs/custodian-go/storage"
)

// Config tunes the workflow engine.
type Config struct {
	DepositTimeout    time.Duration
	WithdrawalTimeout time.Duration
	ExchangeTimeout   time.Duration

	// CallTimeout bounds one collaborator call attempt.
	CallTimeout time.Duration
	// CallRetries is the retry budget for transient call failures.
	CallRetries uint64

	Workers          int
	WatchdogInterval time.Duration

	// NativeToken is the bitcoin-backed token minted against deposits.
	NativeToken string
	// Treasury is the account holding exchange inventory and fees.
	Treasury string

	Quotes QuoteConfig
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DepositTimeout:    5 * time.Minute,
		WithdrawalTimeout: 10 * time.Minute,
		ExchangeTimeout:   2 * time.Minute,
		CallTimeout:       5 * time.Second,
		CallRetries:       3,
		Workers:           16,
		WatchdogInterval:  5 * time.Second,
		NativeToken:       "cbtc",
		Treasury:          "treasury",
		Quotes:            DefaultQuoteConfig(),
	}
}

// OperationStatus is the poll view of an operation.
type OperationStatus struct {
	ID                         custody.Identifier
	Kind                       custody.OperationKind
	State                      custody.OperationState
	CorrelationID              uint64
	SubmittedAt                time.Time
	UpdatedAt                  time.Time
	TimeoutAt                  time.Time
	LastErrorClass             custody.ErrorClass
	CompensationOutcome        string
	ManualInterventionRequired bool
	Steps                      []custody.OperationStep
}

// inflight is the engine's private bookkeeping of one non-terminal operation.
type inflight struct {
	op        *custody.Operation
	admission *policy.Admission

	// reservations held, released on any terminal state
	reservations []custody.Reservation

	cancelled bool
}

// Engine is the workflow engine. It exclusively owns Operation, OperationStep
// and Reservation records.
type Engine struct {
	component.Component
	cm *component.ComponentManager

	log     zerolog.Logger
	metrics module.OrchestratorMetrics
	cfg     Config

	state *sysstate.Manager
	gate  *policy.Gate
	exec  *executor.Executor
	bus   *events.Bus
	ops   storage.Operations
	nonce *counters.PersistentStrictMonotonicCounter

	kyc     collaborator.KycClient
	token   collaborator.TokenClient
	reserve collaborator.ReserveClient
	oracle  collaborator.OracleClient
	bitcoin collaborator.BitcoinClient
	quoter  *Quoter

	pool         *workerpool.WorkerPool
	reservations *reservationSet

	mu       sync.Mutex
	tracked  map[custody.Identifier]*inflight
	runCtx   context.Context
	runErrCh chan struct{} // closed when runCtx is available
}

func New(
	log zerolog.Logger,
	metrics module.OrchestratorMetrics,
	cfg Config,
	state *sysstate.Manager,
	gate *policy.Gate,
	exec *executor.Executor,
	bus *events.Bus,
	ops storage.Operations,
	rates storage.ExchangeRates,
	nonce *counters.PersistentStrictMonotonicCounter,
	kyc collaborator.KycClient,
	token collaborator.TokenClient,
	reserve collaborator.ReserveClient,
	oracle collaborator.OracleClient,
	bitcoin collaborator.BitcoinClient,
) (*Engine, error) {

	quoter, err := NewQuoter(log, cfg.Quotes, rates)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:          log.With().Str("component", "orchestrator").Logger(),
		metrics:      metrics,
		cfg:          cfg,
		state:        state,
		gate:         gate,
		exec:         exec,
		bus:          bus,
		ops:          ops,
		nonce:        nonce,
		kyc:          kyc,
		token:        token,
		reserve:      reserve,
		oracle:       oracle,
		bitcoin:      bitcoin,
		quoter:       quoter,
		pool:         workerpool.New(cfg.Workers),
		reservations: newReservationSet(),
		tracked:      make(map[custody.Identifier]*inflight),
		runErrCh:     make(chan struct{}),
	}

	e.cm = component.NewComponentManagerBuilder().
		AddWorker(e.runWorker).
		AddWorker(e.watchdogWorker).
		Build()
	e.Component = e.cm

	return e, nil
}

// runWorker recovers operations interrupted by a crash, exposes the running
// context to submission tasks, and drains the worker pool on shutdown.
func (e *Engine) runWorker(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	err := e.recoverInterrupted()
	if err != nil {
		ctx.Throw(fmt.Errorf("could not recover interrupted operations: %w", err))
	}

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
	close(e.runErrCh)

	ready()
	<-ctx.Done()
	e.pool.StopWait()
}

// watchdogWorker times out queued operations that never started before their
// deadline. In-progress operations are bounded by their per-run context.
func (e *Engine) watchdogWorker(ctx irrecoverable.SignalerContext, ready component.ReadyFunc) {
	ready()
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

// recoverInterrupted handles operations persisted as non-terminal by a
// previous process. The in-memory compensation stack is gone, so they are
// timed out and flagged for manual resolution.
func (e *Engine) recoverInterrupted() error {
	interrupted, err := e.ops.Unfinalized()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, op := range interrupted {
		err := op.Transition(custody.StateTimedOut, now)
		if err != nil {
			return fmt.Errorf("could not time out interrupted operation %s: %w", op.ID, err)
		}
		op.LastErrorClass = custody.ClassTimeout
		op.ManualInterventionRequired = true
		err = e.ops.Save(op)
		if err != nil {
			return fmt.Errorf("could not persist interrupted operation %s: %w", op.ID, err)
		}
		e.metrics.ManualInterventionFlagged()
		e.log.Warn().
			Str("operation_id", op.ID.String()).
			Str("kind", op.Kind.String()).
			Msg("interrupted operation recovered as timed out, manual intervention required")
		e.publishOpEvent(op, custody.EventOperationTimedOut, nil)
	}
	return nil
}

func (e *Engine) sweepExpired() {
	now := time.Now().UTC()

	e.mu.Lock()
	var expired []*inflight
	for _, fl := range e.tracked {
		if fl.op.State == custody.StatePending && !now.Before(fl.op.TimeoutAt) {
			expired = append(expired, fl)
		}
	}
	e.mu.Unlock()

	for _, fl := range expired {
		e.mu.Lock()
		stillPending := fl.op.State == custody.StatePending
		if stillPending {
			fl.cancelled = true
		}
		e.mu.Unlock()
		if !stillPending {
			continue
		}
		e.finalize(fl, custody.StateTimedOut, custody.ClassTimeout, "")
		e.log.Warn().
			Str("operation_id", fl.op.ID.String()).
			Msg("queued operation timed out before it started")
	}
}

// SubmitBitcoinDeposit validates and enqueues a bitcoin deposit. Policy
// denials and duplicate tx hashes surface synchronously without creating an
// operation record.
func (e *Engine) SubmitBitcoinDeposit(ctx context.Context, user string, btcAmount uint64, btcTxHash string, confirmations uint32) (custody.Identifier, error) {
	err := e.state.RequireNotPaused()
	if err != nil {
		return custody.ZeroID, err
	}

	// the minted amount is btcAmount scaled to token units; amounts whose
	// scaled value does not fit in 64 bits are rejected outright
	if btcAmount > math.MaxUint64/custody.TokenUnitsPerSatoshi {
		return custody.ZeroID, custody.NewComplianceDeniedError(user, custody.KindBitcoinDeposit, custody.DenialInvalidAmount)
	}

	// compare-and-set against concurrent submissions of the same tx hash
	placeholder := custody.MakeRecordID("deposit-intent", e.bus.LastSequence(), time.Now())
	if !e.reservations.Acquire(custody.ReservationBtcTxHash, btcTxHash, placeholder) {
		return custody.ZeroID, fmt.Errorf("btc tx hash %s: %w", btcTxHash, custody.ErrConflict)
	}
	release := func() {
		e.reservations.Release(custody.ReservationBtcTxHash, btcTxHash, placeholder)
	}

	// duplicate detection across restarts: a persisted operation for the
	// same hash blocks resubmission unless it failed terminally
	prior, err := e.ops.ByBtcTxHash(btcTxHash)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		release()
		return custody.ZeroID, fmt.Errorf("could not check btc tx hash index: %w", err)
	}
	if prior != nil && (prior.State == custody.StateCompleted || !prior.State.IsTerminal()) {
		release()
		return custody.ZeroID, fmt.Errorf("btc tx hash %s already processed by operation %s: %w", btcTxHash, prior.ID, custody.ErrConflict)
	}

	admission, err := e.gate.AdmitDeposit(ctx, user, btcAmount)
	if err != nil {
		release()
		return custody.ZeroID, err
	}

	if confirmations < custody.MinConfirmations(admission.Tier, btcAmount) {
		release()
		e.gate.Release(admission)
		return custody.ZeroID, custody.NewComplianceDeniedError(user, custody.KindBitcoinDeposit, custody.DenialLowConfirmations)
	}

	op, fl, err := e.createOperation(custody.KindBitcoinDeposit, e.cfg.DepositTimeout, admission, &custody.Operation{
		Deposit: &custody.DepositPayload{
			User:          user,
			BtcAmount:     btcAmount,
			BtcTxHash:     btcTxHash,
			Confirmations: confirmations,
		},
	})
	if err != nil {
		release()
		e.gate.Release(admission)
		return custody.ZeroID, err
	}

	e.reservations.Rebind(custody.ReservationBtcTxHash, btcTxHash, placeholder, op.ID)
	fl.reservations = append(fl.reservations, custody.Reservation{
		Kind: custody.ReservationBtcTxHash, Key: btcTxHash, OperationID: op.ID,
	})

	// without the index, duplicate detection would not survive a restart;
	// the submission fails rather than degrade silently
	err = e.ops.IndexByBtcTxHash(btcTxHash, op.ID)
	if err != nil {
		e.log.Error().Err(err).Str("operation_id", op.ID.String()).Msg("could not index btc tx hash")
		e.finalize(fl, custody.StateFailed, custody.ClassNone, "")
		e.publishOpEvent(op, custody.EventOperationFailed, nil)
		return custody.ZeroID, fmt.Errorf("could not index btc tx hash for operation %s: %w", op.ID, err)
	}

	e.enqueue(fl, e.runDeposit)
	return op.ID, nil
}

// SubmitTokenWithdrawal validates and enqueues a token withdrawal to a
// bitcoin address.
func (e *Engine) SubmitTokenWithdrawal(ctx context.Context, user string, tokenAmount uint64, btcAddress string) (custody.Identifier, error) {
	err := e.state.RequireNotPaused()
	if err != nil {
		return custody.ZeroID, err
	}

	btcAmount := tokenAmount / custody.TokenUnitsPerSatoshi
	if btcAmount == 0 {
		return custody.ZeroID, custody.NewComplianceDeniedError(user, custody.KindTokenWithdrawal, custody.DenialInvalidAmount)
	}

	admission, err := e.gate.AdmitWithdrawal(ctx, user, btcAmount)
	if err != nil {
		return custody.ZeroID, err
	}

	op, fl, err := e.createOperation(custody.KindTokenWithdrawal, e.cfg.WithdrawalTimeout, admission, &custody.Operation{
		Withdrawal: &custody.WithdrawalPayload{
			User:        user,
			TokenAmount: tokenAmount,
			BtcAddress:  btcAddress,
		},
	})
	if err != nil {
		e.gate.Release(admission)
		return custody.ZeroID, err
	}

	// withdrawal ids are operation ids; the hold guards double-submission
	if e.reservations.Acquire(custody.ReservationWithdrawalID, op.ID.String(), op.ID) {
		fl.reservations = append(fl.reservations, custody.Reservation{
			Kind: custody.ReservationWithdrawalID, Key: op.ID.String(), OperationID: op.ID,
		})
	}

	e.enqueue(fl, e.runWithdrawal)
	return op.ID, nil
}

// SubmitCrossTokenExchange validates and enqueues a cross-token exchange.
func (e *Engine) SubmitCrossTokenExchange(ctx context.Context, user string, fromToken, toToken string, fromAmount uint64, maxSlippageBps uint64) (custody.Identifier, error) {
	err := e.state.RequireNotPaused()
	if err != nil {
		return custody.ZeroID, err
	}
	if fromToken == toToken {
		return custody.ZeroID, custody.NewComplianceDeniedError(user, custody.KindCrossTokenExchange, custody.DenialInvalidAmount)
	}

	admission, err := e.gate.AdmitExchange(ctx, user, fromAmount)
	if err != nil {
		return custody.ZeroID, err
	}

	op, fl, err := e.createOperation(custody.KindCrossTokenExchange, e.cfg.ExchangeTimeout, admission, &custody.Operation{
		Exchange: &custody.ExchangePayload{
			User:           user,
			FromToken:      fromToken,
			ToToken:        toToken,
			FromAmount:     fromAmount,
			MaxSlippageBps: maxSlippageBps,
		},
	})
	if err != nil {
		e.gate.Release(admission)
		return custody.ZeroID, err
	}

	e.enqueue(fl, e.runExchange)
	return op.ID, nil
}

// CancelOperation cancels an operation that has not started yet. In-progress
// operations run to their next terminal state.
func (e *Engine) CancelOperation(id custody.Identifier) error {
	e.mu.Lock()
	fl, tracked := e.tracked[id]
	if !tracked {
		e.mu.Unlock()
		return fmt.Errorf("operation %s is not cancellable: %w", id, storage.ErrNotFound)
	}
	if fl.op.State != custody.StatePending {
		e.mu.Unlock()
		return fmt.Errorf("operation %s is %s, only pending operations may be cancelled", id, fl.op.State)
	}
	fl.cancelled = true
	e.mu.Unlock()

	e.finalize(fl, custody.StateFailed, custody.ClassNone, "")
	e.publishOpEvent(fl.op, custody.EventOperationCancelled, nil)
	e.log.Info().Str("operation_id", id.String()).Msg("pending operation cancelled")
	return nil
}

// OperationStatus returns the poll view of an operation.
func (e *Engine) OperationStatus(id custody.Identifier) (*OperationStatus, error) {
	op, err := e.ops.ByID(id)
	if err != nil {
		return nil, err
	}
	steps, err := e.ops.Steps(id)
	if err != nil {
		return nil, err
	}
	return &OperationStatus{
		ID:                         op.ID,
		Kind:                       op.Kind,
		State:                      op.State,
		CorrelationID:              op.CorrelationID,
		SubmittedAt:                op.SubmittedAt,
		UpdatedAt:                  op.UpdatedAt,
		TimeoutAt:                  op.TimeoutAt,
		LastErrorClass:             op.LastErrorClass,
		CompensationOutcome:        op.CompensationOutcome,
		ManualInterventionRequired: op.ManualInterventionRequired,
		Steps:                      steps,
	}, nil
}

// createOperation assigns the identifier, persists the Pending record, and
// publishes the submission event whose sequence becomes the operation's
// correlation id.
func (e *Engine) createOperation(kind custody.OperationKind, timeout time.Duration, admission *policy.Admission, tmpl *custody.Operation) (*custody.Operation, *inflight, error) {
	nonce, err := e.nonce.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("could not advance operation nonce: %w", err)
	}
	now := time.Now().UTC()

	op := tmpl
	op.ID = custody.MakeOperationID(nonce, now, e.bus.LastSequence())
	op.Kind = kind
	op.State = custody.StatePending
	op.SubmittedAt = now
	op.TimeoutAt = now.Add(timeout)
	op.UpdatedAt = now
	op.Transitions = []custody.StateTransition{{State: custody.StatePending, At: now}}

	submitted := e.bus.Publish(custody.Event{
		Type: custody.EventOperationSubmitted,
		User: op.User(),
		Payload: map[string]string{
			"operation_id": op.ID.String(),
			"kind":         kind.String(),
			"amount":       strconv.FormatUint(op.Amount(), 10),
		},
	})
	op.CorrelationID = submitted.Sequence

	err = e.ops.Insert(op)
	if err != nil {
		return nil, nil, fmt.Errorf("could not persist operation: %w", err)
	}

	fl := &inflight{op: op, admission: admission}
	e.mu.Lock()
	e.tracked[op.ID] = fl
	e.mu.Unlock()

	e.metrics.OperationSubmitted(kind)
	e.log.Info().
		Str("operation_id", op.ID.String()).
		Uint64("correlation_id", op.CorrelationID).
		Str("kind", kind.String()).
		Str("user", op.User()).
		Msg("operation submitted")
	return op, fl, nil
}

// enqueue hands the operation to the worker pool once the engine is running.
func (e *Engine) enqueue(fl *inflight, run func(ctx context.Context, fl *inflight)) {
	e.pool.Submit(func() {
		<-e.runErrCh

		e.mu.Lock()
		if fl.cancelled {
			e.mu.Unlock()
			return
		}
		runCtx := e.runCtx
		e.mu.Unlock()

		ctx, cancel := context.WithDeadline(runCtx, fl.op.TimeoutAt)
		defer cancel()
		run(ctx, fl)
	})
}

// opLogger returns an operation-scoped logger.
func (e *Engine) opLogger(op *custody.Operation) zerolog.Logger {
	return e.log.With().
		Str("operation_id", op.ID.String()).
		Uint64("correlation_id", op.CorrelationID).
		Str("kind", op.Kind.String()).
		Logger()
}

func (e *Engine) publishOpEvent(op *custody.Operation, eventType custody.EventType, payload map[string]string) custody.Event {
	if payload == nil {
		payload = make(map[string]string)
	}
	payload["operation_id"] = op.ID.String()
	payload["state"] = op.State.String()
	return e.bus.Publish(custody.Event{
		CorrelationID: op.CorrelationID,
		Type:          eventType,
		User:          op.User(),
		Payload:       payload,
	})
}
