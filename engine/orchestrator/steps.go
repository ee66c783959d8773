package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module/executor"
)

// compensation is the inverse action recorded for a forward step. It targets
// exactly the state its forward step mutated and never cascades.
type compensation struct {
	collaborator string
	function     string

	// critical compensations abort the rollback on failure and flag the
	// operation for manual intervention.
	critical bool

	run func(ctx context.Context) error
}

// step is one forward collaborator call of an operation.
type step struct {
	collaborator string
	function     string

	// bestEffort steps log their failure without failing the operation.
	bestEffort bool

	// retries overrides the engine default when non-negative.
	retries int

	run        func(ctx context.Context) error
	compensate *compensation
}

// completion is the kind-specific commit action run after the last step.
type completion func() (custody.EventType, uint64, uint64, map[string]string)

// runSteps drives an operation through its forward steps, recording each in
// the append-only step log, and drains the compensation stack in reverse on
// any failure. State transitions persist before the next collaborator call.
func (e *Engine) runSteps(ctx context.Context, fl *inflight, steps []step, complete completion) {
	op := fl.op
	log := e.opLogger(op)

	err := e.transition(fl, custody.StateInProgress)
	if err != nil {
		log.Error().Err(err).Msg("could not start operation")
		e.finalize(fl, custody.StateFailed, custody.ClassNone, "")
		e.publishOpEvent(op, custody.EventOperationFailed, nil)
		return
	}

	var stack []*compensation
	for index, st := range steps {
		started := time.Now().UTC()
		result := e.executeStep(ctx, op, st)
		finished := time.Now().UTC()

		outcome := custody.StepOutcomeOK
		if !result.OK {
			outcome = custody.StepOutcomeErr
			if result.ErrorClass == custody.ClassTimeout {
				outcome = custody.StepOutcomeTimeout
			}
		}
		e.recordStep(op, uint32(index), st, started, finished, outcome, result.ErrorClass)
		e.metrics.StepExecuted(st.collaborator, st.function, result.Elapsed)

		if result.OK {
			if st.compensate != nil {
				stack = append(stack, st.compensate)
			}
			continue
		}

		if st.bestEffort {
			log.Warn().
				Err(result.Err).
				Str("step", st.collaborator+"."+st.function).
				Msg("best-effort step failed")
			continue
		}

		log.Warn().
			Err(result.Err).
			Str("step", st.collaborator+"."+st.function).
			Str("error_class", string(result.ErrorClass)).
			Msg("operation step failed, compensating")

		e.compensateAndFinalize(ctx, fl, stack, result.ErrorClass, result.Err)
		return
	}

	eventType, data1, data2, payload := complete()

	err = e.gate.Commit(fl.admission)
	if err != nil {
		log.Error().Err(err).Msg("could not commit limit window debit")
	}
	e.finalize(fl, custody.StateCompleted, custody.ClassNone, "")

	if payload == nil {
		payload = make(map[string]string)
	}
	payload["operation_id"] = op.ID.String()
	e.bus.Publish(custody.Event{
		CorrelationID: op.CorrelationID,
		Type:          eventType,
		User:          op.User(),
		Data1:         data1,
		Data2:         data2,
		Payload:       payload,
	})
	log.Info().Msg("operation completed")
}

// executeStep funnels one forward step through the call executor.
func (e *Engine) executeStep(ctx context.Context, op *custody.Operation, st step) executor.CallResult {
	retries := e.cfg.CallRetries
	if st.retries >= 0 {
		retries = uint64(st.retries)
	}
	return e.exec.Execute(ctx, executor.Call{
		Collaborator:  st.collaborator,
		Function:      st.function,
		Timeout:       e.cfg.CallTimeout,
		Retries:       retries,
		CorrelationID: op.CorrelationID,
		User:          op.User(),
		Do: func(ctx context.Context) (interface{}, uint64, error) {
			return nil, 0, st.run(ctx)
		},
	})
}

func (e *Engine) recordStep(op *custody.Operation, index uint32, st step, started, finished time.Time, outcome custody.StepOutcome, class custody.ErrorClass) {
	hint := ""
	if st.compensate != nil {
		hint = st.compensate.collaborator + "." + st.compensate.function
	}
	err := e.ops.InsertStep(&custody.OperationStep{
		OperationID:      op.ID,
		Index:            index,
		Collaborator:     st.collaborator,
		Function:         st.function,
		StartedAt:        started,
		FinishedAt:       finished,
		Outcome:          outcome,
		ErrorClass:       class,
		CompensationHint: hint,
	})
	if err != nil {
		log := e.opLogger(op)
		log.Error().Err(err).Uint32("step_index", index).Msg("could not persist operation step")
	}
}

// compensateAndFinalize drains the compensation stack in reverse and settles
// the operation into its terminal state.
func (e *Engine) compensateAndFinalize(ctx context.Context, fl *inflight, stack []*compensation, class custody.ErrorClass, cause error) {
	op := fl.op
	log := e.opLogger(op)

	// the operation deadline may already be exceeded; compensations still
	// must run, detached from the expired deadline but bounded per call
	compCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		compCtx, cancel = context.WithTimeout(context.Background(), time.Duration(len(stack)+1)*e.cfg.CallTimeout)
		defer cancel()
	}

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(class == custody.ClassTimeout && !time.Now().Before(op.TimeoutAt))

	var compErrs *multierror.Error
	outcome := ""
	aborted := false
	for i := len(stack) - 1; i >= 0; i-- {
		comp := stack[i]
		result := e.exec.Execute(compCtx, executor.Call{
			Collaborator:  comp.collaborator,
			Function:      comp.function,
			Timeout:       e.cfg.CallTimeout,
			Retries:       e.cfg.CallRetries,
			CorrelationID: op.CorrelationID,
			User:          op.User(),
			Do: func(ctx context.Context) (interface{}, uint64, error) {
				return nil, 0, comp.run(ctx)
			},
		})
		e.metrics.CompensationExecuted(comp.collaborator, result.OK)
		if result.OK {
			continue
		}

		compErrs = multierror.Append(compErrs, result.Err)
		outcome = "partial"
		if comp.critical {
			op.ManualInterventionRequired = true
			e.metrics.ManualInterventionFlagged()
			aborted = true
			log.Error().
				Err(result.Err).
				Str("compensation", comp.collaborator+"."+comp.function).
				Msg("critical compensation failed, aborting rollback")
			break
		}
		log.Warn().
			Err(result.Err).
			Str("compensation", comp.collaborator+"."+comp.function).
			Msg("compensation failed")
	}

	state := custody.StateFailed
	eventType := custody.EventOperationFailed
	switch {
	case timedOut:
		state = custody.StateTimedOut
		eventType = custody.EventOperationTimedOut
	case len(stack) > 0 && !aborted && compErrs.ErrorOrNil() == nil:
		// every mutation was reversed
		state = custody.StateRolledBack
		eventType = custody.EventOperationRolledBack
	}
	if len(stack) > 0 && outcome == "" {
		outcome = "completed"
	}

	e.finalize(fl, state, class, outcome)
	payload := map[string]string{
		"error_class":          string(class),
		"compensation_outcome": outcome,
	}
	if denied, ok := custody.AsComplianceDeniedError(cause); ok {
		payload["denial_reason"] = string(denied.Reason)
	}
	e.publishOpEvent(op, eventType, payload)
}

// transition persists a state change before the engine yields again.
func (e *Engine) transition(fl *inflight, to custody.OperationState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := fl.op.Transition(to, time.Now().UTC())
	if err != nil {
		return err
	}
	err = e.ops.Save(fl.op)
	if err != nil {
		return fmt.Errorf("could not persist operation transition: %w", err)
	}
	return nil
}

// finalize settles the operation into a terminal state, releases every hold,
// and stops tracking it.
func (e *Engine) finalize(fl *inflight, state custody.OperationState, class custody.ErrorClass, compOutcome string) {
	op := fl.op

	e.mu.Lock()
	op.LastErrorClass = class
	op.CompensationOutcome = compOutcome
	err := op.Transition(state, time.Now().UTC())
	if err == nil {
		err = e.ops.Save(op)
	}
	delete(e.tracked, op.ID)
	e.mu.Unlock()

	if err != nil {
		log := e.opLogger(op)
		log.Error().Err(err).Str("state", state.String()).Msg("could not finalize operation")
	}

	if state != custody.StateCompleted {
		e.gate.Release(fl.admission)
	}
	for _, r := range fl.reservations {
		e.reservations.Release(r.Kind, r.Key, r.OperationID)
	}

	e.metrics.OperationFinished(op.Kind, state, time.Since(op.SubmittedAt))
}

// runDeposit executes the bitcoin deposit step sequence.
func (e *Engine) runDeposit(ctx context.Context, fl *inflight) {
	payload := fl.op.Deposit
	op := fl.op
	mintUnits := payload.BtcAmount * custody.TokenUnitsPerSatoshi

	steps := []step{
		{
			collaborator: collaborator.NameReserve,
			function:     "current_ratio_bps",
			retries:      -1,
			run: func(ctx context.Context) error {
				ratio, err := e.reserve.CurrentRatioBps(ctx)
				if err != nil {
					return err
				}
				if ratio < custody.FullyBackedRatioBps {
					return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassDenied,
						fmt.Errorf("%w: ratio %d bps", custody.ErrInsufficientReserves, ratio))
				}
				return nil
			},
		},
		{
			collaborator: collaborator.NameReserve,
			function:     "register_deposit",
			retries:      -1,
			run: func(ctx context.Context) error {
				return e.reserve.RegisterDeposit(ctx, payload.BtcTxHash, payload.BtcAmount, payload.Confirmations)
			},
			compensate: &compensation{
				collaborator: collaborator.NameReserve,
				function:     "rollback_deposit",
				critical:     false,
				run: func(ctx context.Context) error {
					return e.reserve.RollbackDeposit(ctx, payload.BtcTxHash)
				},
			},
		},
		{
			collaborator: collaborator.NameToken,
			function:     "mint",
			retries:      0,
			run: func(ctx context.Context) error {
				return e.token.Mint(ctx, collaborator.MintRequest{
					User:          payload.User,
					Token:         e.cfg.NativeToken,
					Amount:        mintUnits,
					Tag:           payload.BtcTxHash,
					CorrelationID: op.CorrelationID,
				})
			},
			compensate: &compensation{
				collaborator: collaborator.NameToken,
				function:     "burn",
				critical:     true,
				run: func(ctx context.Context) error {
					return e.token.Burn(ctx, collaborator.BurnRequest{
						User:          payload.User,
						Token:         e.cfg.NativeToken,
						Amount:        mintUnits,
						Tag:           payload.BtcTxHash,
						CorrelationID: op.CorrelationID,
					})
				},
			},
		},
		{
			collaborator: collaborator.NameKyc,
			function:     "register_event",
			bestEffort:   true,
			retries:      -1,
			run: func(ctx context.Context) error {
				return e.kyc.RegisterEvent(ctx, payload.User, custody.KindBitcoinDeposit, payload.BtcAmount, op.CorrelationID)
			},
		},
	}

	e.runSteps(ctx, fl, steps, func() (custody.EventType, uint64, uint64, map[string]string) {
		return custody.EventBitcoinDepositCompleted, payload.BtcAmount, mintUnits, map[string]string{
			"btc_tx_hash": payload.BtcTxHash,
		}
	})
}

// runWithdrawal executes the token withdrawal step sequence. The bitcoin
// send is final-forward: its failure compensates the burn and the withdrawal
// booking, never the settlement itself.
func (e *Engine) runWithdrawal(ctx context.Context, fl *inflight) {
	payload := fl.op.Withdrawal
	op := fl.op
	btcAmount := payload.TokenAmount / custody.TokenUnitsPerSatoshi

	var btcTxHash string

	steps := []step{
		{
			collaborator: collaborator.NameToken,
			function:     "balance",
			retries:      -1,
			run: func(ctx context.Context) error {
				balance, err := e.token.Balance(ctx, payload.User, e.cfg.NativeToken)
				if err != nil {
					return err
				}
				if balance < payload.TokenAmount {
					return custody.NewCollaboratorError(collaborator.NameToken, custody.ClassDenied,
						fmt.Errorf("%w: balance %d, requested %d", custody.ErrInsufficientFunds, balance, payload.TokenAmount))
				}
				return nil
			},
		},
		{
			collaborator: collaborator.NameToken,
			function:     "burn",
			retries:      0,
			run: func(ctx context.Context) error {
				return e.token.Burn(ctx, collaborator.BurnRequest{
					User:          payload.User,
					Token:         e.cfg.NativeToken,
					Amount:        payload.TokenAmount,
					Tag:           payload.BtcAddress,
					CorrelationID: op.CorrelationID,
				})
			},
			compensate: &compensation{
				collaborator: collaborator.NameToken,
				function:     "mint",
				critical:     true,
				run: func(ctx context.Context) error {
					return e.token.Mint(ctx, collaborator.MintRequest{
						User:          payload.User,
						Token:         e.cfg.NativeToken,
						Amount:        payload.TokenAmount,
						Tag:           payload.BtcAddress,
						CorrelationID: op.CorrelationID,
					})
				},
			},
		},
		{
			collaborator: collaborator.NameReserve,
			function:     "create_withdrawal",
			retries:      0,
			run: func(ctx context.Context) error {
				return e.reserve.CreateWithdrawal(ctx, op.ID, payload.User, btcAmount, payload.BtcAddress)
			},
			compensate: &compensation{
				collaborator: collaborator.NameReserve,
				function:     "cancel_withdrawal",
				critical:     true,
				run: func(ctx context.Context) error {
					return e.reserve.CancelWithdrawal(ctx, op.ID)
				},
			},
		},
		{
			collaborator: collaborator.NameBitcoin,
			function:     "send",
			retries:      -1,
			run: func(ctx context.Context) error {
				hash, err := e.bitcoin.Send(ctx, op.ID, btcAmount, payload.BtcAddress)
				if err != nil {
					return err
				}
				btcTxHash = hash
				return nil
			},
		},
		{
			collaborator: collaborator.NameKyc,
			function:     "register_event",
			bestEffort:   true,
			retries:      -1,
			run: func(ctx context.Context) error {
				return e.kyc.RegisterEvent(ctx, payload.User, custody.KindTokenWithdrawal, payload.TokenAmount, op.CorrelationID)
			},
		},
	}

	e.runSteps(ctx, fl, steps, func() (custody.EventType, uint64, uint64, map[string]string) {
		return custody.EventTokenWithdrawalCompleted, btcAmount, payload.TokenAmount, map[string]string{
			"btc_address": payload.BtcAddress,
			"btc_tx_hash": btcTxHash,
		}
	})
}

// runExchange executes the cross-token exchange step sequence against a
// validated quote.
func (e *Engine) runExchange(ctx context.Context, fl *inflight) {
	payload := fl.op.Exchange
	op := fl.op
	log := e.opLogger(op)

	var quote *ExchangeQuote

	steps := []step{
		{
			collaborator: collaborator.NameOracle,
			function:     "rate",
			retries:      0,
			run: func(ctx context.Context) error {
				raw, err := e.oracle.Rate(ctx, payload.FromToken, payload.ToToken)
				if err != nil {
					// a failed oracle falls through to the fallback table
					log.Debug().Err(err).Msg("oracle quote unavailable")
					raw = nil
				}
				rate, err := e.quoter.Resolve(raw, payload.FromToken, payload.ToToken, time.Now().UTC())
				if err != nil {
					return custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassRemote, err)
				}
				priced, err := e.quoter.Price(rate, payload.FromAmount, payload.MaxSlippageBps)
				switch {
				case errors.Is(err, ErrSlippageExceeded):
					return custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassDenied,
						custody.NewComplianceDeniedError(payload.User, custody.KindCrossTokenExchange, custody.DenialSlippageExceeded))
				case errors.Is(err, ErrAmountOutOfRange):
					return custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassInvalidArgs, err)
				case err != nil:
					return custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassDenied, err)
				}
				quote = priced
				return nil
			},
		},
		{
			collaborator: collaborator.NameToken,
			function:     "debit_from",
			retries:      0,
			run: func(ctx context.Context) error {
				return e.moveTokens(ctx, op, payload.FromToken, payload.User, e.cfg.Treasury, payload.FromAmount, false)
			},
			compensate: &compensation{
				collaborator: collaborator.NameToken,
				function:     "credit_from",
				critical:     true,
				run: func(ctx context.Context) error {
					return e.moveTokens(ctx, op, payload.FromToken, e.cfg.Treasury, payload.User, payload.FromAmount, true)
				},
			},
		},
		{
			collaborator: collaborator.NameToken,
			function:     "credit_to",
			retries:      0,
			run: func(ctx context.Context) error {
				return e.moveTokens(ctx, op, payload.ToToken, e.cfg.Treasury, payload.User, quote.ToAmount, true)
			},
			compensate: &compensation{
				collaborator: collaborator.NameToken,
				function:     "debit_to",
				critical:     true,
				run: func(ctx context.Context) error {
					return e.moveTokens(ctx, op, payload.ToToken, payload.User, e.cfg.Treasury, quote.ToAmount, false)
				},
			},
		},
		{
			collaborator: collaborator.NameToken,
			function:     "collect_fee",
			retries:      0,
			run: func(ctx context.Context) error {
				// on the burn path the fee portion is re-minted to the
				// treasury; on the transfer path it already sits there
				if payload.FromToken != e.cfg.NativeToken || quote.FeeAmount == 0 {
					return nil
				}
				return e.token.Mint(ctx, collaborator.MintRequest{
					User:          e.cfg.Treasury,
					Token:         e.cfg.NativeToken,
					Amount:        quote.FeeAmount,
					Tag:           "exchange_fee",
					CorrelationID: op.CorrelationID,
				})
			},
			compensate: &compensation{
				collaborator: collaborator.NameToken,
				function:     "refund_fee",
				critical:     false,
				run: func(ctx context.Context) error {
					if payload.FromToken != e.cfg.NativeToken || quote.FeeAmount == 0 {
						return nil
					}
					return e.token.Burn(ctx, collaborator.BurnRequest{
						User:          e.cfg.Treasury,
						Token:         e.cfg.NativeToken,
						Amount:        quote.FeeAmount,
						Tag:           "exchange_fee",
						CorrelationID: op.CorrelationID,
					})
				},
			},
		},
		{
			collaborator: collaborator.NameKyc,
			function:     "register_event",
			bestEffort:   true,
			retries:      -1,
			run: func(ctx context.Context) error {
				return e.kyc.RegisterEvent(ctx, payload.User, custody.KindCrossTokenExchange, payload.FromAmount, op.CorrelationID)
			},
		},
	}

	e.runSteps(ctx, fl, steps, func() (custody.EventType, uint64, uint64, map[string]string) {
		return custody.EventCrossTokenExchangeDone, payload.FromAmount, quote.ToAmount, map[string]string{
			"from_token":       payload.FromToken,
			"to_token":         payload.ToToken,
			"rate_source":      string(quote.Rate.Source),
			"fee":              strconv.FormatUint(quote.FeeAmount, 10),
			"price_impact_bps": strconv.FormatUint(quote.PriceImpactBps, 10),
			"slippage_bps":     strconv.FormatUint(quote.SlippageBps, 10),
		}
	})
}

// moveTokens debits or credits one leg of an exchange: the native token is
// burned and minted, every other token moves between the user and the
// treasury inventory.
func (e *Engine) moveTokens(ctx context.Context, op *custody.Operation, token, from, to string, amount uint64, mint bool) error {
	if token == e.cfg.NativeToken {
		if mint {
			return e.token.Mint(ctx, collaborator.MintRequest{
				User: to, Token: token, Amount: amount, Tag: "exchange", CorrelationID: op.CorrelationID,
			})
		}
		return e.token.Burn(ctx, collaborator.BurnRequest{
			User: from, Token: token, Amount: amount, Tag: "exchange", CorrelationID: op.CorrelationID,
		})
	}
	return e.token.Transfer(ctx, collaborator.TransferRequest{
		From: from, To: to, Token: token, Amount: amount,
	})
}
