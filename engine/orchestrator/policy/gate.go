// Package policy implements the admission gate: per-operation pre-checks of
// KYC tier, rolling limit windows, and enhanced-verification thresholds.
// Admission produces a tentative limit debit that the workflow engine commits
// or releases when the operation reaches a terminal state. The gate never
// mutates collaborator state.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/module"
	"github.com/custodian-labs/custodian-go/storage"
)

// EventSink decouples the gate from the event bus implementation.
type EventSink interface {
	Publish(ev custody.Event) custody.Event
}

// Admission is a granted tentative debit. Exactly one of Commit or Release
// must eventually be called by the holder.
type Admission struct {
	User   string
	Kind   custody.OperationKind
	Amount uint64
	Tier   custody.Tier

	settled bool
}

// pendingKey scopes tentative debits per user and kind, matching the limit
// window granularity.
type pendingKey struct {
	user string
	kind custody.OperationKind
}

type pendingDebit struct {
	amount uint64
}

// Gate serializes admissions per user and keeps tentative debits visible to
// concurrent admissions of the same user.
type Gate struct {
	log     zerolog.Logger
	metrics module.PolicyMetrics
	kyc     collaborator.KycClient
	windows storage.LimitWindows
	sink    EventSink

	// commitGuard excludes reconciliation snapshots from straddling
	// in-flight commits: commits hold the read side, the reconciler holds
	// the write side for the duration of its snapshot.
	commitGuard sync.RWMutex

	mu          sync.Mutex
	userLocks   map[string]*sync.Mutex
	pending     map[pendingKey][]pendingDebit
	frozen      map[string]struct{}
	overrideBps uint64
}

func NewGate(log zerolog.Logger, metrics module.PolicyMetrics, kyc collaborator.KycClient, windows storage.LimitWindows, sink EventSink) *Gate {
	return &Gate{
		log:         log.With().Str("component", "policy_gate").Logger(),
		metrics:     metrics,
		kyc:         kyc,
		windows:     windows,
		sink:        sink,
		userLocks:   make(map[string]*sync.Mutex),
		pending:     make(map[pendingKey][]pendingDebit),
		frozen:      make(map[string]struct{}),
		overrideBps: custody.BpsDenominator,
	}
}

// AdmitDeposit admits a bitcoin deposit of amountSat satoshi.
func (g *Gate) AdmitDeposit(ctx context.Context, user string, amountSat uint64) (*Admission, error) {
	return g.admit(ctx, user, custody.KindBitcoinDeposit, amountSat)
}

// AdmitWithdrawal admits a token withdrawal; the amount is accounted in
// satoshi against the limit windows.
func (g *Gate) AdmitWithdrawal(ctx context.Context, user string, amountSat uint64) (*Admission, error) {
	return g.admit(ctx, user, custody.KindTokenWithdrawal, amountSat)
}

// AdmitExchange admits a cross-token exchange of fromAmount units.
func (g *Gate) AdmitExchange(ctx context.Context, user string, fromAmount uint64) (*Admission, error) {
	return g.admit(ctx, user, custody.KindCrossTokenExchange, fromAmount)
}

func (g *Gate) admit(ctx context.Context, user string, kind custody.OperationKind, amount uint64) (*Admission, error) {
	unlock := g.lockUser(user)
	defer unlock()

	if g.isFrozen(user) {
		return nil, g.deny(user, kind, amount, custody.TierNone, 0, custody.DenialAddressFrozen)
	}
	if amount == 0 {
		return nil, g.deny(user, kind, amount, custody.TierNone, 0, custody.DenialInvalidAmount)
	}

	tier, err := g.kyc.Tier(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("could not read tier for user %s: %w", user, err)
	}
	if tier < custody.MinTierFor(kind) {
		return nil, g.deny(user, kind, amount, tier, 0, custody.DenialTierInsufficient)
	}

	// the registry holds its own veto beyond the tier floor, e.g. sanctions
	decision, err := g.kyc.Admit(ctx, collaborator.AdmitRequest{User: user, Kind: kind, Amount: amount})
	if err != nil {
		return nil, fmt.Errorf("could not read admission decision for user %s: %w", user, err)
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = custody.DenialTierInsufficient
		}
		return nil, g.deny(user, kind, amount, tier, 0, reason)
	}

	singleTx := g.effectiveLimit(tier.SingleTxLimit())
	if amount > singleTx {
		return nil, g.deny(user, kind, amount, tier, singleTx, custody.DenialSingleTxLimitExceeded)
	}

	if amount > tier.EnhancedVerificationThreshold() {
		// exchanges above the threshold additionally require the Enhanced tier
		if kind == custody.KindCrossTokenExchange && tier < custody.TierEnhanced {
			return nil, g.deny(user, kind, amount, tier, tier.EnhancedVerificationThreshold(), custody.DenialTierInsufficient)
		}
		verified, err := g.kyc.EnhancedVerified(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("could not read enhanced verification for user %s: %w", user, err)
		}
		if !verified {
			return nil, g.deny(user, kind, amount, tier, tier.EnhancedVerificationThreshold(), custody.DenialEnhancedRequired)
		}
	}

	window, err := g.loadWindow(user, kind)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	window.ResetIfElapsed(now)

	pendingAmount := g.pendingTotal(user, kind)

	daily := g.effectiveLimit(tier.DailyLimit())
	if window.DailyUsed+pendingAmount+amount > daily {
		return nil, g.deny(user, kind, amount, tier, daily, custody.DenialDailyLimitExceeded)
	}
	monthly := g.effectiveLimit(tier.MonthlyLimit())
	if window.MonthlyUsed+pendingAmount+amount > monthly {
		return nil, g.deny(user, kind, amount, tier, monthly, custody.DenialMonthlyLimitExceeded)
	}

	g.addPending(user, kind, amount)
	g.metrics.AdmissionGranted(kind)

	return &Admission{User: user, Kind: kind, Amount: amount, Tier: tier}, nil
}

// Commit turns the tentative debit into committed window usage. Called by
// the engine when the operation reaches Completed.
func (g *Gate) Commit(adm *Admission) error {
	g.commitGuard.RLock()
	defer g.commitGuard.RUnlock()

	unlock := g.lockUser(adm.User)
	defer unlock()

	if adm.settled {
		return nil
	}
	adm.settled = true
	g.removePending(adm.User, adm.Kind, adm.Amount)

	window, err := g.loadWindow(adm.User, adm.Kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	window.ResetIfElapsed(now)
	window.DailyUsed += adm.Amount
	window.MonthlyUsed += adm.Amount
	window.TierAtLastRead = adm.Tier

	err = g.windows.Save(window)
	if err != nil {
		return fmt.Errorf("could not persist limit window for user %s: %w", adm.User, err)
	}
	return nil
}

// Release drops the tentative debit. Called by the engine when the operation
// reaches any terminal state other than Completed.
func (g *Gate) Release(adm *Admission) {
	unlock := g.lockUser(adm.User)
	defer unlock()

	if adm.settled {
		return
	}
	adm.settled = true
	g.removePending(adm.User, adm.Kind, adm.Amount)
}

// Exclusively runs fn while excluding all window commits, giving the
// reconciler an atomic-enough read of reserves and supply.
func (g *Gate) Exclusively(fn func() error) error {
	g.commitGuard.Lock()
	defer g.commitGuard.Unlock()
	return fn()
}

// FreezeAddress denies all future admissions of the user until unfrozen.
func (g *Gate) FreezeAddress(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen[user] = struct{}{}
	g.log.Warn().Str("user", user).Msg("address frozen")
}

// UnfreezeAddress lifts an address freeze.
func (g *Gate) UnfreezeAddress(user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.frozen, user)
	g.log.Info().Str("user", user).Msg("address unfrozen")
}

// FrozenAddresses lists all currently frozen users.
func (g *Gate) FrozenAddresses() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	users := make([]string, 0, len(g.frozen))
	for user := range g.frozen {
		users = append(users, user)
	}
	return users
}

// SetLimitOverrideBps scales all tier limits to the given fraction in basis
// points. Used by the reserve-protection emergency response; 10000 restores
// full limits.
func (g *Gate) SetLimitOverrideBps(bps uint64) {
	if bps > custody.BpsDenominator {
		bps = custody.BpsDenominator
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrideBps = bps
	g.log.Warn().Uint64("override_bps", bps).Msg("limit override updated")
}

// LimitOverrideBps returns the current limit scaling in basis points.
func (g *Gate) LimitOverrideBps() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overrideBps
}

func (g *Gate) effectiveLimit(limit uint64) uint64 {
	g.mu.Lock()
	override := g.overrideBps
	g.mu.Unlock()
	if limit == custody.Unbounded || override == custody.BpsDenominator {
		return limit
	}
	// multiply first over a 128-bit intermediate so limits below the
	// denominator still scale; override <= BpsDenominator keeps hi < den
	hi, lo := bits.Mul64(limit, override)
	scaled, _ := bits.Div64(hi, lo, custody.BpsDenominator)
	return scaled
}

func (g *Gate) loadWindow(user string, kind custody.OperationKind) (*custody.LimitWindow, error) {
	window, err := g.windows.ByUser(user, kind)
	if err == nil {
		return window, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("could not load limit window for user %s: %w", user, err)
	}
	now := time.Now().UTC()
	return &custody.LimitWindow{
		User:           user,
		Kind:           kind,
		DailyResetAt:   now,
		MonthlyResetAt: now,
	}, nil
}

// lockUser acquires the per-user admission lock and returns its release.
func (g *Gate) lockUser(user string) func() {
	g.mu.Lock()
	lock, ok := g.userLocks[user]
	if !ok {
		lock = &sync.Mutex{}
		g.userLocks[user] = lock
	}
	g.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (g *Gate) isFrozen(user string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.frozen[user]
	return ok
}

func (g *Gate) pendingTotal(user string, kind custody.OperationKind) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var total uint64
	for _, debit := range g.pending[pendingKey{user, kind}] {
		total += debit.amount
	}
	return total
}

func (g *Gate) addPending(user string, kind custody.OperationKind, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := pendingKey{user, kind}
	g.pending[key] = append(g.pending[key], pendingDebit{amount: amount})
}

func (g *Gate) removePending(user string, kind custody.OperationKind, amount uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := pendingKey{user, kind}
	debits := g.pending[key]
	for i, debit := range debits {
		if debit.amount == amount {
			g.pending[key] = append(debits[:i], debits[i+1:]...)
			if len(g.pending[key]) == 0 {
				delete(g.pending, key)
			}
			return
		}
	}
}

// deny records the denial, emits the audit event, and returns the typed
// error.
func (g *Gate) deny(user string, kind custody.OperationKind, amount uint64, tier custody.Tier, limit uint64, reason custody.DenialReason) error {
	g.metrics.AdmissionDenied(kind, reason)
	g.sink.Publish(custody.Event{
		Type: custody.EventLimitViolation,
		User: user,
		Payload: map[string]string{
			"kind":   kind.String(),
			"amount": strconv.FormatUint(amount, 10),
			"limit":  strconv.FormatUint(limit, 10),
			"tier":   tier.String(),
			"reason": string(reason),
		},
	})
	g.log.Info().
		Str("user", user).
		Str("kind", kind.String()).
		Uint64("amount", amount).
		Str("reason", string(reason)).
		Msg("admission denied")
	return custody.NewComplianceDeniedError(user, kind, reason)
}
