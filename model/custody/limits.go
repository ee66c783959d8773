package custody

import (
	"math"
	"time"
)

// Tier is the KYC classification of a user. Higher tiers unlock higher limits
// and lower deposit confirmation requirements.
type Tier uint8

const (
	TierNone Tier = iota
	TierBasic
	TierVerified
	TierEnhanced
	TierInstitutional
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierBasic:
		return "basic"
	case TierVerified:
		return "verified"
	case TierEnhanced:
		return "enhanced"
	case TierInstitutional:
		return "institutional"
	default:
		return "invalid"
	}
}

// Unbounded marks a limit without an upper bound (institutional tier).
const Unbounded = uint64(math.MaxUint64)

// Rolling window lengths for limit accounting.
const (
	DailyWindow   = 86_400 * time.Second
	MonthlyWindow = 2_592_000 * time.Second
)

// DailyLimit returns the per-tier daily cap in satoshi.
func (t Tier) DailyLimit() uint64 {
	switch t {
	case TierBasic:
		return 5_000_000
	case TierVerified:
		return 50_000_000
	case TierEnhanced:
		return 500_000_000
	case TierInstitutional:
		return Unbounded
	default:
		return 0
	}
}

// MonthlyLimit returns the per-tier monthly cap in satoshi.
func (t Tier) MonthlyLimit() uint64 {
	switch t {
	case TierBasic:
		return 50_000_000
	case TierVerified:
		return 500_000_000
	case TierEnhanced:
		return 5_000_000_000
	case TierInstitutional:
		return Unbounded
	default:
		return 0
	}
}

// SingleTxLimit returns the per-tier single-transaction cap in satoshi.
func (t Tier) SingleTxLimit() uint64 {
	switch t {
	case TierBasic:
		return 1_000_000
	case TierVerified:
		return 10_000_000
	case TierEnhanced:
		return 100_000_000
	case TierInstitutional:
		return Unbounded
	default:
		return 0
	}
}

// EnhancedVerificationThreshold returns the amount above which an explicit
// enhanced-verification flag is required from the KYC registry. Thresholds
// increase monotonically with tier.
func (t Tier) EnhancedVerificationThreshold() uint64 {
	switch t {
	case TierBasic:
		return 500_000
	case TierVerified:
		return 5_000_000
	case TierEnhanced:
		return 50_000_000
	case TierInstitutional:
		return Unbounded
	default:
		return 0
	}
}

// MinTierFor returns the minimum KYC tier required for the given operation
// kind. Exchanges above the enhanced-verification threshold additionally
// require TierEnhanced, enforced by the policy gate.
func MinTierFor(kind OperationKind) Tier {
	switch kind {
	case KindBitcoinDeposit:
		return TierBasic
	case KindTokenWithdrawal:
		return TierVerified
	case KindCrossTokenExchange:
		return TierVerified
	default:
		return TierInstitutional
	}
}

// largeDepositThreshold is the amount above which extra confirmations are
// required regardless of tier (10 BTC).
const largeDepositThreshold = 10 * 100_000_000

// MinConfirmations returns the required bitcoin confirmation count for a
// deposit by the given tier and amount (satoshi).
func MinConfirmations(tier Tier, amountSat uint64) uint32 {
	var confs uint32
	if tier >= TierVerified {
		confs = 3
	} else {
		confs = 6
	}
	if amountSat > largeDepositThreshold {
		confs += 3
	}
	return confs
}

// LimitWindow holds the rolling per-user, per-kind usage counters. Resets are
// computed lazily on read: a window whose age exceeds its length is zeroed
// before the next debit is checked.
type LimitWindow struct {
	User           string
	Kind           OperationKind
	DailyUsed      uint64
	MonthlyUsed    uint64
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
	TierAtLastRead Tier
}

// ResetIfElapsed lazily zeroes any window whose age exceeds its length.
func (w *LimitWindow) ResetIfElapsed(now time.Time) {
	if now.Sub(w.DailyResetAt) >= DailyWindow {
		w.DailyUsed = 0
		w.DailyResetAt = now
	}
	if now.Sub(w.MonthlyResetAt) >= MonthlyWindow {
		w.MonthlyUsed = 0
		w.MonthlyResetAt = now
	}
}
