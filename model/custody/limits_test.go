package custody_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/custodian-labs/custodian-go/model/custody"
)

func TestTierLimitTables(t *testing.T) {
	cases := []struct {
		tier    custody.Tier
		daily   uint64
		monthly uint64
		single  uint64
	}{
		{custody.TierBasic, 5_000_000, 50_000_000, 1_000_000},
		{custody.TierVerified, 50_000_000, 500_000_000, 10_000_000},
		{custody.TierEnhanced, 500_000_000, 5_000_000_000, 100_000_000},
		{custody.TierInstitutional, custody.Unbounded, custody.Unbounded, custody.Unbounded},
	}
	for _, c := range cases {
		t.Run(c.tier.String(), func(t *testing.T) {
			assert.Equal(t, c.daily, c.tier.DailyLimit())
			assert.Equal(t, c.monthly, c.tier.MonthlyLimit())
			assert.Equal(t, c.single, c.tier.SingleTxLimit())
		})
	}
	assert.Zero(t, custody.TierNone.DailyLimit())
}

func TestEnhancedThresholdMonotone(t *testing.T) {
	tiers := []custody.Tier{
		custody.TierBasic, custody.TierVerified,
		custody.TierEnhanced, custody.TierInstitutional,
	}
	for i := 1; i < len(tiers); i++ {
		assert.Greater(t,
			tiers[i].EnhancedVerificationThreshold(),
			tiers[i-1].EnhancedVerificationThreshold())
	}
}

func TestMinConfirmations(t *testing.T) {
	assert.Equal(t, uint32(3), custody.MinConfirmations(custody.TierVerified, 100_000_000))
	assert.Equal(t, uint32(3), custody.MinConfirmations(custody.TierEnhanced, 100_000_000))
	assert.Equal(t, uint32(3), custody.MinConfirmations(custody.TierInstitutional, 100_000_000))
	assert.Equal(t, uint32(6), custody.MinConfirmations(custody.TierBasic, 100_000_000))

	// amounts above 10 BTC add 3 confirmations regardless of tier
	over := uint64(10*100_000_000 + 1)
	assert.Equal(t, uint32(6), custody.MinConfirmations(custody.TierVerified, over))
	assert.Equal(t, uint32(9), custody.MinConfirmations(custody.TierBasic, over))

	// exactly 10 BTC stays at the base requirement
	assert.Equal(t, uint32(3), custody.MinConfirmations(custody.TierVerified, 10*100_000_000))
}

func TestLimitWindowLazyReset(t *testing.T) {
	start := time.Now().UTC()
	w := custody.LimitWindow{
		User:           "u1",
		Kind:           custody.KindBitcoinDeposit,
		DailyUsed:      100,
		MonthlyUsed:    200,
		DailyResetAt:   start,
		MonthlyResetAt: start,
	}

	// one second short of the daily window: nothing resets
	w.ResetIfElapsed(start.Add(custody.DailyWindow - time.Second))
	assert.Equal(t, uint64(100), w.DailyUsed)
	assert.Equal(t, uint64(200), w.MonthlyUsed)

	// exactly at the daily window: daily resets, monthly holds
	now := start.Add(custody.DailyWindow)
	w.ResetIfElapsed(now)
	assert.Zero(t, w.DailyUsed)
	assert.Equal(t, uint64(200), w.MonthlyUsed)
	assert.Equal(t, now, w.DailyResetAt)

	// past the monthly window: both reset
	now = start.Add(custody.MonthlyWindow)
	w.ResetIfElapsed(now)
	assert.Zero(t, w.MonthlyUsed)
}

// Property: after any sequence of debits that the caps admit, used never
// exceeds the limit of the tier in effect.
func TestLimitWindowBoundedByCaps(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tier := custody.Tier(rapid.IntRange(int(custody.TierBasic), int(custody.TierEnhanced)).Draw(t, "tier"))
		w := custody.LimitWindow{DailyResetAt: time.Now(), MonthlyResetAt: time.Now()}
		n := rapid.IntRange(1, 50).Draw(t, "debits")
		for i := 0; i < n; i++ {
			amount := rapid.Uint64Range(1, tier.SingleTxLimit()).Draw(t, "amount")
			if w.DailyUsed+amount > tier.DailyLimit() || w.MonthlyUsed+amount > tier.MonthlyLimit() {
				continue // the gate denies, no debit happens
			}
			w.DailyUsed += amount
			w.MonthlyUsed += amount
		}
		assert.LessOrEqual(t, w.DailyUsed, tier.DailyLimit())
		assert.LessOrEqual(t, w.MonthlyUsed, tier.MonthlyLimit())
	})
}
