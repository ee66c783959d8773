package custody_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/custodian-labs/custodian-go/model/custody"
)

func TestExchangeRateStaleness(t *testing.T) {
	now := time.Now()
	r := custody.ExchangeRate{
		RateBps:    10_000,
		FetchedAt:  now,
		ValidUntil: now.Add(time.Minute),
	}

	assert.False(t, r.Expired(now))
	assert.False(t, r.Expired(now.Add(time.Minute-time.Nanosecond)))
	// a quote exactly at valid_until is stale
	assert.True(t, r.Expired(now.Add(time.Minute)))
}

func TestExchangeRateFreshness(t *testing.T) {
	const freq = time.Minute
	now := time.Now()

	r := custody.ExchangeRate{FetchedAt: now.Add(-2 * freq)}
	assert.True(t, r.Fresh(now, freq))

	r.FetchedAt = now.Add(-2*freq - time.Second)
	assert.False(t, r.Fresh(now, freq))

	// the stale-oracle scenario: fetched 3 update periods ago
	r.FetchedAt = now.Add(-3 * freq)
	assert.False(t, r.Fresh(now, freq))
}

func TestExchangeRateDeviationBand(t *testing.T) {
	r := custody.ExchangeRate{RateBps: 10_500}

	// 5% off a 10_000 fallback is inside a 500 bps band
	assert.True(t, r.InBand(10_000, 500))
	assert.False(t, r.InBand(10_000, 499))

	// symmetric below the fallback
	r.RateBps = 9_500
	assert.True(t, r.InBand(10_000, 500))
	r.RateBps = 9_499
	assert.False(t, r.InBand(10_000, 500))

	// a zero fallback can never bound anything
	assert.False(t, r.InBand(0, 500))
}

func TestPriceImpactBps(t *testing.T) {
	assert.Zero(t, custody.PriceImpactBps(0))
	assert.Zero(t, custody.PriceImpactBps(1_000_000))
	assert.Zero(t, custody.PriceImpactBps(1_999_999))
	assert.Equal(t, uint64(10), custody.PriceImpactBps(2_000_000))
	assert.Equal(t, uint64(100), custody.PriceImpactBps(11_000_000))
	assert.Equal(t, uint64(500), custody.PriceImpactBps(51_000_000))
	// capped at 500
	assert.Equal(t, uint64(500), custody.PriceImpactBps(1_000_000_000))
}

func TestProofRecordVerify(t *testing.T) {
	now := time.Now()
	p := custody.ProofRecord{
		Timestamp:   now,
		BtcReserves: 100_000_000,
		TokenSupply: 10_000_000_000_000_000,
		RatioBps:    10_000,
	}

	assert.Equal(t, custody.ProofVerified, p.Verify(now))
	assert.Equal(t, custody.ProofExpired, p.Verify(now.Add(custody.ProofValidity+time.Second)))

	p.RatioBps = 9_999
	assert.Equal(t, custody.ProofFailed, p.Verify(now))

	p = custody.ProofRecord{Timestamp: now, BtcReserves: 0, TokenSupply: 1}
	assert.Equal(t, custody.ProofFailed, p.Verify(now))

	p = custody.ProofRecord{Timestamp: now}
	p.RatioBps = 0
	assert.Equal(t, custody.ProofVerified, p.Verify(now))
}
