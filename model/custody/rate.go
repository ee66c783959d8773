package custody

import "time"

// RateSource marks whether a quote came from the oracle or from the
// configured fallback table.
type RateSource string

const (
	RateSourceOracle   RateSource = "oracle"
	RateSourceFallback RateSource = "fallback"
)

// BpsDenominator is the basis-point scale used for rates, fees, ratios and
// slippage throughout the system.
const BpsDenominator = uint64(10_000)

// ExchangeRate is the last-known quote for an ordered token pair.
type ExchangeRate struct {
	FromToken  string
	ToToken    string
	RateBps    uint64 // rate x 10_000
	FeeBps     uint64
	FetchedAt  time.Time
	ValidUntil time.Time
	Source     RateSource
}

// Expired reports whether the quote may no longer be used. A quote exactly at
// its valid_until boundary is treated as stale.
func (r *ExchangeRate) Expired(now time.Time) bool {
	return !now.Before(r.ValidUntil)
}

// Fresh reports whether the quote was fetched recently enough given the
// oracle update frequency: now - fetched_at <= 2 x update_frequency.
func (r *ExchangeRate) Fresh(now time.Time, updateFrequency time.Duration) bool {
	return now.Sub(r.FetchedAt) <= 2*updateFrequency
}

// InBand reports whether the quote deviates from the fallback rate by at most
// maxDeviationBps: |rate - fallback| / fallback <= maxDeviationBps / 10_000.
func (r *ExchangeRate) InBand(fallbackRateBps uint64, maxDeviationBps uint64) bool {
	if fallbackRateBps == 0 {
		return false
	}
	var diff uint64
	if r.RateBps > fallbackRateBps {
		diff = r.RateBps - fallbackRateBps
	} else {
		diff = fallbackRateBps - r.RateBps
	}
	return diff*BpsDenominator <= maxDeviationBps*fallbackRateBps
}

// PriceImpactBps returns the price impact in basis points for an exchange of
// the given amount: zero up to 1_000_000 units, then 10 bps per additional
// million, capped at 500 bps.
func PriceImpactBps(amount uint64) uint64 {
	const step = uint64(1_000_000)
	if amount <= step {
		return 0
	}
	impact := 10 * ((amount - step) / step)
	if impact > 500 {
		return 500
	}
	return impact
}
