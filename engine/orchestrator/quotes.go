package orchestrator

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/custodian-labs/custodian-go/model/custody"
	"github.com/custodian-labs/custodian-go/storage"
)

// ErrSlippageExceeded rejects an exchange whose realized slippage against the
// base rate exceeds the caller's bound.
var ErrSlippageExceeded = errors.New("realized slippage exceeds maximum")

// ErrAmountOutOfRange rejects an exchange whose priced proceeds do not fit in
// 64 bits.
var ErrAmountOutOfRange = errors.New("amount out of range for pricing")

// QuoteConfig tunes oracle quote validation and fallback substitution.
type QuoteConfig struct {
	// UpdateFrequency is the oracle's advertised refresh interval; a quote
	// older than twice this value is not fresh.
	UpdateFrequency time.Duration

	// MaxDeviationBps bounds the allowed deviation of an oracle quote from
	// the configured fallback rate.
	MaxDeviationBps uint64

	// FallbackValidity is the shortened validity of a substituted quote.
	FallbackValidity time.Duration

	// FallbackSurchargeBps is added to the fee of a substituted quote.
	FallbackSurchargeBps uint64

	// FallbackRates maps "from/to" pairs to their configured fallback rate
	// in basis points.
	FallbackRates map[string]uint64

	// FallbackFeeBps is the base fee of a substituted quote when the oracle
	// returned nothing at all.
	FallbackFeeBps uint64

	CacheSize int
}

// DefaultQuoteConfig returns the production defaults.
func DefaultQuoteConfig() QuoteConfig {
	return QuoteConfig{
		UpdateFrequency:      time.Minute,
		MaxDeviationBps:      1000,
		FallbackValidity:     5 * time.Minute,
		FallbackSurchargeBps: 50,
		FallbackRates:        make(map[string]uint64),
		FallbackFeeBps:       30,
		CacheSize:            128,
	}
}

// ExchangeQuote is the priced outcome of an exchange against a validated
// quote.
type ExchangeQuote struct {
	Rate           *custody.ExchangeRate
	FromAmount     uint64
	ToAmount       uint64
	FeeAmount      uint64 // charged in the from token
	PriceImpactBps uint64
	SlippageBps    uint64
}

// Quoter validates oracle quotes, substitutes the configured fallback rate
// when a quote is stale or out of band, and retains last-known quotes in an
// LRU cache backed by durable storage.
type Quoter struct {
	log   zerolog.Logger
	cfg   QuoteConfig
	store storage.ExchangeRates
	cache *lru.Cache
}

func NewQuoter(log zerolog.Logger, cfg QuoteConfig, store storage.ExchangeRates) (*Quoter, error) {
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create quote cache: %w", err)
	}
	return &Quoter{
		log:   log.With().Str("component", "quoter").Logger(),
		cfg:   cfg,
		store: store,
		cache: cache,
	}, nil
}

func pairKey(from, to string) string {
	return from + "/" + to
}

// Resolve turns a raw oracle quote (possibly nil when the oracle call
// failed) into a validated quote, substituting the fallback rate when the
// quote is missing, stale, expired, or out of band. The validated quote is
// cached and persisted.
func (q *Quoter) Resolve(raw *custody.ExchangeRate, from, to string, now time.Time) (*custody.ExchangeRate, error) {
	validated, err := q.validate(raw, from, to, now)
	if err != nil {
		return nil, err
	}

	q.cache.Add(pairKey(from, to), validated)
	err = q.store.Save(validated)
	if err != nil {
		q.log.Warn().Err(err).
			Str("pair", pairKey(from, to)).
			Msg("could not persist exchange rate")
	}
	return validated, nil
}

func (q *Quoter) validate(raw *custody.ExchangeRate, from, to string, now time.Time) (*custody.ExchangeRate, error) {
	if raw == nil {
		return q.fallback(from, to, q.cfg.FallbackFeeBps, now, custody.ErrOracleUnavailable)
	}
	if raw.Expired(now) || !raw.Fresh(now, q.cfg.UpdateFrequency) {
		return q.fallback(from, to, raw.FeeBps, now, custody.ErrOracleStale)
	}
	fallbackRate, ok := q.cfg.FallbackRates[pairKey(from, to)]
	if ok && !raw.InBand(fallbackRate, q.cfg.MaxDeviationBps) {
		return q.fallback(from, to, raw.FeeBps, now, custody.ErrOracleOutOfBand)
	}
	return raw, nil
}

// fallback substitutes the configured rate; cause is returned when no
// fallback rate is configured for the pair.
func (q *Quoter) fallback(from, to string, baseFeeBps uint64, now time.Time, cause error) (*custody.ExchangeRate, error) {
	rateBps, ok := q.cfg.FallbackRates[pairKey(from, to)]
	if !ok {
		return nil, cause
	}
	q.log.Info().
		Str("pair", pairKey(from, to)).
		AnErr("cause", cause).
		Msg("substituting fallback rate")
	return &custody.ExchangeRate{
		FromToken:  from,
		ToToken:    to,
		RateBps:    rateBps,
		FeeBps:     baseFeeBps + q.cfg.FallbackSurchargeBps,
		FetchedAt:  now,
		ValidUntil: now.Add(q.cfg.FallbackValidity),
		Source:     custody.RateSourceFallback,
	}, nil
}

// LastKnown returns the cached (or persisted) last validated quote for the
// pair, without re-validating it.
func (q *Quoter) LastKnown(from, to string) (*custody.ExchangeRate, error) {
	if cached, ok := q.cache.Get(pairKey(from, to)); ok {
		return cached.(*custody.ExchangeRate), nil
	}
	rate, err := q.store.ByPair(from, to)
	if err != nil {
		return nil, err
	}
	q.cache.Add(pairKey(from, to), rate)
	return rate, nil
}

// Price computes the exchange outcome: fee in the from token, price impact
// scaled off the gross proceeds, and the realized slippage against the base
// rate. Returns ErrSlippageExceeded when the slippage bound is violated.
func (q *Quoter) Price(rate *custody.ExchangeRate, fromAmount uint64, maxSlippageBps uint64) (*ExchangeQuote, error) {
	if fromAmount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrAmountOutOfRange)
	}
	fee, ok := mulDiv(fromAmount, rate.FeeBps, custody.BpsDenominator)
	if !ok || fee > fromAmount {
		return nil, fmt.Errorf("%w: fee on %d units at %d bps", ErrAmountOutOfRange, fromAmount, rate.FeeBps)
	}
	net := fromAmount - fee
	gross, ok := mulDiv(net, rate.RateBps, custody.BpsDenominator)
	if !ok {
		return nil, fmt.Errorf("%w: %d units at rate %d bps", ErrAmountOutOfRange, net, rate.RateBps)
	}
	impact := custody.PriceImpactBps(fromAmount)
	toAmount, ok := mulDiv(gross, custody.BpsDenominator-impact, custody.BpsDenominator)
	if !ok {
		return nil, fmt.Errorf("%w: %d units at impact %d bps", ErrAmountOutOfRange, gross, impact)
	}

	realizedRateBps, ok := mulDiv(toAmount, custody.BpsDenominator, fromAmount)
	if !ok {
		return nil, fmt.Errorf("%w: realized rate of %d units", ErrAmountOutOfRange, toAmount)
	}
	var slippage uint64
	if realizedRateBps < rate.RateBps {
		// diff < RateBps, so the 128-bit quotient always fits
		slippage, _ = mulDiv(rate.RateBps-realizedRateBps, custody.BpsDenominator, rate.RateBps)
	}

	quote := &ExchangeQuote{
		Rate:           rate,
		FromAmount:     fromAmount,
		ToAmount:       toAmount,
		FeeAmount:      fee,
		PriceImpactBps: impact,
		SlippageBps:    slippage,
	}
	if slippage > maxSlippageBps {
		return quote, fmt.Errorf("%w: realized %d bps, maximum %d bps", ErrSlippageExceeded, slippage, maxSlippageBps)
	}
	return quote, nil
}

// mulDiv returns a*b/den over a 128-bit intermediate, reporting false when
// the quotient does not fit in 64 bits.
func mulDiv(a, b, den uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi >= den {
		return 0, false
	}
	quo, _ := bits.Div64(hi, lo, den)
	return quo, true
}
