package custody_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/custodian-labs/custodian-go/model/custody"
)

func TestReserveRatioBps(t *testing.T) {
	// fully backed: 1 BTC of reserves vs 1 BTC worth of token units
	assert.Equal(t, uint64(10_000),
		custody.ReserveRatioBps(100_000_000, 10_000_000_000_000_000))

	// the reconciliation emergency scenario: 0.95 BTC backing 1 BTC of supply
	assert.Equal(t, uint64(9_500),
		custody.ReserveRatioBps(95_000_000, 10_000_000_000_000_000))

	// zero supply yields zero, not a division fault
	assert.Zero(t, custody.ReserveRatioBps(100_000_000, 0))
}

func TestClassifySeverity(t *testing.T) {
	const tolerance = uint64(100)
	const maxHalt = uint64(500)
	const supply = uint64(1)

	cases := []struct {
		name     string
		disc     int64
		expected custody.Severity
	}{
		{"exact backing", 0, custody.SeverityMinor},
		{"within tolerance", -100, custody.SeverityMinor},
		{"just over tolerance", -101, custody.SeverityWarning},
		{"warning upper bound", -300, custody.SeverityWarning},
		{"critical band", -301, custody.SeverityCritical},
		{"just below halt", -499, custody.SeverityCritical},
		{"at halt threshold", -500, custody.SeverityEmergency},
		{"deep shortfall", -2_000, custody.SeverityEmergency},
		{"positive drift classifies the same", 500, custody.SeverityEmergency},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected,
				custody.ClassifySeverity(c.disc, tolerance, maxHalt, supply))
		})
	}

	t.Run("zero supply is always minor", func(t *testing.T) {
		assert.Equal(t, custody.SeverityMinor,
			custody.ClassifySeverity(-10_000, tolerance, maxHalt, 0))
	})
}

// Property: every discrepancy lands in exactly one severity bucket.
func TestSeverityBucketsArePartition(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		disc := rapid.Int64Range(-20_000, 20_000).Draw(t, "disc")
		sev := custody.ClassifySeverity(disc, 100, 500, 1)
		abs := disc
		if abs < 0 {
			abs = -abs
		}
		switch {
		case abs <= 100:
			assert.Equal(t, custody.SeverityMinor, sev)
		case abs <= 300:
			assert.Equal(t, custody.SeverityWarning, sev)
		case abs < 500:
			assert.Equal(t, custody.SeverityCritical, sev)
		default:
			assert.Equal(t, custody.SeverityEmergency, sev)
		}
	})
}
