package custody

import "time"

// Severity classifies the discrepancy found by a reconciliation run.
type Severity uint8

const (
	SeverityMinor Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityMinor:
		return "minor"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	default:
		return "invalid"
	}
}

// FullyBackedRatioBps is the expected reserve ratio: 10_000 bps = 100%.
const FullyBackedRatioBps = uint64(10_000)

// ReserveRatioBps computes (reserves x 10_000) / supply, or zero when supply
// is zero.
func ReserveRatioBps(reservesSat uint64, tokenSupply uint64) uint64 {
	if tokenSupply == 0 {
		return 0
	}
	// supply is denominated in token units; reserves in satoshi. Normalize
	// supply to its satoshi equivalent before taking the ratio.
	backedSat := tokenSupply / TokenUnitsPerSatoshi
	if backedSat == 0 {
		return 0
	}
	return reservesSat * BpsDenominator / backedSat
}

// ClassifySeverity buckets an absolute discrepancy (bps) against the
// configured thresholds. A supply of zero always classifies as Minor
// (nothing outstanding means nothing can be under-backed).
func ClassifySeverity(discrepancyBps int64, toleranceBps uint64, maxBeforeHaltBps uint64, supply uint64) Severity {
	if supply == 0 {
		return SeverityMinor
	}
	abs := discrepancyBps
	if abs < 0 {
		abs = -abs
	}
	d := uint64(abs)
	switch {
	case d <= toleranceBps:
		return SeverityMinor
	case d <= 3*toleranceBps:
		return SeverityWarning
	case d < maxBeforeHaltBps:
		return SeverityCritical
	default:
		return SeverityEmergency
	}
}

// ReconciliationRecord is one entry of the append-only reconciliation audit
// log. Records are never amended; escalations produce a new record.
type ReconciliationRecord struct {
	ID                Identifier
	Sequence          uint64
	Timestamp         time.Time
	BtcReserves       uint64 // satoshi
	TokenSupply       uint64 // token units
	ExpectedRatioBps  uint64 // always FullyBackedRatioBps
	ActualRatioBps    uint64
	DiscrepancyBps    int64 // actual - expected
	DiscrepancySat    int64
	Severity          Severity
	ProtectiveActions bool // true iff severity >= Critical
}
