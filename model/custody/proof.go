package custody

import "time"

// ProofStatus is the verification status of a proof-of-reserves snapshot.
type ProofStatus uint8

const (
	ProofPending ProofStatus = iota
	ProofVerified
	ProofFailed
	ProofExpired
)

func (s ProofStatus) String() string {
	switch s {
	case ProofPending:
		return "pending"
	case ProofVerified:
		return "verified"
	case ProofFailed:
		return "failed"
	case ProofExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// ProofValidity is how long a proof-of-reserves snapshot stays verifiable.
const ProofValidity = 24 * time.Hour

// ProofRecord is a signed proof-of-reserves snapshot.
type ProofRecord struct {
	ID          Identifier
	Sequence    uint64
	Timestamp   time.Time
	BtcReserves uint64 // satoshi
	TokenSupply uint64 // token units
	RatioBps    uint64
	MerkleRoot  [32]byte
	Signature   []byte
	Status      ProofStatus
}

// Verify re-checks the snapshot at the given time and returns the resulting
// status: Expired past the validity window, Failed on a zero-reserve nonzero
// supply or a ratio that does not match the reported figures, Verified
// otherwise.
func (p *ProofRecord) Verify(now time.Time) ProofStatus {
	if now.Sub(p.Timestamp) > ProofValidity {
		return ProofExpired
	}
	if p.BtcReserves == 0 && p.TokenSupply > 0 {
		return ProofFailed
	}
	if ReserveRatioBps(p.BtcReserves, p.TokenSupply) != p.RatioBps {
		return ProofFailed
	}
	return ProofVerified
}
