// Package collaborator defines the typed client interfaces for the external
// services the orchestrator composes: the KYC registry, the token ledger,
// the reserve manager, the price oracle and the bitcoin submitter. The set
// of collaborators is closed and small; callers hold concrete references and
// thread every call through the call executor.
package collaborator

import (
	"context"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// Canonical collaborator names used in step logs, events and metrics.
const (
	NameKyc     = "kyc"
	NameToken   = "token"
	NameReserve = "reserve"
	NameOracle  = "oracle"
	NameBitcoin = "bitcoin"
)

// KycClient is the registry of customer KYC records.
type KycClient interface {
	// Tier returns the user's current KYC classification.
	Tier(ctx context.Context, user string) (custody.Tier, error)

	// EnhancedVerified reports whether the user has passed enhanced
	// verification, required for amounts above the tier threshold.
	EnhancedVerified(ctx context.Context, user string) (bool, error)

	// Admit asks the registry for an explicit admission decision.
	Admit(ctx context.Context, req AdmitRequest) (*AdmitResponse, error)

	// RegisterEvent records a compliance-relevant event. Best-effort from the
	// orchestrator's point of view.
	RegisterEvent(ctx context.Context, user string, kind custody.OperationKind, amount uint64, correlationID uint64) error
}

// AdmitRequest asks whether a user may perform an operation.
type AdmitRequest struct {
	User         string
	Kind         custody.OperationKind
	Amount       uint64
	Counterparty string
}

// AdmitResponse is the registry's decision.
type AdmitResponse struct {
	Approved bool
	Reason   custody.DenialReason
}

// TokenClient is the token ledger. All amounts are integer token units.
type TokenClient interface {
	Balance(ctx context.Context, user string, token string) (uint64, error)
	Mint(ctx context.Context, req MintRequest) error
	Burn(ctx context.Context, req BurnRequest) error
	Transfer(ctx context.Context, req TransferRequest) error
	TotalSupply(ctx context.Context, token string) (uint64, error)
}

// MintRequest credits newly created token units to a user.
type MintRequest struct {
	User          string
	Token         string
	Amount        uint64
	Tag           string // e.g. the backing bitcoin tx hash
	CorrelationID uint64
}

// BurnRequest destroys token units held by a user.
type BurnRequest struct {
	User          string
	Token         string
	Amount        uint64
	Tag           string // e.g. the destination bitcoin address
	CorrelationID uint64
}

// TransferRequest moves token units between two holders.
type TransferRequest struct {
	From   string
	To     string
	Token  string
	Amount uint64
}

// ReserveClient is the bitcoin reserve bookkeeping service.
type ReserveClient interface {
	// RegisterDeposit books an incoming bitcoin transaction into reserves.
	RegisterDeposit(ctx context.Context, btcTxHash string, amountSat uint64, confirmations uint32) error

	// RollbackDeposit reverses a booked deposit. May be unsupported by the
	// remote; absence is reported as a NotFound-class error and is treated as
	// non-fatal by the caller.
	RollbackDeposit(ctx context.Context, btcTxHash string) error

	// CreateWithdrawal books an outgoing withdrawal request.
	CreateWithdrawal(ctx context.Context, id custody.Identifier, user string, amountSat uint64, btcAddress string) error

	// CancelWithdrawal reverses a booked withdrawal request.
	CancelWithdrawal(ctx context.Context, id custody.Identifier) error

	// CurrentRatioBps returns the present reserve ratio in basis points.
	CurrentRatioBps(ctx context.Context) (uint64, error)

	// Snapshot returns a signed view of reserves and outstanding supply.
	Snapshot(ctx context.Context) (*ReserveSnapshot, error)
}

// ReserveSnapshot is a signed point-in-time view of the reserve books.
type ReserveSnapshot struct {
	ReservesSat uint64
	TokenSupply uint64
	RatioBps    uint64
	MerkleRoot  [32]byte
	Signature   []byte
}

// OracleClient provides exchange-rate quotes for ordered token pairs.
type OracleClient interface {
	Rate(ctx context.Context, from, to string) (*custody.ExchangeRate, error)
}

// BitcoinClient submits settlement transactions to the bitcoin network.
// Settlement is final-forward: a submitted send has no compensation.
type BitcoinClient interface {
	Send(ctx context.Context, id custody.Identifier, amountSat uint64, btcAddress string) (string, error)
}
