package unittest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
)

// The collaborator fakes below are deterministic in-memory implementations
// with per-method failure injection. A non-nil error field fails every call
// of that method until cleared; the counter variants fail a fixed number of
// calls first.

// FakeKyc is an in-memory KYC registry.
type FakeKyc struct {
	mu sync.Mutex

	Tiers    map[string]custody.Tier
	Enhanced map[string]bool

	TierErr     error
	EnhancedErr error
	AdmitErr    error
	RegisterErr error

	// DenyReason forces Admit to deny with the given reason.
	DenyReason custody.DenialReason

	Registered []ComplianceEvent
}

// ComplianceEvent is one recorded RegisterEvent call.
type ComplianceEvent struct {
	User          string
	Kind          custody.OperationKind
	Amount        uint64
	CorrelationID uint64
}

func NewFakeKyc() *FakeKyc {
	return &FakeKyc{
		Tiers:    make(map[string]custody.Tier),
		Enhanced: make(map[string]bool),
	}
}

func (f *FakeKyc) Tier(_ context.Context, user string) (custody.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TierErr != nil {
		return custody.TierNone, f.TierErr
	}
	return f.Tiers[user], nil
}

func (f *FakeKyc) EnhancedVerified(_ context.Context, user string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EnhancedErr != nil {
		return false, f.EnhancedErr
	}
	return f.Enhanced[user], nil
}

func (f *FakeKyc) Admit(_ context.Context, req collaborator.AdmitRequest) (*collaborator.AdmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.AdmitErr != nil {
		return nil, f.AdmitErr
	}
	if f.DenyReason != "" {
		return &collaborator.AdmitResponse{Approved: false, Reason: f.DenyReason}, nil
	}
	return &collaborator.AdmitResponse{Approved: true}, nil
}

func (f *FakeKyc) RegisterEvent(_ context.Context, user string, kind custody.OperationKind, amount uint64, correlationID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.Registered = append(f.Registered, ComplianceEvent{
		User: user, Kind: kind, Amount: amount, CorrelationID: correlationID,
	})
	return nil
}

// FakeToken is an in-memory token ledger with per-token balances and supply.
type FakeToken struct {
	mu sync.Mutex

	balances map[string]map[string]uint64 // user -> token -> units
	supply   map[string]uint64

	MintErr     error
	BurnErr     error
	TransferErr error
	BalanceErr  error
	SupplyErr   error

	Mints     []collaborator.MintRequest
	Burns     []collaborator.BurnRequest
	Transfers []collaborator.TransferRequest
}

func NewFakeToken() *FakeToken {
	return &FakeToken{
		balances: make(map[string]map[string]uint64),
		supply:   make(map[string]uint64),
	}
}

// SetBalance seeds a balance together with the matching supply.
func (f *FakeToken) SetBalance(user, token string, units uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.balances[user][token]
	if f.balances[user] == nil {
		f.balances[user] = make(map[string]uint64)
	}
	f.balances[user][token] = units
	f.supply[token] = f.supply[token] - prev + units
}

func (f *FakeToken) Balance(_ context.Context, user string, token string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return 0, f.BalanceErr
	}
	return f.balances[user][token], nil
}

func (f *FakeToken) Mint(_ context.Context, req collaborator.MintRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MintErr != nil {
		return f.MintErr
	}
	f.credit(req.User, req.Token, req.Amount)
	f.supply[req.Token] += req.Amount
	f.Mints = append(f.Mints, req)
	return nil
}

func (f *FakeToken) Burn(_ context.Context, req collaborator.BurnRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BurnErr != nil {
		return f.BurnErr
	}
	if f.balances[req.User][req.Token] < req.Amount {
		return custody.NewCollaboratorError(collaborator.NameToken, custody.ClassInvalidArgs, custody.ErrInsufficientFunds)
	}
	f.balances[req.User][req.Token] -= req.Amount
	f.supply[req.Token] -= req.Amount
	f.Burns = append(f.Burns, req)
	return nil
}

func (f *FakeToken) Transfer(_ context.Context, req collaborator.TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return f.TransferErr
	}
	if f.balances[req.From][req.Token] < req.Amount {
		return custody.NewCollaboratorError(collaborator.NameToken, custody.ClassInvalidArgs, custody.ErrInsufficientFunds)
	}
	f.balances[req.From][req.Token] -= req.Amount
	f.credit(req.To, req.Token, req.Amount)
	f.Transfers = append(f.Transfers, req)
	return nil
}

func (f *FakeToken) TotalSupply(_ context.Context, token string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SupplyErr != nil {
		return 0, f.SupplyErr
	}
	return f.supply[token], nil
}

// credit assumes the lock is held.
func (f *FakeToken) credit(user, token string, units uint64) {
	if f.balances[user] == nil {
		f.balances[user] = make(map[string]uint64)
	}
	f.balances[user][token] += units
}

// UserBalance reads a balance without error injection, for assertions.
func (f *FakeToken) UserBalance(user, token string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[user][token]
}

// Supply reads a supply without error injection, for assertions.
func (f *FakeToken) Supply(token string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.supply[token]
}

// FakeWithdrawalState tracks the lifecycle of a booked withdrawal.
type FakeWithdrawalState string

const (
	WithdrawalPending   FakeWithdrawalState = "pending"
	WithdrawalCancelled FakeWithdrawalState = "cancelled"
)

// FakeWithdrawal is one booked withdrawal record.
type FakeWithdrawal struct {
	User       string
	AmountSat  uint64
	BtcAddress string
	State      FakeWithdrawalState
}

// FakeReserve is an in-memory reserve book. SupplyOf, when set, links the
// reserve to the token ledger so ratio figures track minted supply.
type FakeReserve struct {
	mu sync.Mutex

	ReservesSat uint64
	SupplyOf    func() uint64

	deposits    map[string]uint64
	withdrawals map[custody.Identifier]*FakeWithdrawal

	RegisterErr error
	RollbackErr error
	CreateErr   error
	CancelErr   error
	RatioErr    error
	SnapshotErr error

	// RatioOverride, when non-nil, is returned by CurrentRatioBps verbatim.
	RatioOverride *uint64
}

func NewFakeReserve() *FakeReserve {
	return &FakeReserve{
		deposits:    make(map[string]uint64),
		withdrawals: make(map[custody.Identifier]*FakeWithdrawal),
	}
}

func (f *FakeReserve) RegisterDeposit(_ context.Context, btcTxHash string, amountSat uint64, confirmations uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.deposits[btcTxHash] = amountSat
	f.ReservesSat += amountSat
	return nil
}

func (f *FakeReserve) RollbackDeposit(_ context.Context, btcTxHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RollbackErr != nil {
		return f.RollbackErr
	}
	amount, ok := f.deposits[btcTxHash]
	if !ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassNotFound, fmt.Errorf("no deposit for tx %s", btcTxHash))
	}
	delete(f.deposits, btcTxHash)
	f.ReservesSat -= amount
	return nil
}

func (f *FakeReserve) CreateWithdrawal(_ context.Context, id custody.Identifier, user string, amountSat uint64, btcAddress string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	if f.ReservesSat < amountSat {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassDenied, custody.ErrInsufficientReserves)
	}
	if _, exists := f.withdrawals[id]; exists {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassConflict, custody.ErrConflict)
	}
	f.withdrawals[id] = &FakeWithdrawal{
		User: user, AmountSat: amountSat, BtcAddress: btcAddress, State: WithdrawalPending,
	}
	f.ReservesSat -= amountSat
	return nil
}

func (f *FakeReserve) CancelWithdrawal(_ context.Context, id custody.Identifier) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	w, ok := f.withdrawals[id]
	if !ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassNotFound, fmt.Errorf("no withdrawal %s", id))
	}
	if w.State == WithdrawalPending {
		w.State = WithdrawalCancelled
		f.ReservesSat += w.AmountSat
	}
	return nil
}

func (f *FakeReserve) CurrentRatioBps(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RatioErr != nil {
		return 0, f.RatioErr
	}
	if f.RatioOverride != nil {
		return *f.RatioOverride, nil
	}
	supply := f.supply()
	if supply == 0 {
		// empty books are fully backed by definition
		return custody.FullyBackedRatioBps, nil
	}
	return custody.ReserveRatioBps(f.ReservesSat, supply), nil
}

func (f *FakeReserve) Snapshot(_ context.Context) (*collaborator.ReserveSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SnapshotErr != nil {
		return nil, f.SnapshotErr
	}
	supply := f.supply()
	return &collaborator.ReserveSnapshot{
		ReservesSat: f.ReservesSat,
		TokenSupply: supply,
		RatioBps:    custody.ReserveRatioBps(f.ReservesSat, supply),
		MerkleRoot:  [32]byte(custody.MakeRecordID("fake-merkle", f.ReservesSat, time.Now())),
		Signature:   []byte("fake-signature"),
	}, nil
}

// supply assumes the lock is held.
func (f *FakeReserve) supply() uint64 {
	if f.SupplyOf == nil {
		return 0
	}
	return f.SupplyOf()
}

// Withdrawal reads one booked withdrawal record, for assertions.
func (f *FakeReserve) Withdrawal(id custody.Identifier) (FakeWithdrawal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.withdrawals[id]
	if !ok {
		return FakeWithdrawal{}, false
	}
	return *w, true
}

// Deposits returns a copy of the booked deposit map, for assertions.
func (f *FakeReserve) Deposits() map[string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.deposits))
	for k, v := range f.deposits {
		out[k] = v
	}
	return out
}

// FakeOracle serves canned quotes per ordered pair.
type FakeOracle struct {
	mu sync.Mutex

	Quotes  map[string]*custody.ExchangeRate
	RateErr error
}

func NewFakeOracle() *FakeOracle {
	return &FakeOracle{Quotes: make(map[string]*custody.ExchangeRate)}
}

// SetQuote installs a quote for the ordered pair.
func (f *FakeOracle) SetQuote(rate *custody.ExchangeRate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Quotes[rate.FromToken+"/"+rate.ToToken] = rate
}

func (f *FakeOracle) Rate(_ context.Context, from, to string) (*custody.ExchangeRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RateErr != nil {
		return nil, f.RateErr
	}
	quote, ok := f.Quotes[from+"/"+to]
	if !ok {
		return nil, custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassNotFound, custody.ErrOracleUnavailable)
	}
	cp := *quote
	return &cp, nil
}

// FakeBitcoin records submitted settlement transactions.
type FakeBitcoin struct {
	mu sync.Mutex

	SendErr error
	// FailSends fails that many Send calls before succeeding; -1 fails all.
	FailSends int

	Sent []FakeSend
}

// FakeSend is one accepted settlement submission.
type FakeSend struct {
	ID         custody.Identifier
	AmountSat  uint64
	BtcAddress string
	TxHash     string
}

func NewFakeBitcoin() *FakeBitcoin {
	return &FakeBitcoin{}
}

func (f *FakeBitcoin) Send(_ context.Context, id custody.Identifier, amountSat uint64, btcAddress string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailSends != 0 {
		if f.FailSends > 0 {
			f.FailSends--
		}
		err := f.SendErr
		if err == nil {
			err = custody.NewCollaboratorError(collaborator.NameBitcoin, custody.ClassTransport, fmt.Errorf("injected send failure"))
		}
		return "", err
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	txHash := fmt.Sprintf("btc-tx-%d", len(f.Sent)+1)
	f.Sent = append(f.Sent, FakeSend{ID: id, AmountSat: amountSat, BtcAddress: btcAddress, TxHash: txHash})
	return txHash, nil
}

var (
	_ collaborator.KycClient     = (*FakeKyc)(nil)
	_ collaborator.TokenClient   = (*FakeToken)(nil)
	_ collaborator.ReserveClient = (*FakeReserve)(nil)
	_ collaborator.OracleClient  = (*FakeOracle)(nil)
	_ collaborator.BitcoinClient = (*FakeBitcoin)(nil)
)
