// Package memory provides in-process collaborator endpoints backed by plain
// maps. They implement the full client contracts (balance accounting, reserve
// bookkeeping, signed snapshots, deterministic settlement hashes) and serve
// as the local and development deployment mode of the node.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/custodian-labs/custodian-go/collaborator"
	"github.com/custodian-labs/custodian-go/model/custody"
)

// Suite bundles one instance of every collaborator sharing consistent books:
// the reserve service derives outstanding supply from the token ledger.
type Suite struct {
	Kyc     *KycRegistry
	Token   *TokenLedger
	Reserve *ReserveBooks
	Oracle  *Oracle
	Bitcoin *BitcoinSubmitter
}

// NewSuite creates a consistent set of in-process collaborators. nativeToken
// is the token whose supply the reserve books count against.
func NewSuite(nativeToken string) *Suite {
	token := NewTokenLedger()
	return &Suite{
		Kyc:     NewKycRegistry(),
		Token:   token,
		Reserve: NewReserveBooks(func() uint64 { return token.supplyOf(nativeToken) }),
		Oracle:  NewOracle(),
		Bitcoin: NewBitcoinSubmitter(),
	}
}

// KycRegistry holds per-user tier assignments. Unknown users default to
// Basic so a fresh local node accepts deposits out of the box.
type KycRegistry struct {
	mu       sync.RWMutex
	tiers    map[string]custody.Tier
	enhanced map[string]struct{}
}

var _ collaborator.KycClient = (*KycRegistry)(nil)

func NewKycRegistry() *KycRegistry {
	return &KycRegistry{
		tiers:    make(map[string]custody.Tier),
		enhanced: make(map[string]struct{}),
	}
}

// SetTier assigns a tier to a user, replacing any previous assignment.
func (r *KycRegistry) SetTier(user string, tier custody.Tier, enhanced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[user] = tier
	if enhanced {
		r.enhanced[user] = struct{}{}
	} else {
		delete(r.enhanced, user)
	}
}

func (r *KycRegistry) Tier(_ context.Context, user string) (custody.Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tier, ok := r.tiers[user]
	if !ok {
		return custody.TierBasic, nil
	}
	return tier, nil
}

func (r *KycRegistry) EnhancedVerified(_ context.Context, user string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.enhanced[user]
	return ok, nil
}

func (r *KycRegistry) Admit(ctx context.Context, req collaborator.AdmitRequest) (*collaborator.AdmitResponse, error) {
	tier, err := r.Tier(ctx, req.User)
	if err != nil {
		return nil, err
	}
	if tier < custody.MinTierFor(req.Kind) {
		return &collaborator.AdmitResponse{Approved: false, Reason: custody.DenialTierInsufficient}, nil
	}
	return &collaborator.AdmitResponse{Approved: true}, nil
}

func (r *KycRegistry) RegisterEvent(context.Context, string, custody.OperationKind, uint64, uint64) error {
	return nil
}

// TokenLedger is an in-memory multi-token balance book with total supply
// tracked per token.
type TokenLedger struct {
	mu       sync.RWMutex
	balances map[string]map[string]uint64 // token -> user -> units
	supply   map[string]uint64
}

var _ collaborator.TokenClient = (*TokenLedger)(nil)

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{
		balances: make(map[string]map[string]uint64),
		supply:   make(map[string]uint64),
	}
}

// Seed credits a user without going through Mint. Intended for bootstrapping
// exchange inventory on a local node.
func (l *TokenLedger) Seed(user, token string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(user, token, amount)
	l.supply[token] += amount
}

func (l *TokenLedger) credit(user, token string, amount uint64) {
	holders, ok := l.balances[token]
	if !ok {
		holders = make(map[string]uint64)
		l.balances[token] = holders
	}
	holders[user] += amount
}

func (l *TokenLedger) debit(user, token string, amount uint64) error {
	holders := l.balances[token]
	if holders[user] < amount {
		return custody.NewCollaboratorError(collaborator.NameToken, custody.ClassDenied, custody.ErrInsufficientFunds)
	}
	holders[user] -= amount
	return nil
}

func (l *TokenLedger) supplyOf(token string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[token]
}

func (l *TokenLedger) Balance(_ context.Context, user string, token string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[token][user], nil
}

func (l *TokenLedger) Mint(_ context.Context, req collaborator.MintRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(req.User, req.Token, req.Amount)
	l.supply[req.Token] += req.Amount
	return nil
}

func (l *TokenLedger) Burn(_ context.Context, req collaborator.BurnRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.debit(req.User, req.Token, req.Amount)
	if err != nil {
		return err
	}
	l.supply[req.Token] -= req.Amount
	return nil
}

func (l *TokenLedger) Transfer(_ context.Context, req collaborator.TransferRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.debit(req.From, req.Token, req.Amount)
	if err != nil {
		return err
	}
	l.credit(req.To, req.Token, req.Amount)
	return nil
}

func (l *TokenLedger) TotalSupply(_ context.Context, token string) (uint64, error) {
	return l.supplyOf(token), nil
}

// ReserveBooks tracks booked bitcoin reserves against the outstanding token
// supply reported by the supply function.
type ReserveBooks struct {
	mu          sync.Mutex
	supplyFn    func() uint64
	reservesSat uint64
	deposits    map[string]uint64
	withdrawals map[custody.Identifier]uint64
}

var _ collaborator.ReserveClient = (*ReserveBooks)(nil)

func NewReserveBooks(supplyFn func() uint64) *ReserveBooks {
	return &ReserveBooks{
		supplyFn:    supplyFn,
		deposits:    make(map[string]uint64),
		withdrawals: make(map[custody.Identifier]uint64),
	}
}

func (b *ReserveBooks) RegisterDeposit(_ context.Context, btcTxHash string, amountSat uint64, _ uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deposits[btcTxHash]; ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassConflict, custody.ErrConflict)
	}
	b.deposits[btcTxHash] = amountSat
	b.reservesSat += amountSat
	return nil
}

func (b *ReserveBooks) RollbackDeposit(_ context.Context, btcTxHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	amount, ok := b.deposits[btcTxHash]
	if !ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassNotFound, fmt.Errorf("unknown deposit %s", btcTxHash))
	}
	delete(b.deposits, btcTxHash)
	b.reservesSat -= amount
	return nil
}

func (b *ReserveBooks) CreateWithdrawal(_ context.Context, id custody.Identifier, _ string, amountSat uint64, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.withdrawals[id]; ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassConflict, custody.ErrConflict)
	}
	if amountSat > b.reservesSat {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassDenied, custody.ErrInsufficientReserves)
	}
	b.withdrawals[id] = amountSat
	b.reservesSat -= amountSat
	return nil
}

func (b *ReserveBooks) CancelWithdrawal(_ context.Context, id custody.Identifier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	amount, ok := b.withdrawals[id]
	if !ok {
		return custody.NewCollaboratorError(collaborator.NameReserve, custody.ClassNotFound, fmt.Errorf("unknown withdrawal %x", id))
	}
	delete(b.withdrawals, id)
	b.reservesSat += amount
	return nil
}

func (b *ReserveBooks) CurrentRatioBps(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return custody.ReserveRatioBps(b.reservesSat, b.supplyFn()), nil
}

func (b *ReserveBooks) Snapshot(_ context.Context) (*collaborator.ReserveSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reserves := b.reservesSat
	supply := b.supplyFn()

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], reserves)
	binary.BigEndian.PutUint64(buf[8:], supply)
	root := sha256.Sum256(buf[:])
	sig := sha256.Sum256(root[:])

	return &collaborator.ReserveSnapshot{
		ReservesSat: reserves,
		TokenSupply: supply,
		RatioBps:    custody.ReserveRatioBps(reserves, supply),
		MerkleRoot:  root,
		Signature:   sig[:],
	}, nil
}

// Oracle serves quotes from a configured rate table, stamping each response
// with the current fetch time.
type Oracle struct {
	mu       sync.RWMutex
	rates    map[string]rateEntry
	validity time.Duration
}

type rateEntry struct {
	rateBps uint64
	feeBps  uint64
}

var _ collaborator.OracleClient = (*Oracle)(nil)

func NewOracle() *Oracle {
	return &Oracle{
		rates:    make(map[string]rateEntry),
		validity: time.Minute,
	}
}

// SetRate configures the quote for an ordered pair.
func (o *Oracle) SetRate(from, to string, rateBps, feeBps uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[from+"/"+to] = rateEntry{rateBps: rateBps, feeBps: feeBps}
}

func (o *Oracle) Rate(_ context.Context, from, to string) (*custody.ExchangeRate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.rates[from+"/"+to]
	if !ok {
		return nil, custody.NewCollaboratorError(collaborator.NameOracle, custody.ClassNotFound, custody.ErrOracleUnavailable)
	}
	now := time.Now()
	return &custody.ExchangeRate{
		FromToken:  from,
		ToToken:    to,
		RateBps:    entry.rateBps,
		FeeBps:     entry.feeBps,
		FetchedAt:  now,
		ValidUntil: now.Add(o.validity),
		Source:     custody.RateSourceOracle,
	}, nil
}

// BitcoinSubmitter assigns a deterministic transaction hash to each
// withdrawal id. Resubmitting the same id returns the same hash.
type BitcoinSubmitter struct {
	mu   sync.Mutex
	sent map[custody.Identifier]string
}

var _ collaborator.BitcoinClient = (*BitcoinSubmitter)(nil)

func NewBitcoinSubmitter() *BitcoinSubmitter {
	return &BitcoinSubmitter{sent: make(map[custody.Identifier]string)}
}

func (s *BitcoinSubmitter) Send(_ context.Context, id custody.Identifier, amountSat uint64, btcAddress string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hash, ok := s.sent[id]; ok {
		return hash, nil
	}
	h := sha256.New()
	h.Write(id[:])
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amountSat)
	h.Write(amt[:])
	h.Write([]byte(btcAddress))
	hash := hex.EncodeToString(h.Sum(nil))
	s.sent[id] = hash
	return hash, nil
}
