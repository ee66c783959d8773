package custody

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// IdentifierLen is the byte length of an Identifier.
const IdentifierLen = 32

// Identifier is a 256-bit globally unique identifier for an entity owned by
// this process (operations, records, emergency responses).
type Identifier [IdentifierLen]byte

// ZeroID is the zero value of Identifier.
var ZeroID = Identifier{}

func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

func (id Identifier) IsZero() bool {
	return id == ZeroID
}

func (id Identifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identifier) UnmarshalText(text []byte) error {
	return id.fromHex(string(text))
}

func (id *Identifier) fromHex(s string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("could not decode identifier hex: %w", err)
	}
	if len(raw) != IdentifierLen {
		return fmt.Errorf("invalid identifier length (got: %d, expected: %d)", len(raw), IdentifierLen)
	}
	copy(id[:], raw)
	return nil
}

// HexToIdentifier converts a hex string to an Identifier.
func HexToIdentifier(s string) (Identifier, error) {
	var id Identifier
	err := id.fromHex(s)
	return id, err
}

// MakeOperationID derives the identifier of an operation from the monotonic
// operation nonce, the wall-clock submission time and the ledger sequence
// observed at submission. The triple is unique for the lifetime of the
// process and across restarts, since the nonce is persisted.
func MakeOperationID(nonce uint64, submittedAt time.Time, ledgerSeq uint64) Identifier {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], nonce)
	binary.BigEndian.PutUint64(buf[8:16], uint64(submittedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[16:24], ledgerSeq)
	return Identifier(sha256.Sum256(buf[:]))
}

// MakeRecordID derives the identifier of an append-only record (reconciliation
// run, proof snapshot, emergency response) from its domain tag, sequence and
// timestamp.
func MakeRecordID(tag string, seq uint64, ts time.Time) Identifier {
	h := sha256.New()
	h.Write([]byte(tag))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(ts.UnixNano()))
	h.Write(buf[:])
	var id Identifier
	copy(id[:], h.Sum(nil))
	return id
}
