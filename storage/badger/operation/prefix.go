package operation

import (
	"encoding/binary"
	"fmt"

	"github.com/custodian-labs/custodian-go/model/custody"
)

// Key prefixes, one byte per entity family. Never reuse a retired code.
const (
	codeOperation      = 1
	codeOperationStep  = 2
	codeBtcTxHashIndex = 3
	codeUnfinalized    = 4

	codeLimitWindow  = 10
	codeExchangeRate = 11

	codeReconciliation = 20
	codeProof          = 21

	codeSystemState       = 30
	codeEmergencyResponse = 31
	codeEmergencyActive   = 32
	codeUpgradePlan       = 33

	codeCounter = 40
)

// makePrefix composes a key from a one-byte entity code and any number of
// binary-encodable key parts.
func makePrefix(code byte, keys ...interface{}) []byte {
	prefix := make([]byte, 1)
	prefix[0] = code
	for _, key := range keys {
		prefix = append(prefix, keyPartToBinary(key)...)
	}
	return prefix
}

func keyPartToBinary(v interface{}) []byte {
	switch i := v.(type) {
	case uint8:
		return []byte{i}
	case uint32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, i)
		return b
	case uint64:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, i)
		return b
	case string:
		return []byte(i)
	case custody.Identifier:
		return i[:]
	case custody.OperationKind:
		return []byte{uint8(i)}
	default:
		panic(fmt.Sprintf("unsupported key part type %T", v))
	}
}
