package ledger

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/lightningnetwork/lnd/lntypes"
)

// PayOperationID derives the operation id of the attempt-th payment of the
// invoice with the given payment hash: sha256(hash || attempt as u16 LE).
//
// Only attempt 0 is used today. Later attempts get their own ids without a
// new derivation scheme.
func PayOperationID(hash lntypes.Hash, attempt uint16) OperationID {
	var buf [lntypes.HashSize + 2]byte
	copy(buf[:], hash[:])
	binary.LittleEndian.PutUint16(buf[lntypes.HashSize:], attempt)
	return OperationID(sha256.Sum256(buf[:]))
}

// ReceiveOperationID is the id of the receive operation for an invoice.
func ReceiveOperationID(hash lntypes.Hash) OperationID {
	return OperationID(hash)
}
