package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	ErrNoGatewayAvailable        = errors.New("no LN gateway available")
	ErrOperationNotFound         = errors.New("no operation found")
	ErrInconsistentOperationKind = errors.New("operation exists with a different kind")
	ErrInvalidOperationID        = errors.New("operation id must be 32 hex-encoded bytes")
	ErrAmountlessInvoice         = errors.New("invoice has no amount")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrDescriptionTooLong        = errors.New("description too long")
	ErrInvoiceMismatch           = errors.New("federation returned an invoice for a different payment hash")
	ErrStreamEnded               = errors.New("operation update stream ended without a terminal state")
	ErrSubscriptionClosed        = errors.New("subscription closed")
	ErrClientClosed              = errors.New("ledger client closed")
	ErrInvoiceExpired            = errors.New("invoice has expired")

	// ErrPaymentRejected is wrapped by Federation.Pay errors that guarantee
	// the payment was not accepted. Any other Pay error leaves the outcome
	// open.
	ErrPaymentRejected = errors.New("payment rejected by federation")
	// ErrUnknownToFederation is reported through Federation.Track for
	// operations the federation has no record of.
	ErrUnknownToFederation = errors.New("operation unknown to federation")
)

// ModuleLightning tags operations created by the Lightning module.
const ModuleLightning = "ln"

// Amount is a count of millisatoshi.
type Amount uint64

func (a Amount) String() string {
	return fmt.Sprintf("%d msat", uint64(a))
}

// OperationID identifies an operation in the log. Receive operations use the
// invoice payment hash directly; pay operations use PayOperationID.
type OperationID [32]byte

func (id OperationID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseOperationID decodes a hex-encoded 32-byte identifier.
func ParseOperationID(s string) (OperationID, error) {
	var id OperationID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, ErrInvalidOperationID
	}
	copy(id[:], b)
	return id, nil
}

// OperationMeta is the variant-specific payload of an operation. It is
// implemented only by ReceiveMeta and PayMeta.
type OperationMeta interface {
	isOperationMeta()
}

type ReceiveMeta struct {
	Invoice string
	Amount  Amount
}

type PayMeta struct {
	IsInternalPayment bool
	Invoice           string
	Amount            Amount
	GatewayID         string
}

func (ReceiveMeta) isOperationMeta() {}
func (PayMeta) isOperationMeta()     {}

// Operation is one entry of the operation log.
type Operation struct {
	ID          OperationID
	ModuleKind  string
	PaymentHash lntypes.Hash
	Meta        OperationMeta
	CreatedAt   time.Time
}

// PayDispatch is the result of RequestPayment.
type PayDispatch struct {
	OperationID OperationID
	Internal    bool
	// Existing is set when the operation was already in the log and nothing
	// new was sent to the federation.
	Existing bool
}
