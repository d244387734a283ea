package ledger

import (
	"context"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// FederationInfo is what a federation reports about itself before joining.
type FederationInfo struct {
	ID      string
	Name    string
	Network string
}

// Gateway bridges federation balances to the Lightning network.
type Gateway struct {
	ID          string
	NodePubKey  string
	FeeBaseMsat Amount
	FeePPM      uint64
	Vetted      bool
}

// Fee is the routing fee the gateway charges for paying amount.
func (g Gateway) Fee(amount Amount) Amount {
	return g.FeeBaseMsat + Amount(uint64(amount)*g.FeePPM/1_000_000)
}

// InvoiceRequest asks the federation to issue an invoice through a gateway.
// The preimage is handed over so the federation can release it to an
// internal payer.
type InvoiceRequest struct {
	OperationID OperationID
	PaymentHash lntypes.Hash
	Preimage    lntypes.Preimage
	Amount      Amount
	Description string
	Expiry      time.Duration
	Gateway     Gateway
}

type PayRequest struct {
	OperationID OperationID
	Invoice     *Invoice
	Internal    bool
	Gateway     Gateway
}

// Update is one state transition reported by the federation for an
// operation. Seq starts at 1 and increases by one per update.
type Update struct {
	OperationID OperationID
	Seq         int64
	State       string
	Reason      string
	Preimage    string
	Fee         Amount
}

// Federation is the backend a Client talks to. Implementations own
// consensus, ecash and gateway communication.
type Federation interface {
	Info(ctx context.Context) (FederationInfo, error)
	Join(ctx context.Context, clientID [32]byte) error
	Gateways(ctx context.Context) ([]Gateway, error)
	CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error)
	// IsInternal reports whether the invoice was issued by a member of this
	// federation and can be settled without a gateway.
	IsInternal(ctx context.Context, inv *Invoice) (bool, error)
	Pay(ctx context.Context, req PayRequest) error
	// Track replays all updates of an operation from the first one and then
	// follows new ones. Both channels are closed when tracking stops.
	Track(ctx context.Context, id OperationID) (<-chan Update, <-chan error)
	Close() error
}

// Dialer connects to the federation behind an invite code.
type Dialer func(ctx context.Context, invite InviteCode) (Federation, error)
