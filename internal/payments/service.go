package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"

	"blitzi/internal/ledger"
	"blitzi/internal/logging"
)

var (
	ErrOperationNotFound         = ledger.ErrOperationNotFound
	ErrNoGatewayAvailable        = ledger.ErrNoGatewayAvailable
	ErrInconsistentOperationKind = ledger.ErrInconsistentOperationKind
	ErrStreamEnded               = ledger.ErrStreamEnded
	ErrWrongOperationKind        = errors.New("operation is not a lightning receive")
	ErrInvalidPreimage           = errors.New("invalid preimage")
)

// PaymentCanceledError is returned when an incoming payment was canceled.
type PaymentCanceledError struct {
	Reason string
}

func (e *PaymentCanceledError) Error() string {
	return "payment canceled: " + e.Reason
}

// PaymentFailedError is returned when an outgoing payment ended in a
// terminal state other than success.
type PaymentFailedError struct {
	State  string
	Reason string
}

func (e *PaymentFailedError) Error() string {
	if e.Reason == "" {
		return "payment failed: " + e.State
	}
	return fmt.Sprintf("payment failed: %s: %s", e.State, e.Reason)
}

// Session is the part of the ledger client the service depends on.
type Session interface {
	Gateway(ctx context.Context) (ledger.Gateway, error)
	CreateInvoice(ctx context.Context, amount ledger.Amount, description string, gw ledger.Gateway) (ledger.OperationID, *ledger.Invoice, error)
	RequestPayment(ctx context.Context, inv *ledger.Invoice, gw ledger.Gateway) (ledger.PayDispatch, error)
	GetOperation(ctx context.Context, id ledger.OperationID) (*ledger.Operation, error)
	SubscribeReceive(id ledger.OperationID) ledger.Stream[ledger.ReceiveUpdate]
	SubscribeInternalPay(id ledger.OperationID) ledger.Stream[ledger.InternalPayUpdate]
	SubscribeLnPay(id ledger.OperationID) ledger.Stream[ledger.LnPayUpdate]
	Balance(ctx context.Context) (ledger.Amount, error)
	ParseInvoice(raw string) (*ledger.Invoice, error)
}

// Service creates invoices, pays them and waits for their outcome.
type Service struct {
	session Session
}

// NewService creates a new payment service.
func NewService(session Session) *Service {
	return &Service{session: session}
}

// CreateInvoice issues an invoice without waiting for it to be paid.
func (s *Service) CreateInvoice(ctx context.Context, amount ledger.Amount, description string) (*ledger.Invoice, error) {
	gw, err := s.session.Gateway(ctx)
	if err != nil {
		return nil, err
	}
	_, inv, err := s.session.CreateInvoice(ctx, amount, description, gw)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// AwaitIncoming blocks until the invoice with the given payment hash is
// claimed or canceled.
func (s *Service) AwaitIncoming(ctx context.Context, hash lntypes.Hash) error {
	id := ledger.ReceiveOperationID(hash)

	op, err := s.session.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	if op.ModuleKind != ledger.ModuleLightning {
		return fmt.Errorf("%w: module %q", ErrWrongOperationKind, op.ModuleKind)
	}
	if _, ok := op.Meta.(ledger.ReceiveMeta); !ok {
		return fmt.Errorf("%w: operation %s is a payment", ErrWrongOperationKind, id)
	}

	final, err := awaitOutcome(ctx, s.session.SubscribeReceive(id), func(u ledger.ReceiveUpdate) bool {
		return u.State.IsTerminal()
	})
	if err != nil {
		return s.streamErr(id, err)
	}

	if final.State == ledger.ReceiveCanceled {
		return &PaymentCanceledError{Reason: final.Reason}
	}
	return nil
}

// AwaitIncomingInvoice is AwaitIncoming for an invoice issued by this
// session.
func (s *Service) AwaitIncomingInvoice(ctx context.Context, inv *ledger.Invoice) error {
	return s.AwaitIncoming(ctx, inv.PaymentHash)
}

// Pay pays inv and returns its preimage. Paying the same invoice again does
// not dispatch a second payment; it waits for the first one's outcome.
func (s *Service) Pay(ctx context.Context, inv *ledger.Invoice) (lntypes.Preimage, error) {
	id := ledger.PayOperationID(inv.PaymentHash, 0)

	var internal bool
	op, err := s.session.GetOperation(ctx, id)
	switch {
	case err == nil:
		meta, ok := op.Meta.(ledger.PayMeta)
		if !ok {
			logging.Internal.Printf("BUG: operation %s exists but is not a payment", id)
			return lntypes.Preimage{}, fmt.Errorf("%w: operation %s", ErrInconsistentOperationKind, id)
		}
		internal = meta.IsInternalPayment
	case errors.Is(err, ErrOperationNotFound):
		gw, err := s.session.Gateway(ctx)
		if err != nil {
			return lntypes.Preimage{}, err
		}
		dispatch, err := s.session.RequestPayment(ctx, inv, gw)
		if err != nil {
			if errors.Is(err, ErrInconsistentOperationKind) {
				logging.Internal.Printf("BUG: %v", err)
			}
			return lntypes.Preimage{}, err
		}
		internal = dispatch.Internal
	default:
		return lntypes.Preimage{}, err
	}

	if internal {
		return s.awaitInternalPay(ctx, id)
	}
	return s.awaitLnPay(ctx, id)
}

func (s *Service) awaitInternalPay(ctx context.Context, id ledger.OperationID) (lntypes.Preimage, error) {
	final, err := awaitOutcome(ctx, s.session.SubscribeInternalPay(id), func(u ledger.InternalPayUpdate) bool {
		return u.State.IsTerminal()
	})
	if err != nil {
		return lntypes.Preimage{}, s.streamErr(id, err)
	}
	if final.State != ledger.InternalPayPreimage {
		return lntypes.Preimage{}, &PaymentFailedError{State: string(final.State), Reason: final.Reason}
	}
	return final.Preimage, nil
}

func (s *Service) awaitLnPay(ctx context.Context, id ledger.OperationID) (lntypes.Preimage, error) {
	final, err := awaitOutcome(ctx, s.session.SubscribeLnPay(id), func(u ledger.LnPayUpdate) bool {
		return u.State.IsTerminal()
	})
	if err != nil {
		return lntypes.Preimage{}, s.streamErr(id, err)
	}
	if final.State != ledger.LnPaySuccess {
		return lntypes.Preimage{}, &PaymentFailedError{State: string(final.State), Reason: final.Reason}
	}

	preimage, err := lntypes.MakePreimageFromStr(final.Preimage)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}
	return preimage, nil
}

// Balance returns the spendable balance in msat.
func (s *Service) Balance(ctx context.Context) (ledger.Amount, error) {
	return s.session.Balance(ctx)
}

func (s *Service) ParseInvoice(raw string) (*ledger.Invoice, error) {
	return s.session.ParseInvoice(raw)
}

func (s *Service) streamErr(id ledger.OperationID, err error) error {
	if errors.Is(err, ErrStreamEnded) {
		logging.Internal.Printf("BUG: update stream of operation %s ended without a terminal state", id)
	}
	return err
}

// awaitOutcome reads the stream until final reports a terminal update and
// always closes the stream.
func awaitOutcome[T any](ctx context.Context, stream ledger.Stream[T], final func(T) bool) (T, error) {
	defer stream.Close()
	for {
		u, err := stream.Next(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		if final(u) {
			return u, nil
		}
	}
}
