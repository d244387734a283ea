package ledger

import "github.com/lightningnetwork/lnd/lntypes"

// ReceiveState is the state of an incoming payment.
type ReceiveState string

const (
	ReceiveCreated           ReceiveState = "created"
	ReceiveWaitingForPayment ReceiveState = "waiting_for_payment"
	ReceiveFunded            ReceiveState = "funded"
	ReceiveAwaitingFunds     ReceiveState = "awaiting_funds"
	ReceiveClaimed           ReceiveState = "claimed"
	ReceiveCanceled          ReceiveState = "canceled"
)

func (s ReceiveState) IsTerminal() bool {
	return s == ReceiveClaimed || s == ReceiveCanceled
}

// InternalPayState is the state of a payment settled inside the federation.
type InternalPayState string

const (
	InternalPayFunding         InternalPayState = "funding"
	InternalPayPreimage        InternalPayState = "preimage"
	InternalPayRefundSuccess   InternalPayState = "refund_success"
	InternalPayRefundError     InternalPayState = "refund_error"
	InternalPayFundingFailed   InternalPayState = "funding_failed"
	InternalPayUnexpectedError InternalPayState = "unexpected_error"
)

func (s InternalPayState) IsTerminal() bool {
	return s != InternalPayFunding
}

// LnPayState is the state of a payment routed through a gateway.
type LnPayState string

const (
	LnPayCreated          LnPayState = "created"
	LnPayCanceled         LnPayState = "canceled"
	LnPayFunded           LnPayState = "funded"
	LnPayWaitingForRefund LnPayState = "waiting_for_refund"
	LnPayAwaitingChange   LnPayState = "awaiting_change"
	LnPaySuccess          LnPayState = "success"
	LnPayRefunded         LnPayState = "refunded"
	LnPayUnexpectedError  LnPayState = "unexpected_error"
)

func (s LnPayState) IsTerminal() bool {
	switch s {
	case LnPaySuccess, LnPayCanceled, LnPayRefunded, LnPayUnexpectedError:
		return true
	}
	return false
}

// Pay states after which the sender keeps its funds.
var unspentPayStates = []string{
	string(InternalPayRefundSuccess),
	string(InternalPayFundingFailed),
	string(LnPayCanceled),
	string(LnPayRefunded),
}

// UnspentPayStates returns the pay states after which the sender keeps its
// funds.
func UnspentPayStates() []string {
	return append([]string(nil), unspentPayStates...)
}

type ReceiveUpdate struct {
	State  ReceiveState
	Reason string
}

type InternalPayUpdate struct {
	State    InternalPayState
	Preimage lntypes.Preimage
	Reason   string
}

type LnPayUpdate struct {
	State LnPayState
	// Preimage is the hex encoding reported by the gateway on success.
	Preimage string
	Fee      Amount
	Reason   string
}

func isTerminal(variant string, internal bool, state string) bool {
	switch {
	case variant == variantReceive:
		return ReceiveState(state).IsTerminal()
	case internal:
		return InternalPayState(state).IsTerminal()
	default:
		return LnPayState(state).IsTerminal()
	}
}

func terminalStates() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(string(ReceiveClaimed))
	add(string(ReceiveCanceled))
	for _, s := range []InternalPayState{InternalPayPreimage, InternalPayRefundSuccess, InternalPayRefundError, InternalPayFundingFailed, InternalPayUnexpectedError} {
		add(string(s))
	}
	for _, s := range []LnPayState{LnPaySuccess, LnPayCanceled, LnPayRefunded, LnPayUnexpectedError} {
		add(string(s))
	}
	return out
}
