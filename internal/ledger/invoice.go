package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

// MaxDescriptionLen is the longest description a BOLT11 d field can carry.
const MaxDescriptionLen = 639

// DefaultInvoiceExpiry is used for every invoice this client issues.
const DefaultInvoiceExpiry = 24 * time.Hour

var (
	ErrInvalidInvoice    = errors.New("invalid invoice")
	ErrInvalidInviteCode = errors.New("invalid invite code")
)

// Invoice is a decoded BOLT11 payment request.
type Invoice struct {
	raw         string
	PaymentHash lntypes.Hash
	Amount      Amount // zero if the invoice does not specify one
	Description string
	Expiry      time.Duration
	Timestamp   time.Time
	// Payee is the hex-encoded compressed public key of the signer.
	Payee string
}

func (inv *Invoice) String() string {
	return inv.raw
}

func (inv *Invoice) ExpiresAt() time.Time {
	return inv.Timestamp.Add(inv.Expiry)
}

// ParseInvoice decodes a BOLT11 invoice for the given network.
func ParseInvoice(raw string, net *chaincfg.Params) (*Invoice, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.ToLower(raw), "lightning:")

	decoded, err := zpay32.Decode(raw, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}
	if decoded.PaymentHash == nil {
		return nil, fmt.Errorf("%w: missing payment hash", ErrInvalidInvoice)
	}

	inv := &Invoice{
		raw:         raw,
		PaymentHash: lntypes.Hash(*decoded.PaymentHash),
		Expiry:      decoded.Expiry(),
		Timestamp:   decoded.Timestamp,
	}
	if decoded.MilliSat != nil {
		inv.Amount = Amount(*decoded.MilliSat)
	}
	if decoded.Description != nil {
		inv.Description = *decoded.Description
	}
	if decoded.Destination != nil {
		inv.Payee = hex.EncodeToString(decoded.Destination.SerializeCompressed())
	}
	return inv, nil
}

// InviteHRP is the human readable part of a federation invite code.
const InviteHRP = "fed1"

// InviteCode is a parsed federation invite. The payload is opaque to this
// package and handed to the federation backend.
type InviteCode struct {
	raw     string
	Payload []byte
}

func (c InviteCode) String() string {
	return c.raw
}

// ParseInviteCode checks the bech32m envelope of an invite code.
func ParseInviteCode(s string) (InviteCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return InviteCode{}, fmt.Errorf("%w: %v", ErrInvalidInviteCode, err)
	}
	if hrp != InviteHRP {
		return InviteCode{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidInviteCode, hrp)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return InviteCode{}, fmt.Errorf("%w: %v", ErrInvalidInviteCode, err)
	}
	if len(payload) == 0 {
		return InviteCode{}, fmt.Errorf("%w: empty payload", ErrInvalidInviteCode)
	}
	return InviteCode{raw: s, Payload: payload}, nil
}

// EncodeInviteCode builds an invite code around payload.
func EncodeInviteCode(payload []byte) (InviteCode, error) {
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return InviteCode{}, err
	}
	s, err := bech32.EncodeM(InviteHRP, data)
	if err != nil {
		return InviteCode{}, err
	}
	return InviteCode{raw: s, Payload: payload}, nil
}
