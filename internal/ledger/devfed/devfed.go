// Package devfed is an in-process federation for development and tests.
//
// It issues real signed BOLT11 invoices with a key derived from the invite
// code, settles payments between its own invoices internally and hands
// everything else to an optional RouteFunc. State lives in memory only.
package devfed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"blitzi/internal/ledger"
	"blitzi/internal/logging"
)

var (
	ErrNotJoined          = errors.New("client has not joined the federation")
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrDuplicateOperation = errors.New("operation already exists")
	ErrUnknownInvoice     = errors.New("invoice was not issued by this federation")
	ErrInvoiceClosed      = errors.New("invoice is no longer payable")
	ErrUnknownGateway     = errors.New("unknown gateway")
	ErrClosed             = errors.New("federation closed")
)

// RouteFunc pays an invoice on the wider Lightning network and returns its
// preimage.
type RouteFunc func(ctx context.Context, inv *ledger.Invoice) (lntypes.Preimage, error)

type Config struct {
	Invite  ledger.InviteCode
	Network *chaincfg.Params
	Name    string

	// SettleAfter makes every issued invoice get paid by a simulated
	// external payer after the delay. Zero disables it.
	SettleAfter time.Duration

	GatewayFeeBase ledger.Amount
	GatewayFeePPM  uint64
	// NoGateway hides the gateway, as if none had registered.
	NoGateway bool

	Router RouteFunc
}

// Dialer returns a ledger.Dialer that creates a Federation per invite code
// with the remaining settings taken from base.
func Dialer(base Config) ledger.Dialer {
	return func(ctx context.Context, invite ledger.InviteCode) (ledger.Federation, error) {
		cfg := base
		cfg.Invite = invite
		return New(cfg)
	}
}

type opLog struct {
	updates  []ledger.Update
	terminal func(state string) bool
	done     bool
	changed  chan struct{}
}

type issuedInvoice struct {
	opID     ledger.OperationID
	preimage lntypes.Preimage
	amount   ledger.Amount
	closed   bool
	timers   []*time.Timer
}

// Federation implements ledger.Federation in memory.
type Federation struct {
	cfg    Config
	key    *btcec.PrivateKey
	id     string
	payee  string
	gwID   string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	joined   map[[32]byte]bool
	ops      map[ledger.OperationID]*opLog
	invoices map[lntypes.Hash]*issuedInvoice
	closed   bool
}

func New(cfg Config) (*Federation, error) {
	if cfg.Network == nil {
		return nil, errors.New("devfed: network is required")
	}
	if len(cfg.Invite.Payload) == 0 {
		return nil, errors.New("devfed: invite code is required")
	}
	if cfg.Name == "" {
		cfg.Name = "Development Federation"
	}

	seed := sha256.Sum256(append([]byte("devfed-key"), cfg.Invite.Payload...))
	key, _ := btcec.PrivKeyFromBytes(seed[:])
	fedID := sha256.Sum256(append([]byte("devfed-id"), cfg.Invite.Payload...))
	payee := hex.EncodeToString(key.PubKey().SerializeCompressed())

	ctx, cancel := context.WithCancel(context.Background())
	return &Federation{
		cfg:      cfg,
		key:      key,
		id:       hex.EncodeToString(fedID[:]),
		payee:    payee,
		gwID:     "devfed-gw-" + payee[:16],
		ctx:      ctx,
		cancel:   cancel,
		joined:   make(map[[32]byte]bool),
		ops:      make(map[ledger.OperationID]*opLog),
		invoices: make(map[lntypes.Hash]*issuedInvoice),
	}, nil
}

func (f *Federation) Info(ctx context.Context) (ledger.FederationInfo, error) {
	return ledger.FederationInfo{ID: f.id, Name: f.cfg.Name, Network: f.cfg.Network.Name}, nil
}

func (f *Federation) Join(ctx context.Context, clientID [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.joined[clientID] = true
	return nil
}

func (f *Federation) Gateways(ctx context.Context) ([]ledger.Gateway, error) {
	if err := f.checkJoined(); err != nil {
		return nil, err
	}
	if f.cfg.NoGateway {
		return nil, nil
	}
	return []ledger.Gateway{f.gateway()}, nil
}

func (f *Federation) gateway() ledger.Gateway {
	return ledger.Gateway{
		ID:          f.gwID,
		NodePubKey:  f.payee,
		FeeBaseMsat: f.cfg.GatewayFeeBase,
		FeePPM:      f.cfg.GatewayFeePPM,
		Vetted:      true,
	}
}

func (f *Federation) checkJoined() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if len(f.joined) == 0 {
		return ErrNotJoined
	}
	return nil
}

// CreateInvoice signs a BOLT11 invoice for req and starts its receive
// operation.
func (f *Federation) CreateInvoice(ctx context.Context, req ledger.InvoiceRequest) (string, error) {
	if err := f.checkJoined(); err != nil {
		return "", err
	}
	if req.Gateway.ID != f.gwID {
		return "", fmt.Errorf("%w: %q", ErrUnknownGateway, req.Gateway.ID)
	}
	if req.Preimage.Hash() != req.PaymentHash {
		return "", errors.New("preimage does not match payment hash")
	}

	var paymentAddr [32]byte
	if _, err := rand.Read(paymentAddr[:]); err != nil {
		return "", err
	}
	features := lnwire.NewFeatureVector(
		lnwire.NewRawFeatureVector(lnwire.TLVOnionPayloadRequired, lnwire.PaymentAddrRequired),
		lnwire.Features,
	)
	opts := []func(*zpay32.Invoice){
		zpay32.Description(req.Description),
		zpay32.Expiry(req.Expiry),
		zpay32.PaymentAddr(paymentAddr),
		zpay32.Features(features),
	}
	if req.Amount > 0 {
		opts = append(opts, zpay32.Amount(lnwire.MilliSatoshi(req.Amount)))
	}

	invoice, err := zpay32.NewInvoice(f.cfg.Network, req.PaymentHash, time.Now(), opts...)
	if err != nil {
		return "", fmt.Errorf("build invoice: %w", err)
	}
	raw, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(f.key, chainhash.HashB(msg), true)
		},
	})
	if err != nil {
		return "", fmt.Errorf("sign invoice: %w", err)
	}

	f.mu.Lock()
	if _, ok := f.ops[req.OperationID]; ok {
		f.mu.Unlock()
		return "", ErrDuplicateOperation
	}
	iss := &issuedInvoice{opID: req.OperationID, preimage: req.Preimage, amount: req.Amount}
	f.invoices[req.PaymentHash] = iss
	f.ops[req.OperationID] = newOpLog(func(s string) bool { return ledger.ReceiveState(s).IsTerminal() })
	f.appendLocked(req.OperationID, string(ledger.ReceiveCreated), "", "", 0)
	f.appendLocked(req.OperationID, string(ledger.ReceiveWaitingForPayment), "", "", 0)

	hash := req.PaymentHash
	iss.timers = append(iss.timers, time.AfterFunc(req.Expiry, func() {
		if err := f.Cancel(hash, "timeout"); err == nil {
			logging.DevFed.Printf("Invoice %s expired", hash.String()[:8])
		}
	}))
	if f.cfg.SettleAfter > 0 {
		iss.timers = append(iss.timers, time.AfterFunc(f.cfg.SettleAfter, func() {
			logging.DevFed.Printf("Auto-settling invoice %s", hash.String()[:8])
			if err := f.Settle(hash); err != nil {
				logging.DevFed.Printf("Auto-settle of %s failed: %v", hash.String()[:8], err)
			}
		}))
	}
	f.mu.Unlock()

	return raw, nil
}

// Settle simulates an external payer paying the invoice with hash.
func (f *Federation) Settle(hash lntypes.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.settleLocked(hash, 0)
	return err
}

// Cancel cancels an unpaid invoice.
func (f *Federation) Cancel(hash lntypes.Hash, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	iss, ok := f.invoices[hash]
	if !ok {
		return ErrUnknownInvoice
	}
	if iss.closed {
		return ErrInvoiceClosed
	}
	iss.close()
	f.appendLocked(iss.opID, string(ledger.ReceiveCanceled), reason, "", 0)
	return nil
}

// settleLocked pays an issued invoice. paid is the amount offered, zero
// meaning the invoice amount.
func (f *Federation) settleLocked(hash lntypes.Hash, paid ledger.Amount) (lntypes.Preimage, error) {
	if f.closed {
		return lntypes.Preimage{}, ErrClosed
	}
	iss, ok := f.invoices[hash]
	if !ok {
		return lntypes.Preimage{}, ErrUnknownInvoice
	}
	if iss.closed {
		return lntypes.Preimage{}, ErrInvoiceClosed
	}
	if paid != 0 && paid < iss.amount {
		return lntypes.Preimage{}, fmt.Errorf("underpaid: %s < %s", paid, iss.amount)
	}
	iss.close()
	f.appendLocked(iss.opID, string(ledger.ReceiveFunded), "", "", 0)
	f.appendLocked(iss.opID, string(ledger.ReceiveAwaitingFunds), "", "", 0)
	f.appendLocked(iss.opID, string(ledger.ReceiveClaimed), "", "", 0)
	return iss.preimage, nil
}

func (iss *issuedInvoice) close() {
	iss.closed = true
	for _, t := range iss.timers {
		t.Stop()
	}
}

func (f *Federation) IsInternal(ctx context.Context, inv *ledger.Invoice) (bool, error) {
	if inv.Payee != f.payee {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.invoices[inv.PaymentHash]
	return ok, nil
}

// Pay starts a payment. The first update is recorded before Pay returns and
// the rest follow asynchronously. Requests that are refused outright wrap
// ledger.ErrPaymentRejected.
func (f *Federation) Pay(ctx context.Context, req ledger.PayRequest) error {
	if err := f.checkJoined(); err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrPaymentRejected, err)
	}
	if req.Invoice == nil {
		return fmt.Errorf("%w: pay request without invoice", ledger.ErrPaymentRejected)
	}
	if !req.Internal && req.Gateway.ID != f.gwID {
		return fmt.Errorf("%w: %w: %q", ledger.ErrPaymentRejected, ErrUnknownGateway, req.Gateway.ID)
	}

	f.mu.Lock()
	if _, ok := f.ops[req.OperationID]; ok {
		f.mu.Unlock()
		return ErrDuplicateOperation
	}
	if req.Internal {
		f.ops[req.OperationID] = newOpLog(func(s string) bool { return ledger.InternalPayState(s).IsTerminal() })
		f.appendLocked(req.OperationID, string(ledger.InternalPayFunding), "", "", 0)
	} else {
		f.ops[req.OperationID] = newOpLog(func(s string) bool { return ledger.LnPayState(s).IsTerminal() })
		f.appendLocked(req.OperationID, string(ledger.LnPayCreated), "", "", 0)
	}
	f.wg.Add(1)
	f.mu.Unlock()

	if req.Internal {
		go f.payInternal(req)
	} else {
		go f.payRouted(req)
	}
	return nil
}

func (f *Federation) payInternal(req ledger.PayRequest) {
	defer f.wg.Done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	preimage, err := f.settleLocked(req.Invoice.PaymentHash, req.Invoice.Amount)
	if err != nil {
		logging.DevFed.Printf("Internal payment %s failed: %v", req.OperationID.String()[:8], err)
		f.appendLocked(req.OperationID, string(ledger.InternalPayFundingFailed), err.Error(), "", 0)
		return
	}
	f.appendLocked(req.OperationID, string(ledger.InternalPayPreimage), "", preimage.String(), 0)
}

func (f *Federation) payRouted(req ledger.PayRequest) {
	defer f.wg.Done()

	f.append(req.OperationID, string(ledger.LnPayFunded), "", "", 0)

	if f.cfg.Router == nil {
		f.append(req.OperationID, string(ledger.LnPayWaitingForRefund), "no route", "", 0)
		f.append(req.OperationID, string(ledger.LnPayRefunded), "no route", "", 0)
		return
	}

	preimage, err := f.cfg.Router(f.ctx, req.Invoice)
	if err != nil {
		if f.ctx.Err() != nil {
			return
		}
		logging.DevFed.Printf("Routed payment %s failed: %v", req.OperationID.String()[:8], err)
		f.append(req.OperationID, string(ledger.LnPayWaitingForRefund), err.Error(), "", 0)
		f.append(req.OperationID, string(ledger.LnPayRefunded), err.Error(), "", 0)
		return
	}
	fee := req.Gateway.Fee(req.Invoice.Amount)
	f.append(req.OperationID, string(ledger.LnPaySuccess), "", preimage.String(), fee)
}

func newOpLog(terminal func(string) bool) *opLog {
	return &opLog{terminal: terminal, changed: make(chan struct{})}
}

func (f *Federation) append(id ledger.OperationID, state, reason, preimage string, fee ledger.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.appendLocked(id, state, reason, preimage, fee)
}

func (f *Federation) appendLocked(id ledger.OperationID, state, reason, preimage string, fee ledger.Amount) {
	log := f.ops[id]
	if log == nil || log.done {
		return
	}
	log.updates = append(log.updates, ledger.Update{
		OperationID: id,
		Seq:         int64(len(log.updates) + 1),
		State:       state,
		Reason:      reason,
		Preimage:    preimage,
		Fee:         fee,
	})
	log.done = log.terminal(state)
	close(log.changed)
	log.changed = make(chan struct{})
}

// Track replays the updates of id and follows new ones until a terminal
// state, ctx is done or the federation is closed.
func (f *Federation) Track(ctx context.Context, id ledger.OperationID) (<-chan ledger.Update, <-chan error) {
	updates := make(chan ledger.Update)
	errs := make(chan error, 1)

	go func() {
		defer close(updates)
		defer close(errs)

		next := 0
		for {
			f.mu.Lock()
			log := f.ops[id]
			if log == nil {
				f.mu.Unlock()
				errs <- fmt.Errorf("%w: %w: %s", ErrUnknownOperation, ledger.ErrUnknownToFederation, id)
				return
			}
			pending := append([]ledger.Update(nil), log.updates[next:]...)
			done := log.done
			changed := log.changed
			f.mu.Unlock()

			for _, u := range pending {
				select {
				case updates <- u:
					next++
				case <-ctx.Done():
					return
				case <-f.ctx.Done():
					return
				}
			}
			if done {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			case <-f.ctx.Done():
				return
			}
		}
	}()

	return updates, errs
}

func (f *Federation) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, iss := range f.invoices {
		for _, t := range iss.timers {
			t.Stop()
		}
	}
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	return nil
}
