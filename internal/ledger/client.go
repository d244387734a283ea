// Package ledger is the local session with a federation: it joins or reopens
// the federation, keeps the operation log and turns federation updates into
// per-operation streams.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/sync/singleflight"

	"blitzi/internal/identity"
	"blitzi/internal/logging"
	"blitzi/internal/store"
)

const (
	variantReceive = "receive"
	variantPay     = "pay"

	dispatchTimeout = time.Minute
)

// ErrFederationMismatch is returned when the stored session belongs to a
// different federation than the one reached through its invite code.
var ErrFederationMismatch = errors.New("stored session belongs to a different federation")

// Config holds what OpenOrJoin needs.
type Config struct {
	Store store.Store
	// Invite is only used when Store holds no session yet.
	Invite  string
	Root    identity.RootSecret
	Dial    Dialer
	Network *chaincfg.Params
}

// Client is an open session with one federation. It is safe for concurrent
// use.
type Client struct {
	store   store.Store
	fed     Federation
	network *chaincfg.Params
	info    FederationInfo

	hub    *hub
	flight singleflight.Group
	// dispatchMu serializes the balance check with operation creation.
	dispatchMu sync.Mutex

	trackMu  sync.Mutex
	tracking map[OperationID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenOrJoin reopens the session stored in cfg.Store or, on an empty store,
// joins the federation behind cfg.Invite.
func OpenOrJoin(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Store == nil || cfg.Dial == nil || cfg.Network == nil {
		return nil, errors.New("ledger: store, dialer and network are required")
	}
	if cfg.Root.IsZero() {
		return nil, errors.New("ledger: root secret is required")
	}

	existing, err := cfg.Store.LoadSessionConfig(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load session config: %w", err)
	}

	inviteStr := cfg.Invite
	if existing != nil {
		inviteStr = existing.InviteCode
		if existing.Network != cfg.Network.Name {
			return nil, fmt.Errorf("stored session is on %s, configured network is %s", existing.Network, cfg.Network.Name)
		}
	}
	invite, err := ParseInviteCode(inviteStr)
	if err != nil {
		return nil, err
	}

	fed, err := cfg.Dial(ctx, invite)
	if err != nil {
		return nil, fmt.Errorf("connect to federation: %w", err)
	}

	info, err := fed.Info(ctx)
	if err != nil {
		fed.Close()
		return nil, fmt.Errorf("preview federation: %w", err)
	}

	clientID := cfg.Root.Derive("client-id")

	if existing != nil {
		if existing.FederationID != info.ID {
			fed.Close()
			return nil, fmt.Errorf("%w: stored %s, federation reports %s", ErrFederationMismatch, existing.FederationID, info.ID)
		}
		if err := fed.Join(ctx, clientID); err != nil {
			fed.Close()
			return nil, fmt.Errorf("reopen federation session: %w", err)
		}
		logging.Ledger.Printf("Opened session with federation %s (%s)", info.Name, info.ID)
	} else {
		if info.Network != "" && info.Network != cfg.Network.Name {
			fed.Close()
			return nil, fmt.Errorf("federation runs on %s, configured network is %s", info.Network, cfg.Network.Name)
		}
		if err := fed.Join(ctx, clientID); err != nil {
			fed.Close()
			return nil, fmt.Errorf("join federation: %w", err)
		}
		err := cfg.Store.SaveSessionConfig(ctx, &store.SessionConfig{
			FederationID: info.ID,
			InviteCode:   invite.String(),
			Network:      cfg.Network.Name,
			JoinedAt:     time.Now().UTC(),
		})
		if err != nil {
			fed.Close()
			return nil, fmt.Errorf("save session config: %w", err)
		}
		logging.Ledger.Printf("Joined federation %s (%s) as client %s", info.Name, info.ID, clientIDString(clientID))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		store:    cfg.Store,
		fed:      fed,
		network:  cfg.Network,
		info:     info,
		hub:      newHub(),
		tracking: make(map[OperationID]bool),
		ctx:      runCtx,
		cancel:   cancel,
	}

	if err := c.resume(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// resume tracks every operation that has not reached a terminal state yet.
func (c *Client) resume(ctx context.Context) error {
	pending, err := c.store.ListOperationsWithoutState(ctx, terminalStates())
	if err != nil {
		return fmt.Errorf("list pending operations: %w", err)
	}
	for _, rec := range pending {
		c.track(OperationID(rec.ID), rec.Variant, rec.Internal)
	}
	if len(pending) > 0 {
		logging.Ledger.Printf("Resumed tracking of %d pending operations", len(pending))
	}
	return nil
}

func (c *Client) FederationID() string {
	return c.info.ID
}

// ParseInvoice decodes a BOLT11 invoice for the session's network.
func (c *Client) ParseInvoice(raw string) (*Invoice, error) {
	return ParseInvoice(raw, c.network)
}

// Gateway picks a gateway to route through, preferring vetted ones and
// lower fees.
func (c *Client) Gateway(ctx context.Context) (Gateway, error) {
	gateways, err := c.fed.Gateways(ctx)
	if err != nil {
		return Gateway{}, fmt.Errorf("list gateways: %w", err)
	}
	if len(gateways) == 0 {
		return Gateway{}, ErrNoGatewayAvailable
	}
	sort.SliceStable(gateways, func(i, j int) bool {
		if gateways[i].Vetted != gateways[j].Vetted {
			return gateways[i].Vetted
		}
		return gateways[i].Fee(100_000) < gateways[j].Fee(100_000)
	})
	return gateways[0], nil
}

// CreateInvoice issues an invoice through gw. The receive operation is keyed
// by the invoice's payment hash.
func (c *Client) CreateInvoice(ctx context.Context, amount Amount, description string, gw Gateway) (OperationID, *Invoice, error) {
	if len(description) > MaxDescriptionLen {
		return OperationID{}, nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrDescriptionTooLong, len(description), MaxDescriptionLen)
	}

	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return OperationID{}, nil, err
	}
	hash := preimage.Hash()
	id := ReceiveOperationID(hash)

	raw, err := c.fed.CreateInvoice(ctx, InvoiceRequest{
		OperationID: id,
		PaymentHash: hash,
		Preimage:    preimage,
		Amount:      amount,
		Description: description,
		Expiry:      DefaultInvoiceExpiry,
		Gateway:     gw,
	})
	if err != nil {
		return OperationID{}, nil, fmt.Errorf("create invoice: %w", err)
	}

	inv, err := c.ParseInvoice(raw)
	if err != nil {
		return OperationID{}, nil, fmt.Errorf("federation returned unusable invoice: %w", err)
	}
	if inv.PaymentHash != hash {
		return OperationID{}, nil, ErrInvoiceMismatch
	}

	_, err = c.store.InsertOperation(ctx, &store.OperationRecord{
		ID:          id,
		ModuleKind:  ModuleLightning,
		Variant:     variantReceive,
		PaymentHash: hash,
		Invoice:     inv.String(),
		AmountMsat:  uint64(amount),
		GatewayID:   gw.ID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return OperationID{}, nil, fmt.Errorf("record receive operation: %w", err)
	}

	c.track(id, variantReceive, false)
	return id, inv, nil
}

// RequestPayment dispatches a payment of inv unless its operation already
// exists, in which case the stored dispatch is returned with Existing set.
//
// Concurrent calls for the same invoice share one dispatch. It runs detached
// from ctx, so a caller that gives up only stops waiting for it.
func (c *Client) RequestPayment(ctx context.Context, inv *Invoice, gw Gateway) (PayDispatch, error) {
	id := PayOperationID(inv.PaymentHash, 0)

	ch := c.flight.DoChan(id.String(), func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
		return c.requestPayment(dctx, id, inv, gw)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return PayDispatch{}, res.Err
		}
		return res.Val.(PayDispatch), nil
	case <-ctx.Done():
		return PayDispatch{}, ctx.Err()
	}
}

func (c *Client) requestPayment(ctx context.Context, id OperationID, inv *Invoice, gw Gateway) (PayDispatch, error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	if d, ok, err := c.existingDispatch(ctx, id); err != nil || ok {
		return d, err
	}

	if inv.Amount == 0 {
		return PayDispatch{}, ErrAmountlessInvoice
	}
	if expires := inv.ExpiresAt(); time.Now().After(expires) {
		return PayDispatch{}, fmt.Errorf("%w: at %s", ErrInvoiceExpired, expires.UTC().Format(time.RFC3339))
	}

	internal, err := c.fed.IsInternal(ctx, inv)
	if err != nil {
		return PayDispatch{}, fmt.Errorf("classify payment: %w", err)
	}

	required := inv.Amount
	if !internal {
		required += gw.Fee(inv.Amount)
	}
	balance, err := c.Balance(ctx)
	if err != nil {
		return PayDispatch{}, err
	}
	if required > balance {
		return PayDispatch{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, required, balance)
	}

	created, err := c.store.InsertOperation(ctx, &store.OperationRecord{
		ID:          id,
		ModuleKind:  ModuleLightning,
		Variant:     variantPay,
		Internal:    internal,
		PaymentHash: inv.PaymentHash,
		Invoice:     inv.String(),
		AmountMsat:  uint64(inv.Amount),
		GatewayID:   gw.ID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return PayDispatch{}, fmt.Errorf("record pay operation: %w", err)
	}
	if !created {
		// Another process sharing the store won the race.
		d, _, err := c.existingDispatch(ctx, id)
		return d, err
	}

	dispatch := PayDispatch{OperationID: id, Internal: internal}

	err = c.fed.Pay(ctx, PayRequest{OperationID: id, Invoice: inv, Internal: internal, Gateway: gw})
	switch {
	case err == nil:
	case errors.Is(err, ErrPaymentRejected):
		// The attempt is final; a retry observes this failure instead of
		// dispatching again.
		state := string(LnPayCanceled)
		if internal {
			state = string(InternalPayFundingFailed)
		}
		logging.Ledger.Printf("Payment %s was rejected: %v", id, err)
		if rerr := c.store.AppendUpdate(ctx, &store.UpdateRecord{
			OperationID: id,
			Seq:         1,
			State:       state,
			Reason:      err.Error(),
			CreatedAt:   time.Now().UTC(),
		}); rerr != nil {
			return PayDispatch{}, fmt.Errorf("record dispatch failure: %w (dispatch error: %v)", rerr, err)
		}
		c.hub.notify(id)
		return dispatch, nil
	default:
		// The federation may still have taken the payment. Its record of the
		// operation decides the outcome.
		logging.Ledger.Printf("Dispatch of payment %s returned %v, following the federation's record", id, err)
	}

	c.track(id, variantPay, internal)
	return dispatch, nil
}

func (c *Client) existingDispatch(ctx context.Context, id OperationID) (PayDispatch, bool, error) {
	op, err := c.GetOperation(ctx, id)
	if errors.Is(err, ErrOperationNotFound) {
		return PayDispatch{}, false, nil
	}
	if err != nil {
		return PayDispatch{}, false, err
	}
	meta, ok := op.Meta.(PayMeta)
	if !ok {
		return PayDispatch{}, false, fmt.Errorf("%w: operation %s", ErrInconsistentOperationKind, id)
	}
	return PayDispatch{OperationID: id, Internal: meta.IsInternalPayment, Existing: true}, true, nil
}

// GetOperation returns ErrOperationNotFound if id is not in the log.
func (c *Client) GetOperation(ctx context.Context, id OperationID) (*Operation, error) {
	rec, err := c.store.GetOperation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}

	op := &Operation{
		ID:          OperationID(rec.ID),
		ModuleKind:  rec.ModuleKind,
		PaymentHash: lntypes.Hash(rec.PaymentHash),
		CreatedAt:   rec.CreatedAt,
	}
	switch rec.Variant {
	case variantReceive:
		op.Meta = ReceiveMeta{Invoice: rec.Invoice, Amount: Amount(rec.AmountMsat)}
	case variantPay:
		op.Meta = PayMeta{
			IsInternalPayment: rec.Internal,
			Invoice:           rec.Invoice,
			Amount:            Amount(rec.AmountMsat),
			GatewayID:         rec.GatewayID,
		}
	default:
		return nil, fmt.Errorf("operation %s has unknown variant %q", op.ID, rec.Variant)
	}
	return op, nil
}

func (c *Client) SubscribeReceive(id OperationID) Stream[ReceiveUpdate] {
	return subscribe(c, id, func(rec *store.UpdateRecord) ReceiveUpdate {
		return ReceiveUpdate{State: ReceiveState(rec.State), Reason: rec.Reason}
	}, func(u ReceiveUpdate) bool { return u.State.IsTerminal() })
}

func (c *Client) SubscribeInternalPay(id OperationID) Stream[InternalPayUpdate] {
	return subscribe(c, id, func(rec *store.UpdateRecord) InternalPayUpdate {
		u := InternalPayUpdate{State: InternalPayState(rec.State), Reason: rec.Reason}
		if u.State == InternalPayPreimage {
			p, err := lntypes.MakePreimageFromStr(rec.Preimage)
			if err != nil {
				return InternalPayUpdate{
					State:  InternalPayUnexpectedError,
					Reason: fmt.Sprintf("malformed preimage: %v", err),
				}
			}
			u.Preimage = p
		}
		return u
	}, func(u InternalPayUpdate) bool { return u.State.IsTerminal() })
}

func (c *Client) SubscribeLnPay(id OperationID) Stream[LnPayUpdate] {
	return subscribe(c, id, func(rec *store.UpdateRecord) LnPayUpdate {
		return LnPayUpdate{
			State:    LnPayState(rec.State),
			Preimage: rec.Preimage,
			Fee:      Amount(rec.FeeMsat),
			Reason:   rec.Reason,
		}
	}, func(u LnPayUpdate) bool { return u.State.IsTerminal() })
}

// Balance is what was received minus what was spent, in msat.
func (c *Client) Balance(ctx context.Context) (Amount, error) {
	sums, err := c.store.Balance(ctx, string(ReceiveClaimed), unspentPayStates)
	if err != nil {
		return 0, fmt.Errorf("compute balance: %w", err)
	}
	out := sums.SpentMsat + sums.FeesMsat
	if out > sums.ReceivedMsat {
		logging.Ledger.Printf("WARNING: spent %d msat exceeds received %d msat", out, sums.ReceivedMsat)
		return 0, nil
	}
	return Amount(sums.ReceivedMsat - out), nil
}

// track persists the federation's updates for id until a terminal state.
func (c *Client) track(id OperationID, variant string, internal bool) {
	c.trackMu.Lock()
	if c.tracking[id] || c.ctx.Err() != nil {
		c.trackMu.Unlock()
		return
	}
	c.tracking[id] = true
	c.wg.Add(1)
	c.trackMu.Unlock()
	c.hub.reset(id)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.trackMu.Lock()
			delete(c.tracking, id)
			c.trackMu.Unlock()
		}()

		updates, errs := c.fed.Track(c.ctx, id)
		for updates != nil || errs != nil {
			select {
			case u, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				if err := c.persist(id, u); err != nil {
					if c.ctx.Err() != nil {
						return
					}
					logging.Ledger.Printf("Failed to persist update %d of operation %s: %v", u.Seq, id, err)
					c.hub.end(id, err)
					return
				}
				c.hub.notify(id)
				if isTerminal(variant, internal, u.State) {
					return
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil && c.ctx.Err() == nil {
					if variant == variantReceive && errors.Is(err, ErrUnknownToFederation) {
						if rerr := c.cancelReceive(id, "invoice unknown to federation"); rerr == nil {
							return
						}
					}
					logging.Ledger.Printf("Tracking operation %s failed: %v", id, err)
					c.hub.end(id, fmt.Errorf("track operation %s: %w", id, err))
					return
				}
			case <-c.ctx.Done():
				return
			}
		}
		if c.ctx.Err() == nil {
			logging.Ledger.Printf("Federation closed update stream of operation %s before a terminal state", id)
			c.hub.end(id, nil)
		}
	}()
}

// cancelReceive records a canceled state for a receive the federation no
// longer knows about. Nobody can pay such an invoice.
func (c *Client) cancelReceive(id OperationID, reason string) error {
	records, err := c.store.ListUpdates(c.ctx, id)
	if err != nil {
		return err
	}
	var seq int64
	for _, rec := range records {
		seq = max(seq, rec.Seq)
	}
	err = c.store.AppendUpdate(c.ctx, &store.UpdateRecord{
		OperationID: id,
		Seq:         seq + 1,
		State:       string(ReceiveCanceled),
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		logging.Ledger.Printf("Failed to cancel receive %s: %v", id, err)
		return err
	}
	logging.Ledger.Printf("Canceled receive %s: %s", id, reason)
	c.hub.notify(id)
	return nil
}

func (c *Client) persist(id OperationID, u Update) error {
	return c.store.AppendUpdate(c.ctx, &store.UpdateRecord{
		OperationID: id,
		Seq:         u.Seq,
		State:       u.State,
		Reason:      u.Reason,
		Preimage:    u.Preimage,
		FeeMsat:     uint64(u.Fee),
		CreatedAt:   time.Now().UTC(),
	})
}

// Close stops tracking, ends all subscriptions and closes the federation
// connection. The store is left open.
func (c *Client) Close() error {
	c.trackMu.Lock()
	c.cancel()
	c.trackMu.Unlock()
	c.wg.Wait()
	return c.fed.Close()
}

// clientIDString is how the client id is shown in logs.
func clientIDString(id [32]byte) string {
	sum := sha256.Sum256(id[:])
	return fmt.Sprintf("%x", sum[:4])
}
