package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lightningnetwork/lnd/lntypes"

	"blitzi/internal/ledger"
	"blitzi/internal/logging"
	"blitzi/internal/payments"
)

// PaymentService is the part of the payment service exposed over HTTP.
type PaymentService interface {
	CreateInvoice(ctx context.Context, amount ledger.Amount, description string) (*ledger.Invoice, error)
	AwaitIncoming(ctx context.Context, hash lntypes.Hash) error
	Pay(ctx context.Context, inv *ledger.Invoice) (lntypes.Preimage, error)
	Balance(ctx context.Context) (ledger.Amount, error)
	ParseInvoice(raw string) (*ledger.Invoice, error)
}

// Handler handles HTTP requests.
type Handler struct {
	payments PaymentService
	token    string
	waits    *WaitLimiter
	mux      *http.ServeMux
}

// NewHandler creates a new HTTP handler. Every route except /health requires
// the bearer token. If waits is nil, blocking status waits are not limited.
func NewHandler(payments PaymentService, token string, waits *WaitLimiter) *Handler {
	h := &Handler{
		payments: payments,
		token:    token,
		waits:    waits,
		mux:      http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	auth := BearerAuth(h.token)

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.Handle("POST /invoice", auth(http.HandlerFunc(h.handleCreateInvoice)))
	h.mux.Handle("GET /invoice/{payment_hash}", auth(http.HandlerFunc(h.handleCheckInvoice)))
	h.mux.Handle("POST /pay", auth(http.HandlerFunc(h.handlePay)))
	h.mux.Handle("GET /balance", auth(http.HandlerFunc(h.handleBalance)))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CreateInvoiceRequest is the request body for POST /invoice.
type CreateInvoiceRequest struct {
	AmountMsats uint64 `json:"amount_msats"`
	Description string `json:"description"`
}

// CreateInvoiceResponse is returned by POST /invoice.
type CreateInvoiceResponse struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// CheckInvoiceResponse is returned by GET /invoice/{payment_hash}.
type CheckInvoiceResponse struct {
	Paid bool `json:"paid"`
}

// PayRequest is the request body for POST /pay.
type PayRequest struct {
	Invoice string `json:"invoice"`
}

// PayResponse is returned by POST /pay.
type PayResponse struct {
	Preimage string `json:"preimage"`
}

// BalanceResponse is returned by GET /balance.
type BalanceResponse struct {
	BalanceMsats uint64 `json:"balance_msats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Description) > ledger.MaxDescriptionLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("description longer than %d bytes", ledger.MaxDescriptionLen))
		return
	}

	inv, err := h.payments.CreateInvoice(r.Context(), ledger.Amount(req.AmountMsats), req.Description)
	if errors.Is(err, ledger.ErrDescriptionTooLong) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Internal.Printf("failed to create invoice: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logging.Internal.Printf("invoice created: hash=%s, amount=%s", inv.PaymentHash, inv.Amount)
	writeJSON(w, http.StatusOK, CreateInvoiceResponse{
		Invoice:     inv.String(),
		PaymentHash: inv.PaymentHash.String(),
	})
}

func (h *Handler) handleCheckInvoice(w http.ResponseWriter, r *http.Request) {
	hash, err := parsePaymentHash(r.PathValue("payment_hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := extractIP(r)
	if h.waits != nil {
		if !h.waits.Acquire(ip) {
			msg := fmt.Sprintf("too many pending status requests: %d open (max %d)", h.waits.ActiveCount(ip), h.waits.MaxWaits())
			writeError(w, http.StatusTooManyRequests, msg)
			return
		}
		defer h.waits.Release(ip)
	}

	err = h.payments.AwaitIncoming(r.Context(), hash)

	var canceled *payments.PaymentCanceledError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, CheckInvoiceResponse{Paid: true})
	case errors.As(err, &canceled):
		writeJSON(w, http.StatusOK, CheckInvoiceResponse{Paid: false})
	case errors.Is(err, payments.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case r.Context().Err() != nil:
		// Client went away.
		logging.HTTP.Printf("status wait for %s abandoned by %s", hash, ip)
	default:
		logging.Internal.Printf("failed to await invoice %s: %v", hash, err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handlePay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inv, err := h.payments.ParseInvoice(req.Invoice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if inv.Amount == 0 {
		writeError(w, http.StatusBadRequest, ledger.ErrAmountlessInvoice.Error())
		return
	}

	preimage, err := h.payments.Pay(r.Context(), inv)
	if errors.Is(err, ledger.ErrInvoiceExpired) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.Internal.Printf("payment of %s failed: %v", inv.PaymentHash, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logging.Internal.Printf("paid invoice %s (%s)", inv.PaymentHash, inv.Amount)
	writeJSON(w, http.StatusOK, PayResponse{Preimage: preimage.String()})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.payments.Balance(r.Context())
	if err != nil {
		logging.Internal.Printf("failed to get balance: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{BalanceMsats: uint64(balance)})
}

func parsePaymentHash(s string) (lntypes.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return lntypes.Hash{}, fmt.Errorf("invalid payment hash: %v", err)
	}
	if len(b) != lntypes.HashSize {
		return lntypes.Hash{}, fmt.Errorf("invalid payment hash: expected %d bytes, got %d", lntypes.HashSize, len(b))
	}
	var hash lntypes.Hash
	copy(hash[:], b)
	return hash, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Internal.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
