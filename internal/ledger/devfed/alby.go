package devfed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"

	"blitzi/internal/ledger"
	"blitzi/internal/logging"
)

const albyAPIBase = "https://api.getalby.com"

// AlbyRouter pays invoices for the development gateway from an Alby
// custodial wallet.
type AlbyRouter struct {
	accessToken string
	baseURL     string
	httpClient  *http.Client
}

// AlbyConfig holds configuration for the Alby router.
type AlbyConfig struct {
	AccessToken string
	// BaseURL defaults to the public Alby API.
	BaseURL string
}

type albyPayRequest struct {
	Invoice string `json:"invoice"`
}

type albyPayResponse struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
	Amount          int64  `json:"amount"`
	Fee             int64  `json:"fee"`
}

type albyErrorResponse struct {
	Message string `json:"message"`
}

// NewAlbyRouter creates a router and checks that the token is accepted.
func NewAlbyRouter(cfg AlbyConfig) (*AlbyRouter, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = albyAPIBase
	}

	r := &AlbyRouter{
		accessToken: cfg.AccessToken,
		baseURL:     cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}

	logging.Alby.Println("testing connection...")
	if err := r.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Alby: %w", err)
	}
	logging.Alby.Println("connected successfully!")

	return r, nil
}

func (r *AlbyRouter) testConnection() error {
	req, err := http.NewRequest("GET", r.baseURL+"/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.accessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// Route implements RouteFunc.
func (r *AlbyRouter) Route(ctx context.Context, inv *ledger.Invoice) (lntypes.Preimage, error) {
	logging.Alby.Printf("paying invoice %s for %s...", inv.PaymentHash.String()[:16], inv.Amount)

	jsonBody, err := json.Marshal(albyPayRequest{Invoice: inv.String()})
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/payments/bolt11", bytes.NewReader(jsonBody))
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		var apiErr albyErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return lntypes.Preimage{}, fmt.Errorf("payment rejected: %s", apiErr.Message)
		}
		return lntypes.Preimage{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var payResp albyPayResponse
	if err := json.NewDecoder(resp.Body).Decode(&payResp); err != nil {
		return lntypes.Preimage{}, fmt.Errorf("failed to decode response: %w", err)
	}

	preimage, err := lntypes.MakePreimageFromStr(payResp.PaymentPreimage)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("invalid preimage from Alby: %w", err)
	}
	if preimage.Hash() != inv.PaymentHash {
		return lntypes.Preimage{}, fmt.Errorf("preimage does not match payment hash %s", inv.PaymentHash)
	}

	logging.Alby.Printf("paid invoice %s (fee %d sats)", inv.PaymentHash.String()[:16], payResp.Fee)
	return preimage, nil
}
