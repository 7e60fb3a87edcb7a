package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Config holds the configuration for connecting to a trustgate server.
type Config struct {
	APIURL     string   // Base URL, e.g. "http://localhost:8080"
	Payer      string   // Paying account, e.g. "0.0.1234" or "0x..."; empty disables payment
	Network    string   // Preferred settlement network; empty accepts the first offer
	MaxPayment *big.Int // Upper bound per call in smallest units; nil is unlimited
}

// TrustGateClient is an x402-aware HTTP client for the trustgate API.
type TrustGateClient struct {
	cfg  Config
	x402 *x402.Client
	now  func() time.Time
}

// NewTrustGateClient creates a new client. Paid calls are answered
// automatically when cfg.Payer is set.
func NewTrustGateClient(cfg Config) *TrustGateClient {
	c := &TrustGateClient{cfg: cfg, now: time.Now}

	var pay x402.PayFunc
	if cfg.Payer != "" {
		pay = c.pay
	}
	c.x402 = x402.NewClient(pay).WithHTTPClient(&http.Client{Timeout: 90 * time.Second})
	c.x402.Network = cfg.Network
	c.x402.MaxPayment = cfg.MaxPayment
	return c
}

func (c *TrustGateClient) pay(_ context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	return x402.NewExactPayload(req, c.cfg.Payer, idgen.New(), c.now()), nil
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// ScoreResult is one answered trust score call.
type ScoreResult struct {
	Body       json.RawMessage
	Settlement *x402.SettlementResponse // nil when the server sent no X-PAYMENT-RESPONSE
}

// PaymentRequiredError is returned when the server still wants payment,
// either because no payer is configured or because the proof was rejected.
type PaymentRequiredError struct {
	Challenge *x402.PaymentRequiredResponse
}

func (e *PaymentRequiredError) Error() string {
	if e.Challenge.Reason != "" {
		return fmt.Sprintf("payment rejected: %s", e.Challenge.Reason)
	}
	return "payment required"
}

// GetTrustScore fetches a paid trust score for accountID.
func (c *TrustGateClient) GetTrustScore(ctx context.Context, accountID string) (*ScoreResult, error) {
	resp, err := c.x402.Get(ctx, c.cfg.APIURL+"/v1/trust-score/"+url.PathEscape(accountID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if x402.Is402Response(resp) {
		challenge, err := x402.ParsePaymentRequired(resp)
		if err != nil {
			return nil, fmt.Errorf("parse payment challenge: %w", err)
		}
		return nil, &PaymentRequiredError{Challenge: challenge}
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	result := &ScoreResult{Body: body}
	if h := resp.Header.Get(x402.HeaderPaymentResponse); h != "" {
		settlement, err := x402.DecodeSettlement(h)
		if err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
		result.Settlement = settlement
	}
	return result, nil
}

// Quote asks for the price of a trust score without paying.
func (c *TrustGateClient) Quote(ctx context.Context, accountID string) (*x402.PaymentRequiredResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/v1/trust-score/"+url.PathEscape(accountID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := x402.NewClient(nil).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !x402.Is402Response(resp) {
		_, err := readBody(resp)
		if err == nil {
			err = fmt.Errorf("expected 402, got %d", resp.StatusCode)
		}
		return nil, err
	}
	return x402.ParsePaymentRequired(resp)
}

// ListPaymentSchemes returns the payment kinds the server accepts.
func (c *TrustGateClient) ListPaymentSchemes(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.x402.Get(ctx, c.cfg.APIURL+"/v1/supported")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readBody(resp)
}

func readBody(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	return json.RawMessage(body), nil
}
