package x402

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// PayFunc produces a signed payment payload satisfying req.
type PayFunc func(ctx context.Context, req PaymentRequirements) (*PaymentPayload, error)

// ErrPaymentLimit is returned when a server asks for more than MaxPayment.
var ErrPaymentLimit = errors.New("x402: payment exceeds limit")

// Client wraps http.Client with automatic 402 payment handling.
type Client struct {
	httpClient *http.Client
	pay        PayFunc

	// Configuration
	MaxRetries int      // Max payment retries (default: 1)
	AutoPay    bool     // Automatically pay 402s (default: true)
	MaxPayment *big.Int // Max payment in smallest units (nil: unlimited)
	Network    string   // Preferred network ("" accepts the first offer)

	// Hooks
	OnPayment func(req *PaymentRequirements, payload *PaymentPayload) // Called before each payment
}

// NewClient creates a new x402-enabled HTTP client. pay may be nil when
// AutoPay is disabled.
func NewClient(pay PayFunc) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pay:        pay,
		MaxRetries: 1,
		AutoPay:    pay != nil,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do performs an HTTP request with automatic 402 payment handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Keep the body so the request can be replayed with a payment header.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}
	req = req.WithContext(ctx)

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		if !c.AutoPay || c.pay == nil || attempt == c.MaxRetries {
			return resp, nil
		}

		pr, err := ParsePaymentRequired(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
		}

		payReq, err := c.selectRequirements(pr.Accepts)
		if err != nil {
			return nil, err
		}
		if err := c.checkPaymentLimit(payReq.MaxAmountRequired); err != nil {
			return nil, err
		}

		payload, err := c.pay(ctx, *payReq)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}
		if c.OnPayment != nil {
			c.OnPayment(payReq, payload)
		}

		header, err := EncodeHeader(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payment: %w", err)
		}
		req.Header.Set(HeaderPayment, header)
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoContext(ctx, req)
}

func (c *Client) selectRequirements(accepts []PaymentRequirements) (*PaymentRequirements, error) {
	for i := range accepts {
		if accepts[i].Scheme != SchemeExact {
			continue
		}
		if c.Network == "" || accepts[i].Network == c.Network {
			return &accepts[i], nil
		}
	}
	return nil, fmt.Errorf("no acceptable payment requirements (network %q)", c.Network)
}

func (c *Client) checkPaymentLimit(amount string) error {
	if c.MaxPayment == nil {
		return nil
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", amount)
	}
	if v.Cmp(c.MaxPayment) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrPaymentLimit, v, c.MaxPayment)
	}
	return nil
}

// NewExactPayload builds an unsigned exact-scheme payload that authorizes
// exactly req.MaxAmountRequired from payer to req.PayTo, valid from now
// for req.MaxTimeoutSeconds.
func NewExactPayload(req PaymentRequirements, payer, nonce string, now time.Time) *PaymentPayload {
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: ExactPayload{
			Authorization: &Authorization{
				From:        payer,
				To:          req.PayTo,
				Value:       req.MaxAmountRequired,
				ValidAfter:  strconv.FormatInt(now.Unix(), 10),
				ValidBefore: strconv.FormatInt(now.Unix()+timeout, 10),
				Nonce:       nonce,
			},
		},
	}
}
