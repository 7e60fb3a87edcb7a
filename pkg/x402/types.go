// Package x402 implements the x402 protocol types and client helpers
// for the "exact" payment scheme.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Version is the only protocol version this package speaks.
const Version = 1

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// SchemeExact transfers exactly MaxAmountRequired to PayTo.
const SchemeExact = "exact"

// Supported settlement networks.
const (
	NetworkHederaTestnet = "hedera-testnet"
	NetworkBaseSepolia   = "base-sepolia"
)

// ErrMalformedPayload is returned when a payment header cannot be decoded.
var ErrMalformedPayload = errors.New("x402: malformed payment payload")

// PaymentRequirements describes what a resource costs and where to pay.
// MaxAmountRequired is a base-10 integer in the asset's smallest unit.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
}

// Authorization is the signed transfer intent inside a payment payload.
// ValidAfter and ValidBefore are unix seconds encoded as decimal strings.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific part of a payment payload.
type ExactPayload struct {
	Signature     string         `json:"signature,omitempty"`
	Authorization *Authorization `json:"authorization,omitempty"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// PaymentRequiredResponse is the JSON body of a 402 response.
type PaymentRequiredResponse struct {
	Error       string                `json:"error"`
	Message     string                `json:"message,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SettlementResponse is carried base64-encoded in X-PAYMENT-RESPONSE.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Error represents an error response from an x402 server.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequired extracts the payment requirements from a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var pr PaymentRequiredResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	if len(pr.Accepts) == 0 {
		return nil, errors.New("402 response has no accepted payment requirements")
	}
	return &pr, nil
}

// EncodeHeader serializes v as base64(JSON) for use in an x402 header.
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses an X-PAYMENT header value. Both standard and
// URL-safe base64 are accepted. The payload's fields are not checked here
// beyond being well-formed JSON of the right shape.
func DecodePayment(header string) (*PaymentPayload, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &p, nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(header string) (*SettlementResponse, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}
	var s SettlementResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid settlement header: %w", err)
	}
	return &s, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty header")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
