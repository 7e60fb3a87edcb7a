// Package facilitator verifies x402 "exact" payment proofs against payment
// requirements and settles them on the configured network.
package facilitator

import (
	"context"
	"errors"
	"math/big"

	"github.com/mbd888/trustgate/pkg/x402"
)

// Protocol types are shared with clients.
type (
	PaymentRequirements = x402.PaymentRequirements
	PaymentPayload      = x402.PaymentPayload
	Authorization       = x402.Authorization
)

// InvalidReason is a machine-readable verification failure.
type InvalidReason string

const (
	InvalidPayload                  InvalidReason = "invalid_payload"
	InvalidX402Version              InvalidReason = "invalid_x402_version"
	InvalidScheme                   InvalidReason = "invalid_scheme"
	InvalidNetwork                  InvalidReason = "invalid_network"
	MissingAuthorization            InvalidReason = "missing_authorization"
	InvalidRecipient                InvalidReason = "invalid_recipient"
	InvalidAmount                   InvalidReason = "invalid_amount"
	InvalidAuthorizationValidBefore InvalidReason = "invalid_authorization_valid_before"
	InvalidAuthorizationValidAfter  InvalidReason = "invalid_authorization_valid_after"
	AuthorizationExpired            InvalidReason = "authorization_expired"
	AuthorizationNotYetValid        InvalidReason = "authorization_not_yet_valid"
)

// Settlement failure reasons.
const (
	ReasonDuplicateSettlement = "duplicate_settlement"
	ReasonCircuitOpen         = "circuit_open"
	ReasonInsufficientFunds   = "insufficient_funds"
	ReasonSettlementTimeout   = "settlement_timeout"
	ReasonSettlementFailed    = "settlement_failed"
	ReasonUnsupportedNetwork  = "unsupported_network"
)

// VerifyResult is the outcome of a verification. It has no side effects.
type VerifyResult struct {
	IsValid       bool          `json:"isValid"`
	InvalidReason InvalidReason `json:"invalidReason,omitempty"`
	Payer         string        `json:"payer,omitempty"`
}

// SettleResult is the outcome of a settlement. Success means funds moved
// and Transaction holds the network reference; on failure no transfer was
// applied and Transaction is empty.
type SettleResult struct {
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Response converts the result into the X-PAYMENT-RESPONSE body.
func (r SettleResult) Response() x402.SettlementResponse {
	return x402.SettlementResponse{
		Success:     r.Success,
		Transaction: r.Transaction,
		Network:     r.Network,
		Payer:       r.Payer,
		ErrorReason: r.Reason,
	}
}

// SupportedKind is one {version, scheme, network} combination this
// facilitator accepts.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// Settler moves funds on one network.
type Settler interface {
	// Network returns the x402 network name the settler serves.
	Network() string
	// Settle transfers amount (smallest unit) to the recipient and waits for
	// confirmation, returning the network's transaction reference.
	Settle(ctx context.Context, to string, amount *big.Int, memo string) (string, error)
}

// insufficientFunds is implemented by settler errors that report the
// settlement account cannot cover the amount.
type insufficientFunds interface {
	InsufficientFunds() bool
}

var (
	// ErrInvalidTransition is returned by Flow when a step is taken out of order.
	ErrInvalidTransition = errors.New("facilitator: invalid payment flow transition")

	// ErrNoSettler is returned by New when no settler is configured.
	ErrNoSettler = errors.New("facilitator: no settler configured")
)
