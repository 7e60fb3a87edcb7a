package facilitator

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Verify checks the X-PAYMENT header against req. Checks run in a fixed
// order and stop at the first failure. It performs no network calls.
func (f *Facilitator) Verify(ctx context.Context, header string, req PaymentRequirements) VerifyResult {
	_, span := traces.StartSpan(ctx, "facilitator.verify", traces.Network(req.Network))
	defer span.End()

	res := f.verify(header, req)
	result := "valid"
	if !res.IsValid {
		result = string(res.InvalidReason)
		f.logger.Info("payment verification failed", "reason", res.InvalidReason, "resource", req.Resource)
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(req.Network, result).Inc()
	return res
}

func (f *Facilitator) verify(header string, req PaymentRequirements) VerifyResult {
	payload, err := x402.DecodePayment(header)
	if err != nil {
		return invalid(InvalidPayload, "")
	}
	_, res := f.check(payload, req)
	return res
}

// check validates a decoded payload and returns its authorization on success.
func (f *Facilitator) check(p *PaymentPayload, req PaymentRequirements) (*Authorization, VerifyResult) {
	if p.X402Version != x402.Version {
		return nil, invalid(InvalidX402Version, "")
	}
	if p.Scheme != x402.SchemeExact || p.Scheme != req.Scheme {
		return nil, invalid(InvalidScheme, "")
	}
	if p.Network != req.Network || p.Network != f.Network() {
		return nil, invalid(InvalidNetwork, "")
	}

	auth := p.Payload.Authorization
	if auth == nil {
		return nil, invalid(MissingAuthorization, "")
	}
	payer := auth.From

	if !sameAccount(auth.To, req.PayTo) {
		return nil, invalid(InvalidRecipient, payer)
	}

	value, ok := parseAmount(auth.Value)
	required, reqOK := parseAmount(req.MaxAmountRequired)
	if !ok || !reqOK || value.Cmp(required) != 0 {
		return nil, invalid(InvalidAmount, payer)
	}

	now := f.now()
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return nil, invalid(InvalidAuthorizationValidBefore, payer)
	}
	if !now.Before(time.Unix(validBefore, 0)) {
		return nil, invalid(AuthorizationExpired, payer)
	}
	if auth.ValidAfter != "" {
		validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
		if err != nil {
			return nil, invalid(InvalidAuthorizationValidAfter, payer)
		}
		if now.Before(time.Unix(validAfter, 0)) {
			return nil, invalid(AuthorizationNotYetValid, payer)
		}
	}

	return auth, VerifyResult{IsValid: true, Payer: payer}
}

func invalid(reason InvalidReason, payer string) VerifyResult {
	return VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
}

// sameAccount compares recipients; EVM addresses are case-insensitive.
func sameAccount(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// parseAmount parses a non-negative base-10 integer.
func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
