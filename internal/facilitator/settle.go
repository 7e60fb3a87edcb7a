package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/pkg/x402"
)

const maxMemoLen = 100

// Settle decodes and re-checks the proof, then transfers the authorized
// amount to the authorized recipient. It is never retried internally: a
// failure reports Success=false and no funds moved.
func (f *Facilitator) Settle(ctx context.Context, header string, req PaymentRequirements) (res SettleResult) {
	network := f.Network()
	ctx, span := traces.StartSpan(ctx, "facilitator.settle", traces.Network(network))
	start := time.Now()
	defer func() {
		result := "success"
		if !res.Success {
			result = res.Reason
		}
		metrics.SettlementsTotal.WithLabelValues(network, result).Inc()
		metrics.SettlementDuration.WithLabelValues(network).Observe(time.Since(start).Seconds())
		span.SetAttributes(traces.Transaction(res.Transaction))
		span.End()
	}()

	payload, err := x402.DecodePayment(header)
	if err != nil {
		return failed(network, "", string(InvalidPayload), err)
	}
	auth, vr := f.check(payload, req)
	if !vr.IsValid {
		return failed(network, vr.Payer, string(vr.InvalidReason), fmt.Errorf("payment no longer valid: %s", vr.InvalidReason))
	}

	if f.guard != nil {
		key := proofKey(payload)
		if prev, dup := f.guard.Begin(key, f.expiry(auth)); dup {
			f.logger.Warn("duplicate settlement rejected", "payer", auth.From, "previous_tx", prev.Transaction)
			return failed(network, auth.From, ReasonDuplicateSettlement, errors.New("payment proof already settled or in flight"))
		}
		defer func() { f.guard.Finish(key, res) }()
	}

	amount, _ := parseAmount(auth.Value)
	memo := settlementMemo(req.Resource, auth.Nonce)

	ctx, cancel := context.WithTimeout(ctx, f.cfg.SettlementTimeout)
	defer cancel()

	var tx string
	breaker := f.breakers.Get(BreakerName(network))
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		var settleErr error
		tx, settleErr = f.settler.Settle(ctx, auth.To, amount, memo)
		return settleErr
	})
	if err != nil {
		reason := classifySettleError(ctx, err)
		f.logger.Error("settlement failed",
			"network", network, "payer", auth.From, "amount", auth.Value, "reason", reason, "error", err)
		return failed(network, auth.From, reason, err)
	}

	f.logger.Info("payment settled",
		"network", network, "payer", auth.From, "amount", auth.Value, "tx", tx)
	return SettleResult{
		Success:     true,
		Transaction: tx,
		Network:     network,
		Payer:       auth.From,
	}
}

func failed(network, payer, reason string, err error) SettleResult {
	return SettleResult{
		Success: false,
		Reason:  reason,
		Error:   err.Error(),
		Network: network,
		Payer:   payer,
	}
}

func classifySettleError(ctx context.Context, err error) string {
	var insufficient insufficientFunds
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ReasonCircuitOpen
	case errors.As(err, &insufficient) && insufficient.InsufficientFunds():
		return ReasonInsufficientFunds
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonSettlementTimeout
	default:
		return ReasonSettlementFailed
	}
}

// expiry is when a proof can no longer be replayed: its validBefore.
func (f *Facilitator) expiry(auth *Authorization) time.Time {
	if vb, err := strconv.ParseInt(auth.ValidBefore, 10, 64); err == nil {
		return time.Unix(vb, 0)
	}
	return f.now().Add(time.Duration(f.cfg.MaxTimeoutSeconds) * time.Second)
}

func settlementMemo(resource, nonce string) string {
	memo := "x402 " + resource
	if nonce != "" {
		memo += " " + nonce
	}
	if len(memo) > maxMemoLen {
		memo = memo[:maxMemoLen]
	}
	return memo
}
