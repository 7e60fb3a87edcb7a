package facilitator

import (
	"context"
	"fmt"
	"sync"
)

// FlowState is the position of one payment in its per-request lifecycle:
//
//	Unverified → Verified → Settled | SettlementFailed
//	Unverified → Rejected
type FlowState int

const (
	FlowUnverified FlowState = iota
	FlowVerified
	FlowSettled
	FlowSettlementFailed
	FlowRejected
)

func (s FlowState) String() string {
	switch s {
	case FlowUnverified:
		return "unverified"
	case FlowVerified:
		return "verified"
	case FlowSettled:
		return "settled"
	case FlowSettlementFailed:
		return "settlement_failed"
	case FlowRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Flow drives a single proof through verify and settle exactly once.
type Flow struct {
	f      *Facilitator
	header string
	req    PaymentRequirements

	mu     sync.Mutex
	state  FlowState
	verify VerifyResult
	settle SettleResult
}

// Begin starts the lifecycle of one proof against req.
func (f *Facilitator) Begin(header string, req PaymentRequirements) *Flow {
	return &Flow{f: f, header: header, req: req}
}

// State returns the current state.
func (fl *Flow) State() FlowState {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.state
}

// Requirements returns the requirements the proof is checked against.
func (fl *Flow) Requirements() PaymentRequirements {
	return fl.req
}

// Verify runs verification. Only valid from Unverified.
func (fl *Flow) Verify(ctx context.Context) (VerifyResult, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.state != FlowUnverified {
		return fl.verify, fmt.Errorf("%w: verify from %s", ErrInvalidTransition, fl.state)
	}
	fl.verify = fl.f.Verify(ctx, fl.header, fl.req)
	if fl.verify.IsValid {
		fl.state = FlowVerified
	} else {
		fl.state = FlowRejected
	}
	return fl.verify, nil
}

// Settle runs settlement. Only valid from Verified, so a proof is settled
// at most once per flow.
func (fl *Flow) Settle(ctx context.Context) (SettleResult, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.state != FlowVerified {
		return fl.settle, fmt.Errorf("%w: settle from %s", ErrInvalidTransition, fl.state)
	}
	fl.settle = fl.f.Settle(ctx, fl.header, fl.req)
	if fl.settle.Success {
		fl.state = FlowSettled
	} else {
		fl.state = FlowSettlementFailed
	}
	return fl.settle, nil
}
