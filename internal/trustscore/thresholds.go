package trustscore

import (
	"time"

	"github.com/mbd888/trustgate/internal/units"
)

// Thresholds are the tunable risk-flag parameters. Amounts are in tinybars.
type Thresholds struct {
	// OutflowRatio flags 7-day outflows above this fraction of the balance.
	OutflowRatio float64
	// OutflowFloor is the minimum 7-day outflow that can be flagged, so dust
	// accounts are never flagged on ratio alone.
	OutflowFloor int64
	// LargeTransfer is the single-transfer size that flags a new account.
	LargeTransfer int64
	// NewAccountAge is the age below which an account counts as new.
	NewAccountAge time.Duration
}

// DefaultThresholds returns the stock risk parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OutflowRatio:  0.5,
		OutflowFloor:  units.HBAR(1000),
		LargeTransfer: units.HBAR(10000),
		NewAccountAge: 30 * day,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.OutflowRatio <= 0 {
		t.OutflowRatio = d.OutflowRatio
	}
	if t.OutflowFloor <= 0 {
		t.OutflowFloor = d.OutflowFloor
	}
	if t.LargeTransfer <= 0 {
		t.LargeTransfer = d.LargeTransfer
	}
	if t.NewAccountAge <= 0 {
		t.NewAccountAge = d.NewAccountAge
	}
	return t
}

const (
	day   = 24 * time.Hour
	month = 30 * day

	volatilityWindow = 30 * day
	riskWindow       = 7 * day

	penaltyLargeOutflow            = -10
	penaltyNewAccountLargeTransfer = -5
	minPenalty                     = -20

	maxScore = 100
)
