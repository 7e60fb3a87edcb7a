// Package trustscore computes a bounded, explainable trust score for a
// ledger account from its analytics data.
//
// The score is the sum of six components:
//   - accountAge   (3, 10 or 20)    time since account creation
//   - diversity    (5, 10 or 20)    distinct counterparties
//   - volatility   (3, 10 or 20)    coefficient of variation of recent amounts
//   - tokenHealth  (0 or 10)        token holdings not dominated by one token
//   - hcsQuality   (-10, 0 or 10)   keyword scan of consensus messages
//   - riskPenalty  (-20 to 0)       triggered risk flags
//
// clamped to [0, 100]. Computation is pure: the clock is part of Input, so
// the same Input always yields the same TrustScore.
package trustscore

import "time"

// TrustScore is the result of one computation.
type TrustScore struct {
	Account    string     `json:"account"`
	Score      int        `json:"score"` // 0-100
	Tier       Tier       `json:"tier"`
	Components Components `json:"components"`
	RiskFlags  []RiskFlag `json:"riskFlags"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Components breaks down the score.
type Components struct {
	AccountAge  int `json:"accountAge"`
	Diversity   int `json:"diversity"`
	Volatility  int `json:"volatility"`
	TokenHealth int `json:"tokenHealth"`
	HCSQuality  int `json:"hcsQuality"`
	RiskPenalty int `json:"riskPenalty"`
}

// Sum adds all components without clamping.
func (c Components) Sum() int {
	return c.AccountAge + c.Diversity + c.Volatility + c.TokenHealth + c.HCSQuality + c.RiskPenalty
}

// Tier is a human-readable band for a score.
type Tier string

const (
	TierNew         Tier = "new"         // 0-19
	TierEmerging    Tier = "emerging"    // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

// TierFor maps a score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}

// FlagType identifies a risk pattern.
type FlagType string

const (
	FlagLargeOutflow            FlagType = "large_outflow"
	FlagNewAccountLargeTransfer FlagType = "new_account_large_transfer"
)

// Severity grades a risk flag.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RiskFlag is one triggered risk pattern.
type RiskFlag struct {
	Type        FlagType  `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	Points      int       `json:"points"` // negative contribution to riskPenalty
	DetectedAt  time.Time `json:"detectedAt"`
}
