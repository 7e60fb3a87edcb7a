package trustscore

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/mbd888/trustgate/internal/analytics"
	"github.com/mbd888/trustgate/internal/units"
)

// Input is everything a computation depends on. Nil AccountInfo and empty
// slices are valid and select each component's no-data value.
type Input struct {
	Account       string
	AccountInfo   *analytics.AccountInfo
	Transactions  []analytics.Transaction
	TokenBalances []analytics.TokenBalance
	Messages      []analytics.HCSMessage
	Now           time.Time
}

// Engine computes trust scores.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates an engine with DefaultThresholds.
func NewEngine() *Engine {
	return &Engine{thresholds: DefaultThresholds()}
}

// WithThresholds overrides the risk thresholds. Zero fields keep their defaults.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t.withDefaults()
	return e
}

// Thresholds returns the active risk thresholds.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Compute scores the account. It never fails.
func (e *Engine) Compute(in Input) *TrustScore {
	legs := accountLegs(in.Account, in.Transactions)
	flags := e.riskFlags(in, legs)

	comp := Components{
		AccountAge:  accountAgeScore(in.AccountInfo, in.Now),
		Diversity:   diversityScore(in.Account, in.Transactions),
		Volatility:  volatilityScore(legs, in.Now),
		TokenHealth: tokenHealthScore(in.TokenBalances),
		HCSQuality:  hcsQualityScore(in.Messages),
		RiskPenalty: riskPenalty(flags),
	}

	score := clamp(comp.Sum(), 0, maxScore)
	return &TrustScore{
		Account:    in.Account,
		Score:      score,
		Tier:       TierFor(score),
		Components: comp,
		RiskFlags:  flags,
		Timestamp:  in.Now,
	}
}

// leg is one of the account's own transfer legs.
type leg struct {
	amount int64
	at     time.Time
}

// accountLegs collects the account's transfer legs from successful transactions.
func accountLegs(account string, txs []analytics.Transaction) []leg {
	var out []leg
	for _, tx := range txs {
		if !succeeded(tx) {
			continue
		}
		for _, t := range tx.Transfers {
			if t.Account == account && t.Amount != 0 {
				out = append(out, leg{amount: t.Amount, at: tx.ConsensusTimestamp})
			}
		}
	}
	return out
}

func succeeded(tx analytics.Transaction) bool {
	return tx.Result == "" || tx.Result == "SUCCESS"
}

// accountAgeScore: >6 months → 20, 1-6 months → 10, <1 month or unknown → 3.
func accountAgeScore(info *analytics.AccountInfo, now time.Time) int {
	if info == nil || info.CreatedAt.IsZero() {
		return 3
	}
	age := now.Sub(info.CreatedAt)
	switch {
	case age > 6*month:
		return 20
	case age >= month:
		return 10
	default:
		return 3
	}
}

// diversityScore counts distinct counterparties across all transfer legs:
// ≥25 → 20, 10-24 → 10, <10 → 5.
func diversityScore(account string, txs []analytics.Transaction) int {
	seen := make(map[string]struct{})
	for _, tx := range txs {
		if !succeeded(tx) {
			continue
		}
		for _, t := range tx.Transfers {
			if t.Account != "" && t.Account != account {
				seen[t.Account] = struct{}{}
			}
		}
	}
	switch n := len(seen); {
	case n >= 25:
		return 20
	case n >= 10:
		return 10
	default:
		return 5
	}
}

// volatilityScore uses the coefficient of variation of absolute amounts in
// the trailing 30 days: <0.3 → 20, <0.7 → 10, otherwise or no data → 3.
func volatilityScore(legs []leg, now time.Time) int {
	cutoff := now.Add(-volatilityWindow)
	var amounts []float64
	for _, l := range legs {
		if l.at.Before(cutoff) || l.at.After(now) {
			continue
		}
		amounts = append(amounts, math.Abs(float64(l.amount)))
	}
	cv, ok := coefficientOfVariation(amounts)
	if !ok {
		return 3
	}
	switch {
	case cv < 0.3:
		return 20
	case cv < 0.7:
		return 10
	default:
		return 3
	}
}

// coefficientOfVariation returns population stddev / mean.
func coefficientOfVariation(xs []float64) (float64, bool) {
	if len(xs) == 0 {
		return 0, false
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 0, false
	}
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(xs))) / mean, true
}

// tokenHealthScore is 10 unless there are no tokens or one token holds more
// than half of the total absolute balance.
func tokenHealthScore(tokens []analytics.TokenBalance) int {
	var total float64
	for _, t := range tokens {
		total += math.Abs(float64(t.Balance))
	}
	if total == 0 {
		return 0
	}
	for _, t := range tokens {
		if math.Abs(float64(t.Balance)) > total/2 {
			return 0
		}
	}
	return 10
}

// hcsQualityScore: only positive markers → +10, only negative → -10, else 0.
func hcsQualityScore(msgs []analytics.HCSMessage) int {
	var positive, negative bool
	for _, m := range msgs {
		p, n := scanKeywords(m.Message)
		positive = positive || p
		negative = negative || n
	}
	switch {
	case positive && !negative:
		return 10
	case negative && !positive:
		return -10
	default:
		return 0
	}
}

func (e *Engine) riskFlags(in Input, legs []leg) []RiskFlag {
	th := e.thresholds
	cutoff := in.Now.Add(-riskWindow)
	flags := []RiskFlag{}

	var outflow, largest int64
	for _, l := range legs {
		if l.at.Before(cutoff) || l.at.After(in.Now) {
			continue
		}
		if l.amount < 0 {
			outflow += -l.amount
		}
		if abs := absInt(l.amount); abs > largest {
			largest = abs
		}
	}

	var balance int64
	if in.AccountInfo != nil {
		balance = in.AccountInfo.Balance
	}
	if outflow > th.OutflowFloor && float64(outflow) > th.OutflowRatio*float64(balance) {
		desc := fmt.Sprintf("7-day outflow of %s HBAR exceeds %.0f%% of balance (%s HBAR)",
			formatHBAR(outflow), th.OutflowRatio*100, formatHBAR(balance))
		flags = append(flags, RiskFlag{
			Type:        FlagLargeOutflow,
			Severity:    SeverityHigh,
			Description: desc,
			Points:      penaltyLargeOutflow,
			DetectedAt:  in.Now,
		})
	}

	if in.AccountInfo != nil && !in.AccountInfo.CreatedAt.IsZero() &&
		in.Now.Sub(in.AccountInfo.CreatedAt) < th.NewAccountAge && largest > th.LargeTransfer {
		desc := fmt.Sprintf("account younger than %d days moved %s HBAR in a single transfer",
			int(th.NewAccountAge/day), formatHBAR(largest))
		flags = append(flags, RiskFlag{
			Type:        FlagNewAccountLargeTransfer,
			Severity:    SeverityMedium,
			Description: desc,
			Points:      penaltyNewAccountLargeTransfer,
			DetectedAt:  in.Now,
		})
	}
	return flags
}

func riskPenalty(flags []RiskFlag) int {
	total := 0
	for _, f := range flags {
		total += f.Points
	}
	return clamp(total, minPenalty, 0)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func formatHBAR(tinybars int64) string {
	return units.Format(big.NewInt(tinybars), units.HBARDecimals)
}
