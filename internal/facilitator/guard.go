package facilitator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// SettlementGuard remembers settled and in-flight proofs so the same proof
// cannot move funds twice. A proof whose settlement failed cleanly may be
// retried; one whose outcome is unknown (timeout) stays blocked until expiry.
type SettlementGuard struct {
	mu      sync.Mutex
	entries map[string]guardEntry
	now     func() time.Time
	grace   time.Duration
}

type guardEntry struct {
	done    bool
	result  SettleResult
	expires time.Time
}

// NewSettlementGuard creates an empty guard. Entries are kept until the
// proof's validBefore plus grace.
func NewSettlementGuard(grace time.Duration) *SettlementGuard {
	return &SettlementGuard{
		entries: make(map[string]guardEntry),
		now:     time.Now,
		grace:   grace,
	}
}

// Begin claims key. It returns dup=true with the earlier result if the proof
// is already settled or being settled.
func (g *SettlementGuard) Begin(key string, validBefore time.Time) (SettleResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweep(now)

	if e, ok := g.entries[key]; ok {
		return e.result, true
	}
	g.entries[key] = guardEntry{expires: validBefore.Add(g.grace)}
	return SettleResult{}, false
}

// Finish records the outcome for key. Clean failures release the claim.
func (g *SettlementGuard) Finish(key string, res SettleResult) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		return
	}
	if !res.Success && res.Reason != ReasonSettlementTimeout {
		delete(g.entries, key)
		return
	}
	e.done = true
	e.result = res
	g.entries[key] = e
}

// Len returns the number of tracked proofs.
func (g *SettlementGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// sweep drops expired entries. Caller must hold g.mu.
func (g *SettlementGuard) sweep(now time.Time) {
	for k, e := range g.entries {
		if e.done && now.After(e.expires) {
			delete(g.entries, k)
		}
	}
}

// proofKey identifies a proof by the SHA-256 of its canonical JSON with the
// signature removed, so re-encodings and re-signings of one authorization
// collide.
func proofKey(p *PaymentPayload) string {
	unsigned := *p
	unsigned.Payload.Signature = ""
	data, err := json.Marshal(unsigned)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
