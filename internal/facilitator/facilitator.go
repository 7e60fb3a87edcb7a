package facilitator

import (
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Config describes the payment terms this facilitator offers.
type Config struct {
	PayTo             string        // recipient account or address
	Asset             string        // "HBAR" or the token contract address
	MaxTimeoutSeconds int64         // validity window offered to clients
	SettlementTimeout time.Duration // upper bound for one settlement
}

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facilitator) { f.logger = l }
}

// WithClock overrides the clock used for authorization windows.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) { f.now = now }
}

// WithBreakers sets the registry that supplies per-network settlement breakers.
func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(f *Facilitator) { f.breakers = r }
}

// WithGuard enables duplicate-settlement protection.
func WithGuard(g *SettlementGuard) Option {
	return func(f *Facilitator) { f.guard = g }
}

// Facilitator verifies and settles payments for a single settlement network.
type Facilitator struct {
	cfg      Config
	settler  Settler
	breakers *circuitbreaker.Registry
	guard    *SettlementGuard
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a facilitator that settles through settler.
func New(cfg Config, settler Settler, opts ...Option) (*Facilitator, error) {
	if settler == nil {
		return nil, ErrNoSettler
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 60
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 30 * time.Second
	}
	f := &Facilitator{
		cfg:     cfg,
		settler: settler,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.breakers == nil {
		f.breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), f.logger)
	}
	if f.guard != nil {
		// Guard expiries are validBefore instants, so they share our clock.
		f.guard.now = f.now
	}
	return f, nil
}

// Network returns the configured settlement network.
func (f *Facilitator) Network() string {
	return f.settler.Network()
}

// BreakerName is the circuit breaker name for settlements on network.
func BreakerName(network string) string {
	return "settlement:" + network
}

// Requirements builds the payment requirements for one resource.
// amount is in the asset's smallest unit.
func (f *Facilitator) Requirements(resource, description, amount string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           f.Network(),
		Asset:             f.cfg.Asset,
		PayTo:             f.cfg.PayTo,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: f.cfg.MaxTimeoutSeconds,
	}
}

// Supported returns the kinds this facilitator accepts.
func (f *Facilitator) Supported() []SupportedKind {
	return []SupportedKind{{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     f.Network(),
	}}
}
