// Package gateway sells trust scores over x402.
//
// A request is priced from the catalog, its payment proof verified, the
// account's analytics fetched concurrently, a score computed, and finally
// the payment settled. Scoring and settlement are decoupled: once a proof
// verifies and the score is computed, the score is returned even if
// settlement fails, and the receipt says so.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/trustgate/internal/analytics"
	"github.com/mbd888/trustgate/internal/approval"
	"github.com/mbd888/trustgate/internal/catalog"
	"github.com/mbd888/trustgate/internal/facilitator"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/receipts"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/trustscore"
	"github.com/mbd888/trustgate/internal/units"
)

var (
	ErrRateLimited          = errors.New("gateway: rate limit exceeded")
	ErrProductUnavailable   = errors.New("gateway: product unavailable")
	ErrAnalyticsUnavailable = errors.New("gateway: analytics unavailable")
)

// PaymentError is returned when a request cannot proceed without a (valid)
// payment. Reason is empty when no proof was presented.
type PaymentError struct {
	Reason       facilitator.InvalidReason
	Requirements facilitator.PaymentRequirements
}

// RateLimitError reports a client over a product's per-minute limit.
type RateLimitError struct {
	RPM int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway: rate limit exceeded (%d/min)", e.RPM)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *PaymentError) Error() string {
	if e.Reason == "" {
		return "gateway: payment required"
	}
	return "gateway: payment verification failed: " + string(e.Reason)
}

// Analytics is the data source for scoring.
type Analytics interface {
	GetAccountInfo(ctx context.Context, accountID string) (*analytics.AccountInfo, error)
	GetTransactions(ctx context.Context, accountID string, limit int) ([]analytics.Transaction, error)
	GetTokenBalances(ctx context.Context, accountID string) ([]analytics.TokenBalance, error)
	GetHCSMessages(ctx context.Context, accountID string, topicIDs ...string) ([]analytics.HCSMessage, error)
}

// cacheInvalidator is implemented by analytics sources with a cache.
type cacheInvalidator interface {
	InvalidateAccount(accountID string) int
}

// Config controls pricing and the pipeline.
type Config struct {
	ProductID         string   // catalog entry that prices a score
	TransactionLimit  int      // transactions fetched per score
	HCSTopics         []string // restrict message history to these topics
	ApprovalThreshold *big.Int // prices above this need approval; nil disables
	Decimals          int      // settlement asset decimals, for display
}

// Option configures a Service.
type Option func(*Service)

// WithApprover requires approval for settlements above the threshold.
func WithApprover(a approval.Approver) Option {
	return func(s *Service) { s.approver = a }
}

// WithIssuer sets the receipt issuer.
func WithIssuer(i *receipts.Issuer) Option {
	return func(s *Service) { s.issuer = i }
}

// WithLimiter enforces each product's per-client rate limit.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithClock sets the clock used as the scoring instant.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the paid scoring pipeline.
type Service struct {
	cfg       Config
	analytics Analytics
	engine    *trustscore.Engine
	payments  *facilitator.Facilitator
	catalog   catalog.Registry
	approver  approval.Approver
	issuer    *receipts.Issuer
	limiter   *ratelimit.Limiter
	now       func() time.Time
}

// NewService wires the pipeline.
func NewService(cfg Config, source Analytics, engine *trustscore.Engine, payments *facilitator.Facilitator, registry catalog.Registry, opts ...Option) *Service {
	if cfg.ProductID == "" {
		cfg.ProductID = catalog.DefaultProductID
	}
	if cfg.TransactionLimit <= 0 {
		cfg.TransactionLimit = 100
	}
	s := &Service{
		cfg:       cfg,
		analytics: source,
		engine:    engine,
		payments:  payments,
		catalog:   registry,
		issuer:    receipts.NewIssuer(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScoreRequest is one paid lookup.
type ScoreRequest struct {
	AccountID string
	Resource  string // request path, echoed in requirements
	Payment   string // X-PAYMENT header, may be empty
	ClientKey string // rate-limit key, usually the client IP
}

// ScoreResult is a delivered score with its payment outcome.
type ScoreResult struct {
	Score      *trustscore.TrustScore
	Receipt    *receipts.Receipt
	Settlement *facilitator.SettleResult // nil when settlement was not attempted
}

// Requirements prices resource from the catalog.
func (s *Service) Requirements(ctx context.Context, resource string) (*catalog.Product, facilitator.PaymentRequirements, error) {
	product, err := s.catalog.Get(ctx, s.cfg.ProductID)
	if err != nil {
		return nil, facilitator.PaymentRequirements{}, fmt.Errorf("%w: %v", ErrProductUnavailable, err)
	}
	desc := product.Name
	if product.Description != "" {
		desc = product.Description
	}
	return product, s.payments.Requirements(resource, desc, product.Price), nil
}

// Supported lists the payment kinds accepted.
func (s *Service) Supported() []facilitator.SupportedKind {
	return s.payments.Supported()
}

// Score runs the full pipeline. It returns *PaymentError when payment is
// missing or invalid, *RateLimitError, ErrProductUnavailable, or an error
// wrapping ErrAnalyticsUnavailable. Settlement problems are not errors: they
// are reported in the result. Logging goes to the context logger.
func (s *Service) Score(ctx context.Context, req ScoreRequest) (*ScoreResult, error) {
	ctx = logging.WithAccount(ctx, req.AccountID)
	log := logging.L(ctx)

	product, requirements, err := s.Requirements(ctx, req.Resource)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil && product.RateLimit > 0 &&
		!s.limiter.AllowRate(product.ID+"|"+req.ClientKey, product.RateLimit) {
		return nil, &RateLimitError{RPM: product.RateLimit}
	}

	if req.Payment == "" {
		return nil, &PaymentError{Requirements: requirements}
	}

	flow := s.payments.Begin(req.Payment, requirements)
	vr, err := flow.Verify(ctx)
	if err != nil {
		return nil, err
	}
	if !vr.IsValid {
		return nil, &PaymentError{Reason: vr.InvalidReason, Requirements: requirements}
	}
	log.Info("payment verified", "payer", vr.Payer, "amount", requirements.MaxAmountRequired)

	input, err := s.fetch(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	score := s.engine.Compute(input)
	s.recordScore(score)

	result := &ScoreResult{Score: score}
	base := receipts.Receipt{
		Resource: requirements.Resource,
		Account:  req.AccountID,
		Payer:    vr.Payer,
		PayTo:    requirements.PayTo,
		Verified: true,
		Amount:   requirements.MaxAmountRequired,
		Currency: currency(product, requirements),
		Network:  requirements.Network,
	}

	if decision, ok := s.approve(ctx, requirements, vr.Payer, req.AccountID); !ok {
		base.Status = receipts.StatusRejected
		base.Approval = string(decision)
		base.Error = "settlement not approved (" + string(decision) + ")"
		log.Warn("settlement skipped", "approval", decision)
	} else {
		base.Approval = string(decision)
		// Settlement must not be abandoned because the client went away.
		sr, err := flow.Settle(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		result.Settlement = &sr
		base.Settled = sr.Success
		base.Transaction = sr.Transaction
		if !sr.Success {
			base.Error = sr.Reason
			log.Error("settlement failed, score delivered", "reason", sr.Reason, "error", sr.Error)
		} else if inv, ok := s.analytics.(cacheInvalidator); ok {
			inv.InvalidateAccount(vr.Payer)
		}
	}

	receipt, err := s.issuer.Issue(base)
	if err != nil {
		return nil, err
	}
	result.Receipt = receipt
	return result, nil
}

// fetch loads the four analytics streams concurrently and waits for all of
// them, so one failure does not cancel the others. Message history is
// optional; the rest are required.
func (s *Service) fetch(ctx context.Context, accountID string) (in trustscore.Input, err error) {
	ctx, span := traces.StartSpan(ctx, "gateway.fetch", traces.AccountID(accountID))
	defer func() { traces.End(span, err) }()

	in.Account = accountID
	var g errgroup.Group
	g.Go(func() error {
		info, err := s.analytics.GetAccountInfo(ctx, accountID)
		if err != nil {
			return fmt.Errorf("%w: account info: %w", ErrAnalyticsUnavailable, err)
		}
		in.AccountInfo = info
		return nil
	})
	g.Go(func() error {
		txs, err := s.analytics.GetTransactions(ctx, accountID, s.cfg.TransactionLimit)
		if err != nil {
			return fmt.Errorf("%w: transactions: %w", ErrAnalyticsUnavailable, err)
		}
		in.Transactions = txs
		return nil
	})
	g.Go(func() error {
		tokens, err := s.analytics.GetTokenBalances(ctx, accountID)
		if err != nil {
			return fmt.Errorf("%w: token balances: %w", ErrAnalyticsUnavailable, err)
		}
		in.TokenBalances = tokens
		return nil
	})
	g.Go(func() error {
		msgs, err := s.analytics.GetHCSMessages(ctx, accountID, s.cfg.HCSTopics...)
		if err != nil {
			logging.L(ctx).Warn("message history unavailable, scoring without it", "error", err)
			msgs = []analytics.HCSMessage{}
		}
		in.Messages = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return trustscore.Input{}, err
	}
	in.Now = s.now()
	return in, nil
}

// approve asks the approver when the price is above the threshold. It
// returns the decision and whether settlement may proceed.
func (s *Service) approve(ctx context.Context, req facilitator.PaymentRequirements, payer, accountID string) (approval.Decision, bool) {
	if s.approver == nil || s.cfg.ApprovalThreshold == nil || s.cfg.ApprovalThreshold.Sign() <= 0 {
		return "", true
	}
	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Cmp(s.cfg.ApprovalThreshold) <= 0 {
		return "", true
	}

	res, err := s.approver.Approve(ctx, approval.Request{
		ID:       req.Resource,
		Payer:    payer,
		Account:  accountID,
		Amount:   units.Format(amount, s.cfg.Decimals),
		Asset:    req.Asset,
		Resource: req.Resource,
	})
	if err != nil {
		logging.L(ctx).Error("approval failed", "error", err)
		metrics.ApprovalsTotal.WithLabelValues("error").Inc()
		return approval.DecisionRejected, false
	}
	metrics.ApprovalsTotal.WithLabelValues(string(res.Decision)).Inc()
	return res.Decision, res.Approved
}

func (s *Service) recordScore(score *trustscore.TrustScore) {
	metrics.TrustScoresTotal.WithLabelValues(string(score.Tier)).Inc()
	metrics.TrustScoreValue.Observe(float64(score.Score))
	for _, f := range score.RiskFlags {
		metrics.RiskFlagsTotal.WithLabelValues(string(f.Type)).Inc()
	}
}

func currency(p *catalog.Product, req facilitator.PaymentRequirements) string {
	if p.Currency != "" {
		return p.Currency
	}
	return req.Asset
}
