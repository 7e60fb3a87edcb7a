package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
)

// BreakerName is the circuit breaker guarding the provider.
const BreakerName = "analytics"

// Operation names used for cache keys, metrics and spans.
const (
	OpAccountInfo   = "account_info"
	OpTransactions  = "transactions"
	OpTokenBalances = "token_balances"
	OpHCSMessages   = "hcs_messages"
)

const (
	maxErrorBody    = 512
	maxResponseSize = 5 * 1024 * 1024 // 5MB
)

// Config holds the provider connection and resilience settings.
type Config struct {
	BaseURL        string        // e.g. "https://testnet.mirrornode.hedera.com"
	APIKey         string        // sent as x-api-key when set
	DefaultTTL     time.Duration // cache TTL; transactions use half of it
	MaxRetries     int           // total attempts per call
	RetryBaseDelay time.Duration // backoff base: delay = base * 2^attempt
	Timeout        time.Duration // per-attempt HTTP timeout
	MaxRetryAfter  time.Duration // cap on a provider Retry-After hint; 0 means the longest backoff
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     5 * time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		Timeout:        10 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker sets the circuit breaker guarding upstream calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock overrides the cache clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client fetches account analytics from the provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	cache      *cache
	fills      *syncutil.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a client. Zero config fields take DefaultConfig values.
func NewClient(cfg Config, opts ...Option) *Client {
	d := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = d.DefaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = retry.Backoff(cfg.RetryBaseDelay, cfg.MaxRetries-1)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(BreakerName, circuitbreaker.Config{IsFailure: IsOutage})
	}
	c.cache = newCache(c.now)
	c.fills = syncutil.NewKeyedMutex(0)
	return c
}

// IsOutage reports whether err indicates the provider itself is unhealthy.
// Permanent client errors (bad id, unknown account) do not count.
func IsOutage(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Permanent()
	}
	return !errors.Is(err, context.Canceled)
}

// GetAccountInfo returns the account summary.
func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (*AccountInfo, error) {
	key := cacheKey(OpAccountInfo, accountID)
	return fetch(ctx, c, OpAccountInfo, accountID, key, c.cfg.DefaultTTL, func(ctx context.Context) (*AccountInfo, error) {
		w, err := c.getAccount(ctx, OpAccountInfo, accountID, url.Values{"limit": {"1"}, "transactions": {"false"}})
		if err != nil {
			return nil, err
		}
		return w.info()
	})
}

// GetTransactions returns up to limit of the account's most recent transactions.
func (c *Client) GetTransactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	key := cacheKey(OpTransactions, accountID, strconv.Itoa(limit))
	return fetch(ctx, c, OpTransactions, accountID, key, c.cfg.DefaultTTL/2, func(ctx context.Context) ([]Transaction, error) {
		w, err := c.getAccount(ctx, OpTransactions, accountID, url.Values{
			"limit": {strconv.Itoa(limit)},
			"order": {"desc"},
		})
		if err != nil {
			return nil, err
		}
		return w.transactions()
	})
}

// GetTokenBalances returns the account's fungible token holdings.
func (c *Client) GetTokenBalances(ctx context.Context, accountID string) ([]TokenBalance, error) {
	key := cacheKey(OpTokenBalances, accountID)
	return fetch(ctx, c, OpTokenBalances, accountID, key, c.cfg.DefaultTTL, func(ctx context.Context) ([]TokenBalance, error) {
		w, err := c.getAccount(ctx, OpTokenBalances, accountID, url.Values{"limit": {"1"}, "transactions": {"false"}})
		if err != nil {
			return nil, err
		}
		return w.tokens(), nil
	})
}

// GetHCSMessages returns consensus messages submitted by the account,
// optionally restricted to the given topics.
func (c *Client) GetHCSMessages(ctx context.Context, accountID string, topicIDs ...string) ([]HCSMessage, error) {
	topics := append([]string(nil), topicIDs...)
	sort.Strings(topics)
	key := cacheKey(OpHCSMessages, accountID, topics...)
	return fetch(ctx, c, OpHCSMessages, accountID, key, c.cfg.DefaultTTL, func(ctx context.Context) ([]HCSMessage, error) {
		q := url.Values{}
		for _, t := range topics {
			q.Add("topic.id", t)
		}
		body, err := c.get(ctx, OpHCSMessages, "/api/v1/accounts/"+url.PathEscape(accountID)+"/messages", q)
		if err != nil {
			return nil, err
		}
		return decodeMessages(body)
	})
}

// InvalidateAccount drops the account's cached entries so the next lookup
// sees fresh balances. It returns the number of entries removed.
func (c *Client) InvalidateAccount(accountID string) int {
	return c.cache.purgeAccount(accountID)
}

// CacheSize returns the number of cached entries, including expired ones
// not yet evicted.
func (c *Client) CacheSize() int {
	return c.cache.len()
}

func cacheKey(op, accountID string, params ...string) string {
	parts := append([]string{op, accountID}, params...)
	return strings.Join(parts, "|")
}

// fetch runs the cache → breaker → retry pipeline for one operation.
func fetch[T any](ctx context.Context, c *Client, op, accountID, key string, ttl time.Duration, call func(context.Context) (T, error)) (T, error) {
	if v, ok := cacheGet[T](c.cache, key); ok {
		metrics.AnalyticsCacheTotal.WithLabelValues(op, "hit").Inc()
		c.logger.Debug("analytics cache hit", "operation", op, "account", accountID)
		return v, nil
	}

	// One upstream fill per key at a time; waiters re-read the cache.
	unlock, err := c.fills.Lock(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	defer unlock()
	if v, ok := cacheGet[T](c.cache, key); ok {
		metrics.AnalyticsCacheTotal.WithLabelValues(op, "hit").Inc()
		return v, nil
	}
	metrics.AnalyticsCacheTotal.WithLabelValues(op, "miss").Inc()

	var out T
	err = retry.DoNotify(ctx, c.cfg.MaxRetries, c.cfg.RetryBaseDelay, func() error {
		var res T
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			res, callErr = call(ctx)
			return callErr
		})
		if err != nil {
			return classify(err, c.cfg.MaxRetryAfter)
		}
		out = res
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("analytics request failed, retrying",
			"operation", op, "account", accountID,
			"attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		var zero T
		return zero, err
	}

	cachePut(c.cache, key, out, ttl)
	return out, nil
}

// classify maps an upstream error onto the retry policy. Retry-After hints
// are capped at maxWait since the fill lock is held while sleeping.
func classify(err error, maxWait time.Duration) error {
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, ErrInvalidResponse) {
		return retry.Permanent(err)
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.Permanent() {
			return retry.Permanent(err)
		}
		if se.Code == http.StatusTooManyRequests {
			return &retry.RetryAfterError{Err: err, After: min(se.RetryAfter, maxWait)}
		}
	}
	return err
}

func (c *Client) getAccount(ctx context.Context, op, accountID string, q url.Values) (*wireAccount, error) {
	body, err := c.get(ctx, op, "/api/v1/accounts/"+url.PathEscape(accountID), q)
	if err != nil {
		return nil, err
	}
	return decodeAccount(body)
}

// get performs one upstream GET and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, op, path string, q url.Values) (_ []byte, err error) {
	ctx, span := traces.StartSpan(ctx, "analytics."+op, traces.Operation(op))
	defer func() { traces.End(span, err) }()

	start := time.Now()
	defer func() {
		metrics.AnalyticsRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
			var se *StatusError
			if errors.As(err, &se) {
				outcome = strconv.Itoa(se.Code)
			}
		}
		metrics.AnalyticsRequestsTotal.WithLabelValues(op, outcome).Inc()
	}()

	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analytics %s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("analytics %s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{
			Operation:  op,
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(msg),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: %s response exceeds %d bytes", ErrInvalidResponse, op, maxResponseSize)
	}
	c.logger.Debug("analytics upstream call", "operation", op, "status", resp.StatusCode, "duration", time.Since(start))
	return body, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP-date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
