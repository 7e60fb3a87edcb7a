package analytics

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/retry"
)

const accountJSON = `{
  "account": "0.0.5678",
  "balance": {"balance": 250000000000, "tokens": [{"token_id": "0.0.9001", "balance": 40}, {"token_id": "0.0.9002", "balance": 60}]},
  "created_timestamp": "1700000000.123456789",
  "evm_address": "0x00000000000000000000000000000000000016ee",
  "memo": "treasury",
  "deleted": false,
  "transactions": [
    {
      "transaction_id": "0.0.5678-1700000100-000000001",
      "consensus_timestamp": "1700000100.5",
      "name": "CRYPTOTRANSFER",
      "result": "SUCCESS",
      "memo_base64": "aGVsbG8=",
      "transfers": [{"account": "0.0.5678", "amount": -1000}, {"account": "0.0.98", "amount": 1000}],
      "token_transfers": [{"token_id": "0.0.9001", "account": "0.0.5678", "amount": 5}]
    }
  ]
}`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clock := &fakeClock{t: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		DefaultTTL:     5 * time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewClient(cfg, opts...), clock
}

func counterValue(t *testing.T, op, result string) float64 {
	t.Helper()
	c, err := metrics.AnalyticsCacheTotal.GetMetricWithLabelValues(op, result)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func TestGetAccountInfo(t *testing.T) {
	var gotKey, gotPath string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(accountJSON))
	})

	info, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "/api/v1/accounts/0.0.5678", gotPath)
	assert.Equal(t, "0.0.5678", info.AccountID)
	assert.Equal(t, int64(250000000000), info.Balance)
	assert.Equal(t, time.Unix(1700000000, 123456789).UTC(), info.CreatedAt)
	assert.Equal(t, "treasury", info.Memo)
}

func TestGetTransactions(t *testing.T) {
	var gotQuery string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(accountJSON))
	})

	txs, err := client.GetTransactions(context.Background(), "0.0.5678", 25)
	require.NoError(t, err)

	assert.Contains(t, gotQuery, "limit=25")
	assert.Contains(t, gotQuery, "order=desc")
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, "hello", tx.Memo)
	assert.Equal(t, time.Unix(1700000100, 500000000).UTC(), tx.ConsensusTimestamp)
	assert.Equal(t, []Transfer{{Account: "0.0.5678", Amount: -1000}, {Account: "0.0.98", Amount: 1000}}, tx.Transfers)
	require.Len(t, tx.TokenTransfers, 1)
	assert.Equal(t, "0.0.9001", tx.TokenTransfers[0].TokenID)
}

func TestGetTokenBalances(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(accountJSON))
	})

	tokens, err := client.GetTokenBalances(context.Background(), "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, []TokenBalance{{TokenID: "0.0.9001", Balance: 40}, {TokenID: "0.0.9002", Balance: 60}}, tokens)
}

func TestGetTokenBalances_NoBalanceBlock(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"account":"0.0.1"}`))
	})

	tokens, err := client.GetTokenBalances(context.Background(), "0.0.1")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestGetHCSMessages(t *testing.T) {
	var topics []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		topics = r.URL.Query()["topic.id"]
		assert.Equal(t, "/api/v1/accounts/0.0.5678/messages", r.URL.Path)
		body := `{"messages":[{"topic_id":"0.0.777","sequence_number":3,"consensus_timestamp":"1700000200.0","payer_account_id":"0.0.5678","message":"` +
			base64.StdEncoding.EncodeToString([]byte("verified partner")) + `"}]}`
		_, _ = w.Write([]byte(body))
	})

	msgs, err := client.GetHCSMessages(context.Background(), "0.0.5678", "0.0.888", "0.0.777")
	require.NoError(t, err)

	assert.Equal(t, []string{"0.0.777", "0.0.888"}, topics)
	require.Len(t, msgs, 1)
	assert.Equal(t, "verified partner", msgs[0].Message)
	assert.Equal(t, int64(3), msgs[0].SequenceNumber)
}

func TestCache_HitAndExpiry(t *testing.T) {
	var hits atomic.Int32
	client, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(accountJSON))
	})
	ctx := context.Background()

	missBefore := counterValue(t, OpAccountInfo, "miss")
	hitBefore := counterValue(t, OpAccountInfo, "hit")

	_, err := client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)
	_, err = client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load(), "second call within TTL must be served from cache")
	assert.Equal(t, missBefore+1, counterValue(t, OpAccountInfo, "miss"))
	assert.Equal(t, hitBefore+1, counterValue(t, OpAccountInfo, "hit"))

	// Exactly at TTL the entry is still visible.
	clock.Advance(5 * time.Minute)
	_, err = client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	clock.Advance(time.Nanosecond)
	_, err = client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "expired entry must be refetched")
}

func TestCache_ConcurrentMissesShareOneFetch(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = w.Write([]byte(accountJSON))
	})
	ctx := context.Background()

	const callers = 5
	errs := make(chan error, callers)
	for range callers {
		go func() {
			_, err := client.GetAccountInfo(ctx, "0.0.5678")
			errs <- err
		}()
	}

	<-started
	close(release)
	for range callers {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), hits.Load(), "waiters must reuse the entry filled by the first caller")
}

func TestCache_TransactionsUseHalfTTL(t *testing.T) {
	var hits atomic.Int32
	client, clock := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(accountJSON))
	})
	ctx := context.Background()

	_, err := client.GetTransactions(ctx, "0.0.5678", 100)
	require.NoError(t, err)
	_, err = client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())

	clock.Advance(3 * time.Minute)

	_, err = client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "account info still fresh")

	_, err = client.GetTransactions(ctx, "0.0.5678", 100)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load(), "transactions expire at half TTL")
}

func TestCache_KeyIncludesParams(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(accountJSON))
	})
	ctx := context.Background()

	_, _ = client.GetTransactions(ctx, "0.0.5678", 10)
	_, _ = client.GetTransactions(ctx, "0.0.5678", 20)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2, client.CacheSize())

	_, _ = client.GetTransactions(ctx, "0.0.9999", 10)
	assert.Equal(t, 3, client.CacheSize())

	assert.Equal(t, 2, client.InvalidateAccount("0.0.5678"))
	assert.Equal(t, 1, client.CacheSize())

	_, _ = client.GetTransactions(ctx, "0.0.5678", 10)
	assert.Equal(t, int32(4), hits.Load(), "invalidated entry is refetched")
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(accountJSON))
	})

	info, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, "0.0.5678", info.AccountID)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRetry_RateLimitedThenSuccess(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(accountJSON))
	})

	_, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRetry_RetryAfterHintIsCapped(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(accountJSON))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.GetAccountInfo(ctx, "0.0.5678")
	require.NoError(t, err, "an hour-long hint must not stall the fill")
	assert.Equal(t, int32(2), hits.Load())
}

func TestClassify_CapsRetryAfter(t *testing.T) {
	err := classify(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Hour}, 4*time.Second)
	var ra *retry.RetryAfterError
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, 4*time.Second, ra.After)

	err = classify(&StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Second}, 4*time.Second)
	require.True(t, errors.As(err, &ra))
	assert.Equal(t, time.Second, ra.After)
}

func TestNewClient_DefaultRetryAfterCap(t *testing.T) {
	c := NewClient(Config{MaxRetries: 3, RetryBaseDelay: time.Second})
	assert.Equal(t, 4*time.Second, c.cfg.MaxRetryAfter)

	c = NewClient(Config{MaxRetryAfter: time.Minute})
	assert.Equal(t, time.Minute, c.cfg.MaxRetryAfter)
}

func TestOversizedResponseRejected(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(make([]byte, maxResponseSize+1))
	})

	_, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.Equal(t, int32(1), hits.Load(), "oversized responses are not retried")
}

func TestRetry_ExhaustedReturnsLastError(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	})

	_, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.Error(t, err)
	assert.Equal(t, int32(3), hits.Load())

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "down", se.Body)
	assert.Equal(t, 0, client.CacheSize(), "failures are never cached")
}

func TestRetry_ClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetAccountInfo(context.Background(), "0.0.404")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), hits.Load(), "404 must not be retried")
}

func TestInvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "<html>"},
		{"missing account", `{"balance":{"balance":1}}`},
		{"bad timestamp", `{"account":"0.0.1","created_timestamp":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetAccountInfo(context.Background(), "0.0.1")
			assert.ErrorIs(t, err, ErrInvalidResponse)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestBreaker_OpenFailsFast(t *testing.T) {
	var hits atomic.Int32
	breaker := circuitbreaker.New(BreakerName, circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Hour,
		IsFailure:        IsOutage,
	})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithBreaker(breaker))

	_, err := client.GetAccountInfo(context.Background(), "0.0.5678")
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
	assert.Equal(t, int32(2), hits.Load(), "third attempt rejected by the open circuit")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	_, err = client.GetTokenBalances(context.Background(), "0.0.5678")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load(), "open circuit must not reach upstream")
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	breaker := circuitbreaker.New(BreakerName, circuitbreaker.Config{FailureThreshold: 1, IsFailure: IsOutage})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}, WithBreaker(breaker))

	_, err := client.GetAccountInfo(context.Background(), "bad")
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestContextCancelled(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.GetAccountInfo(ctx, "0.0.5678")
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"1700000000.000000001", time.Unix(1700000000, 1).UTC(), false},
		{"1700000000.5", time.Unix(1700000000, 500000000).UTC(), false},
		{"1700000000", time.Unix(1700000000, 0).UTC(), false},
		{"1700000000.1234567891", time.Unix(1700000000, 123456789).UTC(), false},
		{"abc.1", time.Time{}, true},
		{"1.x", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidResponse, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestStatusError(t *testing.T) {
	assert.True(t, (&StatusError{Code: 404}).Permanent())
	assert.False(t, (&StatusError{Code: 429}).Permanent())
	assert.False(t, (&StatusError{Code: 500}).Permanent())
	assert.ErrorIs(t, &StatusError{Code: 404}, ErrNotFound)
	assert.NotErrorIs(t, &StatusError{Code: 500}, ErrNotFound)
	assert.Equal(t, "analytics account_info: upstream status 502", (&StatusError{Operation: OpAccountInfo, Code: 502}).Error())
}
