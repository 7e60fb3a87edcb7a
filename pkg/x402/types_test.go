package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequirements() PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           NetworkHederaTestnet,
		Asset:             "HBAR",
		PayTo:             "0.0.1234",
		MaxAmountRequired: "50000000",
		Resource:          "/v1/trust-score/0.0.5678",
		MaxTimeoutSeconds: 60,
	}
}

func TestIs402Response(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"402 response", http.StatusPaymentRequired, true},
		{"200 response", http.StatusOK, false},
		{"401 response", http.StatusUnauthorized, false},
		{"500 response", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.statusCode}
			assert.Equal(t, tt.want, Is402Response(resp))
		})
	}
}

func TestParsePaymentRequired(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    bool
		wantPayTo  string
	}{
		{
			name:       "valid 402 response",
			statusCode: http.StatusPaymentRequired,
			body:       `{"error":"payment_required","x402Version":1,"accepts":[{"scheme":"exact","network":"hedera-testnet","payTo":"0.0.1234","maxAmountRequired":"100"}]}`,
			wantPayTo:  "0.0.1234",
		},
		{
			name:       "not 402 response",
			statusCode: http.StatusOK,
			body:       `{}`,
			wantErr:    true,
		},
		{
			name:       "invalid JSON",
			statusCode: http.StatusPaymentRequired,
			body:       `not-json`,
			wantErr:    true,
		},
		{
			name:       "no accepts",
			statusCode: http.StatusPaymentRequired,
			body:       `{"error":"payment_required","x402Version":1,"accepts":[]}`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Body:       io.NopCloser(bytes.NewBufferString(tt.body)),
			}

			pr, err := ParsePaymentRequired(resp)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantPayTo, pr.Accepts[0].PayTo)
		})
	}
}

func TestEncodeDecodePayment(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := NewExactPayload(testRequirements(), "0.0.5678", "nonce-1", now)

	header, err := EncodeHeader(payload)
	require.NoError(t, err)

	decoded, err := DecodePayment(header)
	require.NoError(t, err)
	assert.Equal(t, Version, decoded.X402Version)
	assert.Equal(t, SchemeExact, decoded.Scheme)
	require.NotNil(t, decoded.Payload.Authorization)
	assert.Equal(t, "0.0.1234", decoded.Payload.Authorization.To)
	assert.Equal(t, "50000000", decoded.Payload.Authorization.Value)
	assert.Equal(t, "1700000000", decoded.Payload.Authorization.ValidAfter)
	assert.Equal(t, "1700000060", decoded.Payload.Authorization.ValidBefore)
}

func TestDecodePayment_URLSafe(t *testing.T) {
	raw, err := json.Marshal(NewExactPayload(testRequirements(), "a", "n", time.Unix(0, 0)))
	require.NoError(t, err)

	decoded, err := DecodePayment(base64.RawURLEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, NetworkHederaTestnet, decoded.Network)
}

func TestDecodePayment_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"wrong shape", base64.StdEncoding.EncodeToString([]byte(`{"x402Version":"one"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayment(tt.header)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestDecodeSettlement(t *testing.T) {
	header, err := EncodeHeader(SettlementResponse{Success: true, Transaction: "0.0.2@1.2", Network: NetworkHederaTestnet})
	require.NoError(t, err)

	s, err := DecodeSettlement(header)
	require.NoError(t, err)
	assert.True(t, s.Success)
	assert.Equal(t, "0.0.2@1.2", s.Transaction)

	_, err = DecodeSettlement("%%%")
	assert.Error(t, err)
}

func TestError(t *testing.T) {
	err := &Error{
		Code:    "payment_required",
		Message: "payment needed",
	}

	assert.Equal(t, "payment_required: payment needed", err.Error())
}

// Integration-style tests with mock server

func TestClient_Get_NoPay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":"success"}`))
	}))
	defer server.Close()

	client := NewClient(nil)

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Get_402_NoPay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"payment_required","x402Version":1,"accepts":[{"scheme":"exact","network":"hedera-testnet"}]}`))
	}))
	defer server.Close()

	client := NewClient(nil)

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func paywalledServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		header := r.Header.Get(HeaderPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(PaymentRequiredResponse{
				Error:       "payment_required",
				X402Version: Version,
				Accepts:     []PaymentRequirements{testRequirements()},
			})
			return
		}
		p, err := DecodePayment(header)
		if err != nil || p.Payload.Authorization == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"score":60}`))
	}))
}

func TestClient_AutoPay(t *testing.T) {
	var hits atomic.Int32
	server := paywalledServer(t, &hits)
	defer server.Close()

	var paid int
	client := NewClient(func(_ context.Context, req PaymentRequirements) (*PaymentPayload, error) {
		paid++
		return NewExactPayload(req, "0.0.5678", "n1", time.Now()), nil
	})
	var hooked bool
	client.OnPayment = func(req *PaymentRequirements, _ *PaymentPayload) {
		hooked = true
		assert.Equal(t, "0.0.1234", req.PayTo)
	}

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, paid)
	assert.True(t, hooked)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_PaymentLimit(t *testing.T) {
	var hits atomic.Int32
	server := paywalledServer(t, &hits)
	defer server.Close()

	client := NewClient(func(_ context.Context, req PaymentRequirements) (*PaymentPayload, error) {
		t.Fatal("should not pay above the limit")
		return nil, nil
	})
	client.MaxPayment = big.NewInt(100)

	_, err := client.Get(context.Background(), server.URL)
	assert.True(t, errors.Is(err, ErrPaymentLimit))
}

func TestClient_NoMatchingNetwork(t *testing.T) {
	var hits atomic.Int32
	server := paywalledServer(t, &hits)
	defer server.Close()

	client := NewClient(func(_ context.Context, req PaymentRequirements) (*PaymentPayload, error) {
		return nil, errors.New("unreachable")
	})
	client.Network = NetworkBaseSepolia

	_, err := client.Get(context.Background(), server.URL)
	assert.Error(t, err)
}

func BenchmarkDecodePayment(b *testing.B) {
	header, _ := EncodeHeader(NewExactPayload(testRequirements(), "0.0.5678", "n", time.Unix(0, 0)))

	for i := 0; i < b.N; i++ {
		_, _ = DecodePayment(header)
	}
}
