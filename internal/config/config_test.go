package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/units"
	"github.com/mbd888/trustgate/pkg/x402"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func setHederaEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SETTLEMENT_NETWORK", "hedera-testnet")
	t.Setenv("HEDERA_OPERATOR_ID", "0.0.1001")
	t.Setenv("HEDERA_OPERATOR_KEY", "302e020100300506032b657004220420deadbeef")
	t.Setenv("PAY_TO", "0.0.2002")
}

func TestLoad_HederaDefaults(t *testing.T) {
	setHederaEnv(t)
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, x402.NetworkHederaTestnet, cfg.SettlementNetwork)
	assert.Equal(t, DefaultHederaNetwork, cfg.HederaNetwork)
	assert.Equal(t, DefaultHBARPrice, cfg.ProductPrice)
	assert.Equal(t, DefaultAnalyticsBaseURL, cfg.AnalyticsBaseURL)
	assert.Equal(t, DefaultAnalyticsCacheTTL, cfg.AnalyticsCacheTTL)
	assert.Equal(t, DefaultSettlementTimeout, cfg.SettlementTimeout)
	assert.Equal(t, "reject", cfg.ApprovalDefault)
	assert.Nil(t, cfg.ApprovalThresholdAmount())

	assert.Equal(t, "HBAR", cfg.Asset())
	assert.Equal(t, "HBAR", cfg.Currency())
	assert.Equal(t, units.HBARDecimals, cfg.Decimals())
}

func TestLoad_BaseSepolia(t *testing.T) {
	t.Setenv("SETTLEMENT_NETWORK", "base-sepolia")
	t.Setenv("PRIVATE_KEY", "0x"+testKey)
	t.Setenv("PAY_TO", "0x1234567890123456789012345678901234567890")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultUSDCContract, cfg.Asset())
	assert.Equal(t, "USDC", cfg.Currency())
	assert.Equal(t, units.USDCDecimals, cfg.Decimals())
	assert.Equal(t, DefaultUSDCPrice, cfg.ProductPrice)
}

func TestLoad_Overrides(t *testing.T) {
	setHederaEnv(t)
	t.Setenv("ANALYTICS_CACHE_TTL", "5m")
	t.Setenv("ANALYTICS_MAX_RETRIES", "7")
	t.Setenv("PRODUCT_PRICE", "123")
	t.Setenv("APPROVAL_THRESHOLD", "100000000")
	t.Setenv("APPROVAL_DEFAULT", "APPROVE")
	t.Setenv("RISK_OUTFLOW_RATIO", "0.25")
	t.Setenv("RISK_NEW_ACCOUNT_DAYS", "14")
	t.Setenv("BREAKER_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.AnalyticsCacheTTL)
	assert.Equal(t, 7, cfg.AnalyticsMaxRetries)
	assert.Equal(t, "123", cfg.ProductPrice)
	assert.Equal(t, big.NewInt(100_000_000), cfg.ApprovalThresholdAmount())
	assert.Equal(t, "approve", cfg.ApprovalDefault)
	assert.InDelta(t, 0.25, cfg.RiskOutflowRatio, 1e-9)
	assert.Equal(t, 14, cfg.RiskNewAccountDays)
	assert.Equal(t, DefaultBreakerTimeout, cfg.BreakerTimeout, "unparseable values keep the default")
}

func TestLoad_MissingOperator(t *testing.T) {
	setHederaEnv(t)
	t.Setenv("HEDERA_OPERATOR_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEDERA_OPERATOR_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	hedera := func() Config {
		return Config{
			SettlementNetwork: x402.NetworkHederaTestnet,
			HederaOperatorID:  "0.0.1001",
			HederaOperatorKey: "key",
			PayTo:             "0.0.2002",
			ProductPrice:      "100",
			ApprovalDefault:   "reject",
			AnalyticsBaseURL:  DefaultAnalyticsBaseURL,
		}
	}
	base := func() Config {
		return Config{
			SettlementNetwork: x402.NetworkBaseSepolia,
			PrivateKey:        testKey,
			RPCURL:            DefaultRPCURL,
			TokenContract:     DefaultUSDCContract,
			PayTo:             "0x1234567890123456789012345678901234567890",
			ProductPrice:      "100",
			ApprovalDefault:   "approve",
			AnalyticsBaseURL:  DefaultAnalyticsBaseURL,
		}
	}

	tests := []struct {
		name    string
		config  func() Config
		wantErr string
	}{
		{"valid hedera", hedera, ""},
		{"valid base", base, ""},
		{"unknown network", func() Config { c := hedera(); c.SettlementNetwork = "solana"; return c }, "SETTLEMENT_NETWORK"},
		{"bad operator id", func() Config { c := hedera(); c.HederaOperatorID = "1001"; return c }, "HEDERA_OPERATOR_ID"},
		{"evm pay to on hedera", func() Config { c := hedera(); c.PayTo = "0x1234567890123456789012345678901234567890"; return c }, "PAY_TO"},
		{"hedera pay to on base", func() Config { c := base(); c.PayTo = "0.0.2002"; return c }, "PAY_TO"},
		{"missing key", func() Config { c := base(); c.PrivateKey = ""; return c }, "PRIVATE_KEY is required"},
		{"short key", func() Config { c := base(); c.PrivateKey = "abc"; return c }, "64 hex characters"},
		{"non hex key", func() Config { c := base(); c.PrivateKey = testKey[:63] + "z"; return c }, "64 hex characters"},
		{"bad token", func() Config { c := base(); c.TokenContract = "usdc"; return c }, "TOKEN_CONTRACT"},
		{"zero price", func() Config { c := hedera(); c.ProductPrice = "0"; return c }, "PRODUCT_PRICE"},
		{"decimal price", func() Config { c := hedera(); c.ProductPrice = "0.5"; return c }, "PRODUCT_PRICE"},
		{"bad threshold", func() Config { c := hedera(); c.ApprovalThreshold = "lots"; return c }, "APPROVAL_THRESHOLD"},
		{"bad approval default", func() Config { c := hedera(); c.ApprovalDefault = "maybe"; return c }, "APPROVAL_DEFAULT"},
		{"negative product rate", func() Config { c := hedera(); c.ProductRateLimit = -1; return c }, "PRODUCT_RATE_LIMIT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_ProductionUpstreams(t *testing.T) {
	cfg := Config{
		Env:               "production",
		SettlementNetwork: x402.NetworkBaseSepolia,
		PrivateKey:        testKey,
		RPCURL:            "http://127.0.0.1:8545",
		TokenContract:     DefaultUSDCContract,
		PayTo:             "0x1234567890123456789012345678901234567890",
		ProductPrice:      "100",
		ApprovalDefault:   "reject",
		AnalyticsBaseURL:  "http://localhost:5551",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANALYTICS_BASE_URL")
	assert.Contains(t, err.Error(), "RPC_URL")

	cfg.Env = "development"
	assert.NoError(t, cfg.Validate(), "local upstreams are fine in development")
}

func TestConfig_Validate_ReportsAllProblems(t *testing.T) {
	cfg := Config{SettlementNetwork: x402.NetworkHederaTestnet, ApprovalDefault: "reject", AnalyticsBaseURL: "x"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEDERA_OPERATOR_ID")
	assert.Contains(t, err.Error(), "HEDERA_OPERATOR_KEY")
	assert.Contains(t, err.Error(), "PAY_TO")
	assert.Contains(t, err.Error(), "PRODUCT_PRICE")
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.True(t, cfg.IsProduction())
}
