// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/trustgate/internal/security"
	"github.com/mbd888/trustgate/internal/units"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Analytics provider
	AnalyticsBaseURL        string
	AnalyticsAPIKey         string
	AnalyticsCacheTTL       time.Duration
	AnalyticsMaxRetries     int
	AnalyticsRetryBaseDelay time.Duration

	// Settlement
	SettlementNetwork string // x402 network: "hedera-testnet" or "base-sepolia"
	SettlementTimeout time.Duration
	PayTo             string // recipient of settled payments

	// Native ledger (hedera-testnet)
	HederaNetwork     string // SDK network name, e.g. "testnet"
	HederaOperatorID  string
	HederaOperatorKey string

	// EVM (base-sepolia)
	RPCURL        string
	ChainID       int64
	PrivateKey    string // Hex-encoded, with or without 0x prefix
	TokenContract string

	// Product
	ProductID        string
	ProductPrice     string // smallest unit of the settlement asset
	ProductRateLimit int    // requests per minute per client, 0 = unlimited

	// Receipts and approval
	ReceiptHMACSecret string
	ApprovalThreshold string // smallest unit; empty disables approval
	ApprovalTimeout   time.Duration
	ApprovalDefault   string // "approve" or "reject" when nobody answers

	// Risk thresholds in tinybars; zero keeps the engine default
	RiskOutflowRatio   float64
	RiskOutflowFloor   int64
	RiskLargeTransfer  int64
	RiskNewAccountDays int

	// Resilience
	BreakerFailures  int
	BreakerSuccesses int
	BreakerTimeout   time.Duration
	RateLimitRPM     int // global per-IP limit

	// Tracing (optional)
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultAnalyticsBaseURL   = "https://testnet.mirrornode.hedera.com"
	DefaultAnalyticsCacheTTL  = 60 * time.Second
	DefaultAnalyticsRetries   = 3
	DefaultAnalyticsBaseDelay = 200 * time.Millisecond
	DefaultSettlementNetwork  = x402.NetworkHederaTestnet
	DefaultSettlementTimeout  = 30 * time.Second
	DefaultHederaNetwork      = "testnet"
	DefaultRPCURL             = "https://sepolia.base.org"
	DefaultChainID            = 84532                                        // Base Sepolia
	DefaultUSDCContract       = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultProductID          = "trust-score"
	DefaultHBARPrice          = "50000000" // 0.5 HBAR
	DefaultUSDCPrice          = "10000"    // 0.01 USDC
	DefaultProductRateLimit   = 30
	DefaultApprovalTimeout    = 30 * time.Second
	DefaultApprovalDefault    = "reject"
	DefaultBreakerFailures    = 5
	DefaultBreakerSuccesses   = 2
	DefaultBreakerTimeout     = 30 * time.Second
	DefaultRateLimit          = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	network := getEnv("SETTLEMENT_NETWORK", DefaultSettlementNetwork)
	defaultPrice := DefaultHBARPrice
	if network == x402.NetworkBaseSepolia {
		defaultPrice = DefaultUSDCPrice
	}

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		AnalyticsBaseURL:        getEnv("ANALYTICS_BASE_URL", DefaultAnalyticsBaseURL),
		AnalyticsAPIKey:         os.Getenv("ANALYTICS_API_KEY"),
		AnalyticsCacheTTL:       getEnvDuration("ANALYTICS_CACHE_TTL", DefaultAnalyticsCacheTTL),
		AnalyticsMaxRetries:     getEnvInt("ANALYTICS_MAX_RETRIES", DefaultAnalyticsRetries),
		AnalyticsRetryBaseDelay: getEnvDuration("ANALYTICS_RETRY_BASE_DELAY", DefaultAnalyticsBaseDelay),
		SettlementNetwork:       network,
		SettlementTimeout:       getEnvDuration("SETTLEMENT_TIMEOUT", DefaultSettlementTimeout),
		PayTo:                   os.Getenv("PAY_TO"),
		HederaNetwork:           getEnv("HEDERA_NETWORK", DefaultHederaNetwork),
		HederaOperatorID:        os.Getenv("HEDERA_OPERATOR_ID"),
		HederaOperatorKey:       os.Getenv("HEDERA_OPERATOR_KEY"),
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		TokenContract:           getEnv("TOKEN_CONTRACT", DefaultUSDCContract),
		ProductID:               getEnv("PRODUCT_ID", DefaultProductID),
		ProductPrice:            getEnv("PRODUCT_PRICE", defaultPrice),
		ProductRateLimit:        getEnvInt("PRODUCT_RATE_LIMIT", DefaultProductRateLimit),
		ReceiptHMACSecret:       os.Getenv("RECEIPT_HMAC_SECRET"),
		ApprovalThreshold:       os.Getenv("APPROVAL_THRESHOLD"),
		ApprovalTimeout:         getEnvDuration("APPROVAL_TIMEOUT", DefaultApprovalTimeout),
		ApprovalDefault:         strings.ToLower(getEnv("APPROVAL_DEFAULT", DefaultApprovalDefault)),
		RiskOutflowRatio:        getEnvFloat("RISK_OUTFLOW_RATIO", 0),
		RiskOutflowFloor:        getEnvInt64("RISK_OUTFLOW_FLOOR", 0),
		RiskLargeTransfer:       getEnvInt64("RISK_LARGE_TRANSFER", 0),
		RiskNewAccountDays:      getEnvInt("RISK_NEW_ACCOUNT_DAYS", 0),
		BreakerFailures:         getEnvInt("BREAKER_FAILURE_THRESHOLD", DefaultBreakerFailures),
		BreakerSuccesses:        getEnvInt("BREAKER_SUCCESS_THRESHOLD", DefaultBreakerSuccesses),
		BreakerTimeout:          getEnvDuration("BREAKER_TIMEOUT", DefaultBreakerTimeout),
		RateLimitRPM:            getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	switch c.SettlementNetwork {
	case x402.NetworkHederaTestnet:
		if !validation.IsValidHederaAccountID(c.HederaOperatorID) {
			errs = append(errs, errors.New("HEDERA_OPERATOR_ID must be a shard.realm.num account id"))
		}
		if c.HederaOperatorKey == "" {
			errs = append(errs, errors.New("HEDERA_OPERATOR_KEY is required"))
		}
		if !validation.IsValidHederaAccountID(c.PayTo) {
			errs = append(errs, errors.New("PAY_TO must be a shard.realm.num account id on hedera-testnet"))
		}
	case x402.NetworkBaseSepolia:
		if err := validatePrivateKey(c.PrivateKey); err != nil {
			errs = append(errs, err)
		}
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required"))
		}
		if !validation.IsValidEthAddress(c.TokenContract) {
			errs = append(errs, errors.New("TOKEN_CONTRACT must be a 0x address"))
		}
		if !validation.IsValidEthAddress(c.PayTo) {
			errs = append(errs, errors.New("PAY_TO must be a 0x address on base-sepolia"))
		}
	default:
		errs = append(errs, fmt.Errorf("SETTLEMENT_NETWORK must be %s or %s, got %q",
			x402.NetworkHederaTestnet, x402.NetworkBaseSepolia, c.SettlementNetwork))
	}

	if v, ok := units.ParseSmallest(c.ProductPrice); !ok || v.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("PRODUCT_PRICE must be a positive integer in the asset's smallest unit, got %q", c.ProductPrice))
	}
	if c.ApprovalThreshold != "" {
		if _, ok := units.ParseSmallest(c.ApprovalThreshold); !ok {
			errs = append(errs, fmt.Errorf("APPROVAL_THRESHOLD must be an integer, got %q", c.ApprovalThreshold))
		}
	}
	if c.ApprovalDefault != "approve" && c.ApprovalDefault != "reject" {
		errs = append(errs, fmt.Errorf("APPROVAL_DEFAULT must be approve or reject, got %q", c.ApprovalDefault))
	}
	if c.AnalyticsBaseURL == "" {
		errs = append(errs, errors.New("ANALYTICS_BASE_URL is required"))
	}
	if c.IsProduction() {
		// Upstreams must be public TLS endpoints outside development.
		if err := security.ValidateUpstreamURL(c.AnalyticsBaseURL, true); err != nil {
			errs = append(errs, fmt.Errorf("ANALYTICS_BASE_URL: %w", err))
		}
		if c.SettlementNetwork == x402.NetworkBaseSepolia {
			if err := security.ValidateUpstreamURL(c.RPCURL, true); err != nil {
				errs = append(errs, fmt.Errorf("RPC_URL: %w", err))
			}
		}
	}
	if c.ProductRateLimit < 0 {
		errs = append(errs, errors.New("PRODUCT_RATE_LIMIT must not be negative"))
	}

	return errors.Join(errs...)
}

func validatePrivateKey(key string) error {
	if key == "" {
		return errors.New("PRIVATE_KEY is required")
	}
	// Allow both with and without 0x prefix
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 || !validation.IsValidHex(key) {
		return errors.New("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Asset is the x402 asset identifier for the settlement network.
func (c *Config) Asset() string {
	if c.SettlementNetwork == x402.NetworkBaseSepolia {
		return c.TokenContract
	}
	return "HBAR"
}

// Currency is the display name of the settlement asset.
func (c *Config) Currency() string {
	if c.SettlementNetwork == x402.NetworkBaseSepolia {
		return "USDC"
	}
	return "HBAR"
}

// Decimals is the precision of the settlement asset.
func (c *Config) Decimals() int {
	if c.SettlementNetwork == x402.NetworkBaseSepolia {
		return units.USDCDecimals
	}
	return units.HBARDecimals
}

// ApprovalThresholdAmount returns the parsed threshold, or nil when approval
// is disabled.
func (c *Config) ApprovalThresholdAmount() *big.Int {
	if c.ApprovalThreshold == "" {
		return nil
	}
	v, ok := units.ParseSmallest(c.ApprovalThreshold)
	if !ok || v.Sign() <= 0 {
		return nil
	}
	return v
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
