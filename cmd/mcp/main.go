// trustgate MCP server - exposes paid trust scores as MCP tools for LLMs
package main

import (
	"fmt"
	"math/big"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustgate/internal/mcpserver"
	"github.com/mbd888/trustgate/internal/validation"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TRUSTGATE_API_URL", "http://localhost:8080"),
		Payer:   os.Getenv("TRUSTGATE_PAYER"),
		Network: os.Getenv("TRUSTGATE_NETWORK"),
	}

	if cfg.Payer != "" && !validation.IsValidAccountID(cfg.Payer) {
		fmt.Fprintln(os.Stderr, "TRUSTGATE_PAYER must be a Hedera account id (0.0.1234) or EVM address (0x...)")
		os.Exit(1)
	}
	if v := os.Getenv("TRUSTGATE_MAX_PAYMENT"); v != "" {
		limit, ok := new(big.Int).SetString(v, 10)
		if !ok || limit.Sign() <= 0 {
			fmt.Fprintln(os.Stderr, "TRUSTGATE_MAX_PAYMENT must be a positive integer in the asset's smallest unit")
			os.Exit(1)
		}
		cfg.MaxPayment = limit
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
