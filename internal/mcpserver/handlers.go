package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/trustgate/internal/units"
	"github.com/mbd888/trustgate/internal/validation"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *TrustGateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *TrustGateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTrustScore fetches and pays for a trust score.
func (h *Handlers) HandleGetTrustScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID, errResult := accountArg(req)
	if errResult != nil {
		return errResult, nil
	}

	result, err := h.client.GetTrustScore(ctx, accountID)
	if err != nil {
		var prErr *PaymentRequiredError
		if errors.As(err, &prErr) {
			return mcp.NewToolResultError(formatPaymentRequired(prErr, h.client.cfg.Payer != "")), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trust score: %v", err)), nil
	}

	text, err := formatTrustScore(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trust score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleQuoteTrustScore reports the price of a trust score.
func (h *Handlers) HandleQuoteTrustScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	accountID, errResult := accountArg(req)
	if errResult != nil {
		return errResult, nil
	}

	challenge, err := h.client.Quote(ctx, accountID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quote: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trust score for %s costs:\n", accountID)
	for _, r := range challenge.Accepts {
		sb.WriteString(formatRequirement(r))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListPaymentSchemes lists the accepted payment kinds.
func (h *Handlers) HandleListPaymentSchemes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPaymentSchemes(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list payment schemes: %v", err)), nil
	}

	var resp struct {
		Kinds []struct {
			X402Version int    `json:"x402Version"`
			Scheme      string `json:"scheme"`
			Network     string `json:"network"`
		} `json:"kinds"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse payment schemes: %v", err)), nil
	}
	if len(resp.Kinds) == 0 {
		return mcp.NewToolResultText("No payment schemes are currently accepted."), nil
	}

	var sb strings.Builder
	sb.WriteString("Accepted payment schemes:\n")
	for _, k := range resp.Kinds {
		fmt.Fprintf(&sb, "  - %s on %s (x402 v%d)\n", k.Scheme, k.Network, k.X402Version)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func accountArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	accountID := validation.SanitizeAccountID(req.GetString("account_id", ""))
	if errs := validation.ValidateAccountID("account_id", accountID); len(errs) > 0 {
		return "", mcp.NewToolResultError(errs[0].Field + " " + errs[0].Message)
	}
	return accountID, nil
}

// --- Formatting helpers ---

type scoreBody struct {
	Account    string         `json:"account"`
	Score      int            `json:"score"`
	Tier       string         `json:"tier"`
	Components map[string]int `json:"components"`
	RiskFlags  []struct {
		Type        string `json:"type"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"riskFlags"`
	Receipt *struct {
		ID          string `json:"id"`
		Amount      string `json:"amount"`
		Currency    string `json:"currency"`
		Network     string `json:"network"`
		Status      string `json:"status"`
		Settled     bool   `json:"settled"`
		Transaction string `json:"transaction"`
		Error       string `json:"error"`
	} `json:"receipt"`
}

// componentOrder matches the order the score is documented in.
var componentOrder = []string{"accountAge", "diversity", "volatility", "tokenHealth", "hcsQuality", "riskPenalty"}

func formatTrustScore(result *ScoreResult) (string, error) {
	var body scoreBody
	if err := json.Unmarshal(result.Body, &body); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trust Score for %s: %d/100 (%s)\n", body.Account, body.Score, body.Tier)

	if len(body.Components) > 0 {
		sb.WriteString("\nComponents:\n")
		for _, name := range componentOrder {
			if v, ok := body.Components[name]; ok {
				fmt.Fprintf(&sb, "  %-12s %+d\n", name+":", v)
			}
		}
	}

	if len(body.RiskFlags) > 0 {
		sb.WriteString("\nRisk Flags:\n")
		for _, f := range body.RiskFlags {
			fmt.Fprintf(&sb, "  - [%s] %s: %s\n", f.Severity, f.Type, f.Description)
		}
	} else {
		sb.WriteString("\nRisk Flags: none\n")
	}

	if r := body.Receipt; r != nil {
		fmt.Fprintf(&sb, "\nPayment: %s %s on %s\n", formatAmount(r.Amount, r.Currency), r.Currency, r.Network)
		switch {
		case r.Settled:
			fmt.Fprintf(&sb, "  Settled: %s\n", r.Transaction)
		case r.Error != "":
			fmt.Fprintf(&sb, "  Not settled: %s\n", r.Error)
		default:
			fmt.Fprintf(&sb, "  Status: %s\n", r.Status)
		}
		fmt.Fprintf(&sb, "  Receipt: %s\n", r.ID)
	} else if s := result.Settlement; s != nil && s.Success {
		fmt.Fprintf(&sb, "\nPayment settled on %s: %s\n", s.Network, s.Transaction)
	}

	return sb.String(), nil
}

func formatPaymentRequired(err *PaymentRequiredError, hasPayer bool) string {
	var sb strings.Builder
	switch {
	case err.Challenge.Reason != "":
		fmt.Fprintf(&sb, "Payment was rejected (%s).\n", err.Challenge.Reason)
	case !hasPayer:
		sb.WriteString("Payment required, but no payer account is configured.\n")
	default:
		sb.WriteString("Payment required.\n")
	}
	for _, r := range err.Challenge.Accepts {
		sb.WriteString(formatRequirement(r))
	}
	return sb.String()
}

func formatRequirement(r x402.PaymentRequirements) string {
	currency := "USDC"
	if r.Asset == "HBAR" {
		currency = "HBAR"
	}
	return fmt.Sprintf("  - %s %s on %s to %s (scheme %s, valid %ds)\n",
		formatAmount(r.MaxAmountRequired, currency), currency, r.Network, r.PayTo, r.Scheme, r.MaxTimeoutSeconds)
}

// formatAmount renders a smallest-unit amount in whole units, or returns
// it unchanged when it does not parse.
func formatAmount(amount, currency string) string {
	v, ok := units.ParseSmallest(amount)
	if !ok {
		return amount
	}
	decimals := units.USDCDecimals
	if currency == "HBAR" {
		decimals = units.HBARDecimals
	}
	return units.Format(v, decimals)
}
