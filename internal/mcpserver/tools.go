package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the trustgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTrustScore = mcp.NewTool("get_trust_score",
	mcp.WithDescription(
		"Get the trust score (0-100) of a ledger account before transacting with it. "+
			"Pays the per-call price automatically from the configured payer account. "+
			"Returns the score, its tier (new/emerging/established/trusted/elite), "+
			"the component breakdown, risk flags, and a payment receipt."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("Hedera account ID in shard.realm.num form (e.g. '0.0.12345') or its 0x EVM alias")),
)

var ToolQuoteTrustScore = mcp.NewTool("quote_trust_score",
	mcp.WithDescription(
		"Show what a trust score costs without paying for it. "+
			"Returns the price, the asset, the settlement network, and where payment goes."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("Hedera account ID in shard.realm.num form (e.g. '0.0.12345') or its 0x EVM alias")),
)

var ToolListPaymentSchemes = mcp.NewTool("list_payment_schemes",
	mcp.WithDescription(
		"List the x402 payment schemes and settlement networks the trust score service accepts."),
)
