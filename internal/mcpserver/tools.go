package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the chanescrow operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Look up a channel sale by transaction ID. "+
			"Returns the transaction, its escrow account, the channel transfer progress, "+
			"any disputes and the reviews left by buyer and seller."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List recent transactions, newest first. "+
			"Filter by a participating user or by status to find stuck or disputed sales."),
	mcp.WithString("user_id",
		mcp.Description("Only transactions where this user is buyer or seller")),
	mcp.WithString("status",
		mcp.Description("Transaction status"),
		mcp.Enum("pending", "escrowed", "completed", "refunded", "cancelled")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolGetTransfer = mcp.NewTool("get_transfer",
	mcp.WithDescription(
		"Show which channel handoff steps (ownership, admin rights, gifts) are verified for a transaction, "+
			"and whether the transfer failed or was reversed."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Look up a dispute by ID, including its status, priority, reason and resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a dispute as the operator. A refund resolution returns money to the buyer, "+
			"transfer_completed releases the escrow to the seller once the channel handoff is done, "+
			"and rejected returns the escrow to its normal release path. This moves money and cannot be undone."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("Dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("Outcome of the dispute"),
		mcp.Enum("refund_full", "refund_partial", "transfer_completed", "rejected")),
	mcp.WithString("refund_amount",
		mcp.Description("Amount to refund for refund_partial (e.g. '12.50')")),
	mcp.WithString("notes",
		mcp.Description("Resolver notes kept on the dispute record")),
)

var ToolGetUserRating = mcp.NewTool("get_user_rating",
	mcp.WithDescription(
		"Get a user's average rating as a seller and as a buyer, with review counts."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("Marketplace user ID")),
)

var ToolQueryAudit = mcp.NewTool("query_audit",
	mcp.WithDescription(
		"Read the audit trail of state changes, newest first. "+
			"Use it to explain how a transaction reached its current state."),
	mcp.WithString("transaction_id",
		mcp.Description("Only entries for this transaction")),
	mcp.WithString("entity_type",
		mcp.Description("Only entries for this record type"),
		mcp.Enum("transaction", "escrow", "transfer", "dispute", "review", "offer")),
	mcp.WithString("severity",
		mcp.Description("Only entries of this severity"),
		mcp.Enum("info", "warning", "critical")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 25)")),
)
