package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the payment dashboard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetOverview = mcp.NewTool("get_overview",
	mcp.WithDescription(
		"Get the payment system overview: how many payments are awaiting verification, "+
			"how many payments were processed today, and the backend's health status. "+
			"Each figure is reported independently; one unavailable figure does not hide the others."),
)

var ToolListActivePayments = mcp.NewTool("list_active_payments",
	mcp.WithDescription(
		"List payments received but not yet claimed by a verification. "+
			"Shows payment ID, payer email, amount, and when each payment arrived."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to show (default 20)")),
)

var ToolListProcessedPayments = mcp.NewTool("list_processed_payments",
	mcp.WithDescription(
		"List processed messages and the payments they matched. "+
			"An entry whose payment detail is gone has been claimed by a verification; "+
			"an entry still carrying its payment is unclaimed. "+
			"Use today_only to restrict to payments dated today."),
	mcp.WithBoolean("today_only",
		mcp.Description("Only include entries whose payment date is today")),
	mcp.WithString("filter",
		mcp.Description("Restrict to 'claimed' entries (payment consumed) or 'unclaimed' ones (payment still held)"),
		mcp.Enum("all", "claimed", "unclaimed")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to show (default 20)")),
)

var ToolGetBackendHealth = mcp.NewTool("get_backend_health",
	mcp.WithDescription(
		"Get the payment backend's health: overall status (UP, DOWN, STALE, UNKNOWN), "+
			"heartbeat age, and which internal dependencies are running."),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription(
		"Check whether a payment from the given email for the given amount has been received. "+
			"Sent once, never retried. A successful verification claims the payment."),
	mcp.WithString("email",
		mcp.Required(),
		mcp.Description("Payer email address (e.g. 'customer@example.com')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Payment amount as a decimal (e.g. '25.00')")),
)
