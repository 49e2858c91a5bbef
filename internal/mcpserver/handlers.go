package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/paydash/internal/backend"
	"github.com/mbd888/paydash/internal/circuitbreaker"
	"github.com/mbd888/paydash/internal/classify"
)

const defaultLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *DashboardClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *DashboardClient) *Handlers {
	return &Handlers{client: client}
}

// describeErr renders a backend error for a tool result.
func describeErr(err error) string {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "backend endpoint is failing repeatedly; try again shortly"
	}
	return fmt.Sprintf("%v (%s)", err, backend.KindOf(err))
}

// HandleGetOverview reports the three summary figures independently.
func (h *Handlers) HandleGetOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder
	sb.WriteString("Payment overview:\n")

	failures := 0

	if active, err := h.client.ListActive(ctx); err != nil {
		failures++
		fmt.Fprintf(&sb, "  Active payments:     unavailable: %s\n", describeErr(err))
	} else {
		fmt.Fprintf(&sb, "  Active payments:     %d\n", len(active.Payments))
	}

	if processed, err := h.client.ListProcessed(ctx); err != nil {
		failures++
		fmt.Fprintf(&sb, "  Processed today:     unavailable: %s\n", describeErr(err))
	} else {
		fmt.Fprintf(&sb, "  Processed today:     %d\n", classify.TodayCount(processed.Entries, h.client.now()))
	}

	if hs, err := h.client.Health(ctx); err != nil {
		failures++
		fmt.Fprintf(&sb, "  System health:       unavailable: %s\n", describeErr(err))
	} else {
		fmt.Fprintf(&sb, "  System health:       %s\n", hs.Status)
	}

	if failures == 3 {
		return mcp.NewToolResultError(sb.String()), nil
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListActivePayments lists payments awaiting verification.
func (h *Handlers) HandleListActivePayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}

	active, err := h.client.ListActive(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list active payments: %s", describeErr(err))), nil
	}

	return mcp.NewToolResultText(formatActive(active.Payments, limit)), nil
}

// HandleListProcessedPayments lists processed entries with optional filters.
func (h *Handlers) HandleListProcessedPayments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	filter := req.GetString("filter", "all")
	switch filter {
	case "all", "claimed", "unclaimed":
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown filter %q: use all, claimed or unclaimed", filter)), nil
	}

	processed, err := h.client.ListProcessed(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list processed payments: %s", describeErr(err))), nil
	}

	entries := processed.Entries
	if req.GetBool("today_only", false) {
		entries = classify.FilterToday(entries, h.client.now())
	}
	claimed, unclaimed := classify.Partition(entries)
	switch filter {
	case "claimed":
		entries = claimed
	case "unclaimed":
		entries = unclaimed
	}

	return mcp.NewToolResultText(formatProcessed(entries, len(claimed), len(unclaimed), limit)), nil
}

// HandleGetBackendHealth reports the backend health snapshot.
func (h *Handlers) HandleGetBackendHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hs, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get backend health: %s", describeErr(err))), nil
	}
	return mcp.NewToolResultText(formatHealth(hs)), nil
}

// HandleVerifyPayment runs one verification.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := h.client.Verify(ctx, req.GetString("email", ""), req.GetString("amount", ""))

	if !res.Success {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Verification failed: %s", res.Message)
		if res.HTTPStatus != 0 {
			fmt.Fprintf(&sb, "\nHTTP status: %d", res.HTTPStatus)
		}
		if res.ErrorKind != "" {
			fmt.Fprintf(&sb, "\nError kind: %s", res.ErrorKind)
		}
		return mcp.NewToolResultError(sb.String()), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment verified: %s\n", res.Message)
	if p := res.Payment; p != nil {
		fmt.Fprintf(&sb, "  Payment ID: %s\n", p.PaymentID)
		fmt.Fprintf(&sb, "  Payer:      %s\n", p.PayerEmail)
		fmt.Fprintf(&sb, "  Amount:     %s\n", p.Amount)
		if p.PaidOn != "" {
			fmt.Fprintf(&sb, "  Paid on:    %s\n", p.PaidOn)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatActive(payments []backend.PaymentRecord, limit int) string {
	if len(payments) == 0 {
		return "No active payments."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d active payment(s):\n\n", len(payments))
	for i, p := range payments {
		if i == limit {
			fmt.Fprintf(&sb, "... %d more\n", len(payments)-limit)
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, orDash(p.PaymentID))
		fmt.Fprintf(&sb, "   Payer: %s | Amount: %s\n", orDash(p.PayerEmail), orDash(string(p.Amount)))
		fmt.Fprintf(&sb, "   Received: %s\n", orDash(p.PaymentTs))
	}
	return sb.String()
}

func formatProcessed(entries []backend.ProcessedEntry, claimed, unclaimed, limit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claimed: %d | Unclaimed: %d\n", claimed, unclaimed)
	if len(entries) == 0 {
		sb.WriteString("No processed entries.")
		return sb.String()
	}

	sb.WriteString("\n")
	for i, e := range entries {
		if i == limit {
			fmt.Fprintf(&sb, "... %d more\n", len(entries)-limit)
			break
		}
		fmt.Fprintf(&sb, "%d. %s (message %s)\n", i+1, e.Key, orDash(e.MessageID()))
		if e.Claimed() {
			sb.WriteString("   Claimed\n")
			continue
		}
		p := e.Payment
		fmt.Fprintf(&sb, "   Unclaimed payment %s | Amount: %s | Date: %s\n",
			orDash(p.PaymentID), orDash(string(p.Amount)), orDash(p.PaymentTs))
	}
	return sb.String()
}

func formatHealth(hs *backend.HealthSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Backend status: %s\n", hs.Status)
	if hs.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", hs.Reason)
	}
	fmt.Fprintf(&sb, "Heartbeat age: %ds (max %ds)\n", hs.AgeSeconds, backend.HeartbeatMaxAgeSeconds)
	if hs.LastHeartbeat != "" {
		fmt.Fprintf(&sb, "Last heartbeat: %s\n", hs.LastHeartbeat)
	}

	deps := classify.Dependencies(hs.Dependencies)
	if len(deps) == 0 {
		return sb.String()
	}
	up, down := classify.DependencyCounts(hs.Dependencies)
	fmt.Fprintf(&sb, "Dependencies: %d up, %d down (%d%% operational)\n",
		up, down, classify.UptimePercent(hs.Dependencies))
	for _, d := range deps {
		state := "up"
		if !d.Up {
			state = "DOWN"
		}
		fmt.Fprintf(&sb, "  %s: %s\n", d.Name, state)
	}
	return sb.String()
}
