package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction summarizes a transaction family.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}
	text, err := formatFamily(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions lists transactions.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	raw, err := h.client.ListTransactions(ctx, req.GetString("user_id", ""), req.GetString("status", ""), limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}
	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetTransfer reports transfer progress.
func (h *Handlers) HandleGetTransfer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	raw, err := h.client.GetTransfer(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transfer: %v", err)), nil
	}
	x, err := unwrap(raw, "transfer")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transfer: %v", err)), nil
	}
	var sb strings.Builder
	writeTransfer(&sb, x)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetDispute describes a dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	d, err := unwrap(raw, "dispute")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	var sb strings.Builder
	writeDispute(&sb, d)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleResolveDispute resolves a dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	resolution := req.GetString("resolution", "")
	if id == "" || resolution == "" {
		return mcp.NewToolResultError("dispute_id and resolution are required"), nil
	}
	refund := req.GetString("refund_amount", "")
	if resolution == "refund_partial" && refund == "" {
		return mcp.NewToolResultError("refund_amount is required for refund_partial"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, id, resolution, refund, req.GetString("notes", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}
	d, err := unwrap(raw, "dispute")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	var sb strings.Builder
	sb.WriteString("Dispute resolved.\n\n")
	writeDispute(&sb, d)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetUserRating returns a user's ratings.
func (h *Handlers) HandleGetUserRating(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	raw, err := h.client.GetUserRating(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get rating: %v", err)), nil
	}
	r, err := unwrap(raw, "rating")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rating: %v", err)), nil
	}
	sellerN, _ := getFloat(r, "sellerReviews")
	buyerN, _ := getFloat(r, "buyerReviews")
	text := fmt.Sprintf("Rating for %s\n"+
		"  As seller: %s (%d reviews)\n"+
		"  As buyer:  %s (%d reviews)",
		userID, getString(r, "sellerRating"), int(sellerN), getString(r, "buyerRating"), int(buyerN))
	return mcp.NewToolResultText(text), nil
}

// HandleQueryAudit prints the audit trail.
func (h *Handlers) HandleQueryAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 25)
	raw, err := h.client.QueryAudit(ctx,
		req.GetString("transaction_id", ""),
		req.GetString("entity_type", ""),
		req.GetString("severity", ""),
		limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query audit log: %v", err)), nil
	}
	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit log: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatting ---

func formatFamily(raw json.RawMessage) (string, error) {
	var f map[string]any
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", err
	}
	tx, ok := f["transaction"].(map[string]any)
	if !ok {
		return "", fmt.Errorf("response has no transaction")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s (%s)\n", getString(tx, "id"), getString(tx, "type"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(tx, "status"))
	fmt.Fprintf(&sb, "  Buyer: %s  Seller: %s\n", getString(tx, "buyerId"), getString(tx, "sellerId"))
	if ch := getString(tx, "channelId"); ch != "" {
		fmt.Fprintf(&sb, "  Channel: %s\n", ch)
	}
	fmt.Fprintf(&sb, "  Amount: %s (fee %s, seller receives %s)\n",
		getString(tx, "amount"), getString(tx, "feeAmount"), getString(tx, "finalAmount"))
	if tx["isDisputed"] == true {
		sb.WriteString("  Disputed: yes\n")
	}

	if e, ok := f["escrow"].(map[string]any); ok {
		sb.WriteString("\n")
		writeEscrow(&sb, e)
	}
	if x, ok := f["transfer"].(map[string]any); ok {
		sb.WriteString("\n")
		writeTransfer(&sb, x)
	}
	if ds, ok := f["disputes"].([]any); ok {
		for _, d := range ds {
			if m, ok := d.(map[string]any); ok {
				sb.WriteString("\n")
				writeDispute(&sb, m)
			}
		}
	}
	if rs, ok := f["reviews"].([]any); ok && len(rs) > 0 {
		sb.WriteString("\nReviews:\n")
		for _, r := range rs {
			m, ok := r.(map[string]any)
			if !ok {
				continue
			}
			stars, _ := getFloat(m, "rating")
			fmt.Fprintf(&sb, "  %s rated %s %d/5 (%s)\n",
				getString(m, "reviewerId"), getString(m, "reviewedUserId"), int(stars), getString(m, "type"))
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeEscrow(sb *strings.Builder, e map[string]any) {
	fmt.Fprintf(sb, "Escrow %s: %s, %s locked\n", getString(e, "id"), getString(e, "status"), getString(e, "amountLocked"))
	fmt.Fprintf(sb, "  Approvals: buyer=%s seller=%s admin=%s\n", yesNo(e["buyerApproved"]), yesNo(e["sellerApproved"]), yesNo(e["adminApproved"]))
	if at := getString(e, "autoReleaseAt"); at != "" {
		fmt.Fprintf(sb, "  Auto-release at: %s\n", at)
	}
	if mode := getString(e, "releaseMode"); mode != "" {
		fmt.Fprintf(sb, "  Released by: %s\n", mode)
	}
}

func writeTransfer(sb *strings.Builder, x map[string]any) {
	fmt.Fprintf(sb, "Transfer %s for channel %s\n", getString(x, "id"), getString(x, "channelId"))
	fmt.Fprintf(sb, "  Ownership: %s\n", yesNo(x["ownershipTransferred"]))
	fmt.Fprintf(sb, "  Admin rights: %s\n", yesNo(x["adminRightsTransferred"]))
	fmt.Fprintf(sb, "  Gifts: %s\n", yesNo(x["giftsTransferred"]))
	if step := getString(x, "failedStep"); step != "" {
		fmt.Fprintf(sb, "  FAILED at %s: %s\n", step, getString(x, "failureDetail"))
	}
	if getString(x, "reversedAt") != "" {
		sb.WriteString("  Reversed: channel returned to seller\n")
	}
}

func writeDispute(sb *strings.Builder, d map[string]any) {
	fmt.Fprintf(sb, "Dispute %s (%s, %s priority)\n", getString(d, "id"), getString(d, "status"), getString(d, "priority"))
	fmt.Fprintf(sb, "  Transaction: %s\n", getString(d, "transactionId"))
	fmt.Fprintf(sb, "  Opened by %s: %s\n", getString(d, "initiatorId"), getString(d, "reason"))
	if res := getString(d, "resolution"); res != "" {
		fmt.Fprintf(sb, "  Resolution: %s", res)
		if amt := getString(d, "refundAmount"); amt != "" {
			fmt.Fprintf(sb, " (refund %s)", amt)
		}
		sb.WriteString("\n")
	}
	if notes := getString(d, "resolverNotes"); notes != "" {
		fmt.Fprintf(sb, "  Notes: %s\n", notes)
	}
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []map[string]any `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transactions:\n\n", len(resp.Transactions))
	for i, tx := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s  %s  %s  buyer=%s seller=%s\n", i+1,
			getString(tx, "id"), getString(tx, "status"), getString(tx, "amount"),
			getString(tx, "buyerId"), getString(tx, "sellerId"))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatAudit(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Entries) == 0 {
		return "No audit entries found.", nil
	}
	var sb strings.Builder
	for _, e := range resp.Entries {
		actor := getString(e, "actorType")
		if a := getString(e, "actor"); a != "" {
			actor += ":" + a
		}
		fmt.Fprintf(&sb, "%s  %-8s %s %s/%s by %s\n",
			getString(e, "createdAt"), getString(e, "severity"), getString(e, "action"),
			getString(e, "entityType"), getString(e, "entityId"), actor)
	}
	if resp.HasMore {
		sb.WriteString("(more entries available)\n")
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// unwrap decodes {"<key>": {...}} responses.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	inner, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("response has no %s", key)
	}
	var m map[string]any
	if err := json.Unmarshal(inner, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func yesNo(v any) string {
	if b, ok := v.(bool); ok && b {
		return "yes"
	}
	return "no"
}

// getString returns the first non-empty string value among keys.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%g", v)
		}
	}
	return ""
}

func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return v, true
		}
	}
	return 0, false
}
