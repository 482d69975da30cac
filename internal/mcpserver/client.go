package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/chanescrow/internal/auth"
)

// Config holds the configuration for reaching a chanescrow server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Shared admin secret
	AdminID     string // Operator name recorded in the audit trail
}

// Client is an HTTP client for the chanescrow admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	CurrentState string `json:"currentState"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(auth.AdminSecretHeader, c.cfg.AdminSecret)
	if c.cfg.AdminID != "" {
		req.Header.Set(auth.AdminIDHeader, c.cfg.AdminID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.CurrentState != "" {
				return nil, fmt.Errorf("API error (%d): %s (current state: %s)", resp.StatusCode, apiErr.Message, apiErr.CurrentState)
			}
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return json.RawMessage(respBody), nil
}

// GetTransaction returns the full record family of a transaction.
func (c *Client) GetTransaction(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/transactions/"+url.PathEscape(txID), nil, nil)
}

// ListTransactions lists transactions, optionally for one user or status.
func (c *Client) ListTransactions(ctx context.Context, userID, status string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("userId", userID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/transactions", q, nil)
}

// GetTransfer returns the channel transfer of a transaction.
func (c *Client) GetTransfer(ctx context.Context, txID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/transactions/"+url.PathEscape(txID)+"/transfer", nil, nil)
}

// GetDispute returns a dispute by id.
func (c *Client) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/disputes/"+url.PathEscape(disputeID), nil, nil)
}

// ResolveDispute records an admin resolution.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, resolution, refundAmount, notes string) (json.RawMessage, error) {
	body := map[string]any{
		"resolution": resolution,
		"notes":      notes,
	}
	if refundAmount != "" {
		body["refundAmount"] = refundAmount
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/disputes/"+url.PathEscape(disputeID)+"/resolve", nil, body)
}

// GetUserRating returns the public rating aggregate of a user.
func (c *Client) GetUserRating(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/rating", nil, nil)
}

// QueryAudit reads the audit trail, newest first.
func (c *Client) QueryAudit(ctx context.Context, transactionID, entityType, severity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if transactionID != "" {
		q.Set("transactionId", transactionID)
	}
	if entityType != "" {
		q.Set("entityType", entityType)
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit", q, nil)
}
