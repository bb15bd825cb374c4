package federation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// TokenHeader carries the signed federation token on authenticated
// peer-to-peer calls and on the duplex socket handshake.
const TokenHeader = "X-Federation-Token"

const apiPrefix = "/federation/v1"

// Client calls other servers' federation HTTP endpoints.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a federation HTTP client.
func NewClient(logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Discover fetches a server's public federation document. A 404, a
// 501 or an explicit federation_enabled=false all mean the target
// cannot federate.
func (c *Client) Discover(ctx context.Context, baseURL string) (*DiscoveryInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+apiPrefix+"/discovery", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return nil, ErrFederationNotSupported
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var info DiscoveryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode discovery response: %w", err)
	}
	if !info.FederationEnabled {
		return nil, ErrFederationNotSupported
	}
	return &info, nil
}

// SubmitRequest POSTs a federation proposal to the target server.
func (c *Client) SubmitRequest(ctx context.Context, baseURL string, payload *RequestPayload) (*RequestResponse, error) {
	var out RequestResponse
	if err := c.post(ctx, baseURL+apiPrefix+"/requests", "", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyApproved tells the initiator its request was approved.
func (c *Client) NotifyApproved(ctx context.Context, baseURL string, notice *ApprovalNotice) error {
	url := fmt.Sprintf("%s%s/requests/%s/approved", baseURL, apiPrefix, notice.RequestID)
	return c.post(ctx, url, "", notice, nil)
}

// NotifyRejected tells the initiator its request was declined.
func (c *Client) NotifyRejected(ctx context.Context, baseURL string, notice *RejectionNotice) error {
	url := fmt.Sprintf("%s%s/requests/%s/rejected", baseURL, apiPrefix, notice.RequestID)
	return c.post(ctx, url, "", notice, nil)
}

// NotifyDisconnect asks the peer to mark this server disconnected.
// Authenticated with a signed token so a third party cannot sever
// someone else's federation.
func (c *Client) NotifyDisconnect(ctx context.Context, baseURL, token string, notice *DisconnectNotice) error {
	return c.post(ctx, baseURL+apiPrefix+"/disconnect", token, notice, nil)
}

// NotifyRemove asks the peer to delete the relationship entirely.
func (c *Client) NotifyRemove(ctx context.Context, baseURL, token string, notice *RemoveNotice) error {
	return c.post(ctx, baseURL+apiPrefix+"/remove", token, notice, nil)
}

func (c *Client) post(ctx context.Context, url, token string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("peer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}
