package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/weavernet/weaver/models"
	"github.com/weavernet/weaver/p2p"
)

// Client calls a remote peer's RPC endpoint over HTTP. It implements
// p2p.Peer; transport timeouts are returned to the engine as empty
// responses by the caller's contract.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the peer at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// call performs one request/response exchange.
func (c *Client) call(ctx context.Context, method string, params any) ([]*models.ParentBlock, error) {
	req, err := NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status: %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrProtocol, resp.Error)
	}

	var blocks []*models.ParentBlock
	if err := json.Unmarshal(resp.Result, &blocks); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return blocks, nil
}

// Query implements p2p.Peer.
func (c *Client) Query(ctx context.Context, params p2p.QueryParams) ([]*models.ParentBlock, error) {
	return c.call(ctx, "query", params)
}

// GetLatestHeader returns the peer's tip.
func (c *Client) GetLatestHeader(ctx context.Context) (*models.ParentBlock, error) {
	blocks, err := c.call(ctx, "getLatestHeader", []any{})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("peer returned no latest header")
	}
	return blocks[0], nil
}

// GetHeaders returns the peer's blocks in the inclusive range.
func (c *Client) GetHeaders(ctx context.Context, fromHeight uint64, fromHash string, toHeight uint64, toHash string) ([]*models.ParentBlock, error) {
	params := [2][2]any{{fromHeight, fromHash}, {toHeight, toHash}}
	return c.call(ctx, "getHeaders", params)
}

// GetMultiverse returns up to 7 of the peer's most recent blocks.
func (c *Client) GetMultiverse(ctx context.Context) ([]*models.ParentBlock, error) {
	return c.call(ctx, "getMultiverse", []any{})
}
