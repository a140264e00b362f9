package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// Tool is an upstream tool descriptor as returned by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the upstream tool
// runtime. It describes a tool-level failure, not a transport failure.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      string          `json:"id"`
}

type ClientConfig struct {
	ListTimeout time.Duration
	CallTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.ListTimeout <= 0 {
		c.ListTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

// Client speaks JSON-RPC 2.0 over HTTP POST to upstream MCP servers.
type Client struct {
	httpClient *http.Client
	cfg        ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
	}
}

// ListTools fetches the server's tool descriptors via tools/list.
func (c *Client) ListTools(ctx context.Context, server ServerConfig) ([]Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	result, rpcErr, err := c.invoke(ctx, server, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, domain.NewError(domain.KindUpstreamError, "server %q: tools/list failed: %s", server.ID, rpcErr.Message)
	}

	var payload struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamError, err, "server %q: malformed tools/list result", server.ID)
	}
	return payload.Tools, nil
}

// CallTool forwards a tools/call request. A tool-level failure comes back
// as a non-nil *RPCError with a nil error; transport failures come back as
// typed errors.
func (c *Client) CallTool(ctx context.Context, server ServerConfig, tool string, arguments map[string]any) (json.RawMessage, *RPCError, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	return c.invoke(ctx, server, "tools/call", map[string]any{
		"name":      tool,
		"arguments": arguments,
	})
}

func (c *Client) invoke(ctx context.Context, server ServerConfig, method string, params any) (json.RawMessage, *RPCError, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil, domain.WrapError(domain.KindUpstreamTimeout, err, "server %q: %s timed out", server.ID, method)
		}
		return nil, nil, domain.WrapError(domain.KindUpstreamError, err, "server %q: %s request failed", server.ID, method)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, domain.NewError(domain.KindUpstreamError, "server %q: %s returned status %d", server.ID, method, resp.StatusCode)
	}

	var parsed rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, domain.WrapError(domain.KindUpstreamError, err, "server %q: malformed %s response", server.ID, method)
	}
	return parsed.Result, parsed.Error, nil
}
