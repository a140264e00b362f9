package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// SchemaDescriptor is the published schema for one tool, with a content
// hash so callers can detect upstream schema drift between fetches.
type SchemaDescriptor struct {
	ServerID   string          `json:"server_id"`
	ToolName   string          `json:"tool_name"`
	JSONSchema json.RawMessage `json:"json_schema"`
	SchemaHash string          `json:"schema_hash"`
	Version    string          `json:"version"`
}

// CallResult is the outcome of a forwarded tool call. Error is set when
// the upstream tool runtime reported a tool-level failure; transport
// failures never reach this type.
type CallResult struct {
	RequestID string          `json:"request_id"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

type caller interface {
	CallTool(ctx context.Context, server ServerConfig, tool string, arguments map[string]any) (json.RawMessage, *RPCError, error)
}

// Router resolves tool servers and forwards validated calls. It never
// retries upstream calls: tool invocations are not assumed idempotent,
// so retry policy belongs to the caller.
type Router struct {
	logger   *slog.Logger
	registry *Registry
	cache    *SchemaCache
	client   caller
}

func NewRouter(logger *slog.Logger, registry *Registry, cache *SchemaCache, client caller) *Router {
	return &Router{
		logger:   logger,
		registry: registry,
		cache:    cache,
		client:   client,
	}
}

// Servers lists the registered upstream servers.
func (rt *Router) Servers() []ServerConfig {
	return rt.registry.Servers()
}

// Tools lists the tools published by one server.
func (rt *Router) Tools(ctx context.Context, serverID string) ([]Tool, error) {
	server, err := rt.registry.Resolve(serverID)
	if err != nil {
		return nil, err
	}
	return rt.cache.Tools(ctx, server)
}

// ToolSchema returns one tool's input schema with its content hash.
func (rt *Router) ToolSchema(ctx context.Context, serverID, toolName string) (SchemaDescriptor, error) {
	server, err := rt.registry.Resolve(serverID)
	if err != nil {
		return SchemaDescriptor{}, err
	}
	tool, err := rt.cache.Tool(ctx, server, toolName)
	if err != nil {
		return SchemaDescriptor{}, err
	}

	schema := tool.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{}`)
	}
	sum := sha256.Sum256(schema)
	return SchemaDescriptor{
		ServerID:   serverID,
		ToolName:   toolName,
		JSONSchema: schema,
		SchemaHash: "sha256:" + hex.EncodeToString(sum[:]),
		Version:    "1.0.0",
	}, nil
}

// Call validates arguments against the tool's published schema and
// forwards the call. Validation failures return before any upstream
// request is issued.
func (rt *Router) Call(ctx context.Context, serverID, toolName string, arguments map[string]any) (CallResult, error) {
	server, err := rt.registry.Resolve(serverID)
	if err != nil {
		return CallResult{}, err
	}
	if err := rt.cache.ValidateArguments(ctx, server, toolName, arguments); err != nil {
		return CallResult{}, err
	}

	requestID := uuid.NewString()
	output, rpcErr, err := rt.client.CallTool(ctx, server, toolName, arguments)
	if err != nil {
		return CallResult{}, err
	}
	if rpcErr != nil {
		if rt.logger != nil {
			rt.logger.Warn("tool call failed upstream",
				"server_id", serverID,
				"tool", toolName,
				"code", rpcErr.Code,
				"error", rpcErr.Message,
			)
		}
		return CallResult{RequestID: requestID, Error: rpcErr}, nil
	}
	return CallResult{RequestID: requestID, Output: output}, nil
}
