package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

type toolEntry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

type cacheEntry struct {
	tools     []Tool
	byName    map[string]toolEntry
	fetchedAt time.Time
}

type lister interface {
	ListTools(ctx context.Context, server ServerConfig) ([]Tool, error)
}

// SchemaCache holds each server's tool descriptors with input schemas
// pre-compiled for validation. Entries expire after the configured TTL
// and are refetched on next use; Invalidate drops a server eagerly.
type SchemaCache struct {
	client lister
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewSchemaCache(client lister, ttl time.Duration) *SchemaCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SchemaCache{
		client:  client,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]cacheEntry),
	}
}

// Tools returns the server's tool descriptors, fetching from upstream
// when the cached entry is missing or stale.
func (c *SchemaCache) Tools(ctx context.Context, server ServerConfig) ([]Tool, error) {
	entry, err := c.entry(ctx, server)
	if err != nil {
		return nil, err
	}
	return entry.tools, nil
}

// Tool returns a single tool descriptor by name.
func (c *SchemaCache) Tool(ctx context.Context, server ServerConfig, name string) (Tool, error) {
	entry, err := c.entry(ctx, server)
	if err != nil {
		return Tool{}, err
	}
	item, ok := entry.byName[name]
	if !ok {
		return Tool{}, domain.NewError(domain.KindNotFound, "tool %q not found on server %q", name, server.ID)
	}
	return item.tool, nil
}

// ValidateArguments checks call arguments against the tool's published
// input schema. A tool that publishes no schema accepts any arguments.
func (c *SchemaCache) ValidateArguments(ctx context.Context, server ServerConfig, name string, arguments map[string]any) error {
	entry, err := c.entry(ctx, server)
	if err != nil {
		return err
	}
	item, ok := entry.byName[name]
	if !ok {
		return domain.NewError(domain.KindNotFound, "tool %q not found on server %q", name, server.ID)
	}
	if item.compiled == nil {
		return nil
	}

	// Round-trip through JSON so numbers and nested values are in the
	// shapes the validator expects.
	raw, err := json.Marshal(arguments)
	if err != nil {
		return domain.WrapError(domain.KindSchemaValidation, err, "tool %q: arguments not encodable", name)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.WrapError(domain.KindSchemaValidation, err, "tool %q: arguments not decodable", name)
	}
	if err := item.compiled.Validate(decoded); err != nil {
		return domain.WrapError(domain.KindSchemaValidation, err, "tool %q: arguments do not match input schema", name)
	}
	return nil
}

// Invalidate drops the cached entry for a server.
func (c *SchemaCache) Invalidate(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, serverID)
}

func (c *SchemaCache) entry(ctx context.Context, server ServerConfig) (cacheEntry, error) {
	c.mu.Lock()
	entry, ok := c.entries[server.ID]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	tools, err := c.client.ListTools(ctx, server)
	if err != nil {
		return cacheEntry{}, err
	}

	byName := make(map[string]toolEntry, len(tools))
	for _, tool := range tools {
		compiled, err := compileInputSchema(server.ID, tool)
		if err != nil {
			return cacheEntry{}, err
		}
		byName[tool.Name] = toolEntry{tool: tool, compiled: compiled}
	}

	fresh := cacheEntry{tools: tools, byName: byName, fetchedAt: c.now()}
	c.mu.Lock()
	c.entries[server.ID] = fresh
	c.mu.Unlock()
	return fresh, nil
}

func compileInputSchema(serverID string, tool Tool) (*jsonschema.Schema, error) {
	if len(tool.InputSchema) == 0 || bytes.Equal(bytes.TrimSpace(tool.InputSchema), []byte("null")) {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("mcp://%s/%s/input-schema.json", serverID, tool.Name)
	if err := compiler.AddResource(resource, bytes.NewReader(tool.InputSchema)); err != nil {
		return nil, domain.WrapError(domain.KindUpstreamError, err, "server %q: tool %q publishes an unreadable schema", serverID, tool.Name)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, domain.WrapError(domain.KindUpstreamError, err, "server %q: tool %q publishes an invalid schema", serverID, tool.Name)
	}
	return compiled, nil
}
