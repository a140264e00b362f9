package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/ratelimit"
)

const weatherInputSchema = `{
	"type": "object",
	"properties": {
		"city": {"type": "string"}
	},
	"required": ["city"],
	"additionalProperties": false
}`

// toolServer is a JSON-RPC upstream double that counts invocations per
// method and echoes call params back as the result.
type toolServer struct {
	mu     sync.Mutex
	calls  map[string]int
	server *httptest.Server
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	s := &toolServer{calls: make(map[string]int)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      string          `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls[req.Method]++
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result": map[string]any{
					"tools": []map[string]any{
						{
							"name":        "weather",
							"description": "Current weather by city",
							"inputSchema": json.RawMessage(weatherInputSchema),
						},
						{"name": "echo"},
					},
				},
			})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result":  map[string]any{"echo": req.Params},
			})
		default:
			t.Errorf("unexpected rpc method %q", req.Method)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *toolServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func TestListServersAndTools(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodGet, "/v1/mcp/servers", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list servers: status %d body %s", rec.Code, rec.Body.String())
	}
	var servers struct {
		Servers []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Transport string `json:"transport"`
		} `json:"servers"`
	}
	h.decode(rec, &servers)
	if len(servers.Servers) != 1 || servers.Servers[0].ID != "tooling" {
		t.Fatalf("servers = %+v", servers.Servers)
	}

	rec = h.do(http.MethodGet, "/v1/mcp/servers/tooling/tools", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list tools: status %d body %s", rec.Code, rec.Body.String())
	}
	var tools struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	h.decode(rec, &tools)
	if len(tools.Tools) != 2 {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	rec = h.do(http.MethodGet, "/v1/mcp/servers/nowhere/tools", "", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown server: status %d, want 404", rec.Code)
	}
}

func TestToolSchemaDescriptor(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodGet, "/v1/mcp/servers/tooling/tools/weather/schema", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tool schema: status %d body %s", rec.Code, rec.Body.String())
	}
	var descriptor struct {
		ServerID   string          `json:"server_id"`
		ToolName   string          `json:"tool_name"`
		JSONSchema json.RawMessage `json:"json_schema"`
		SchemaHash string          `json:"schema_hash"`
	}
	h.decode(rec, &descriptor)
	if descriptor.ServerID != "tooling" || descriptor.ToolName != "weather" {
		t.Errorf("descriptor = %+v", descriptor)
	}
	if !strings.HasPrefix(descriptor.SchemaHash, "sha256:") {
		t.Errorf("schema_hash = %q, want sha256: prefix", descriptor.SchemaHash)
	}
	if len(descriptor.JSONSchema) == 0 {
		t.Error("json_schema missing")
	}
}

func TestToolCallProxiesAndAudits(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodPost, "/v1/mcp/servers/tooling/tools/weather:call", "agent-7", "", map[string]any{
		"input": map[string]any{"city": "Oslo"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("tool call: status %d body %s", rec.Code, rec.Body.String())
	}
	var result struct {
		RequestID string          `json:"request_id"`
		Output    json.RawMessage `json:"output"`
	}
	h.decode(rec, &result)
	if result.RequestID == "" || len(result.Output) == 0 {
		t.Fatalf("call result = %+v", result)
	}
	if got := upstream.count("tools/call"); got != 1 {
		t.Errorf("upstream tools/call count = %d, want 1", got)
	}

	h.mcpHandlers.Wait()
	page, err := h.ledger.Query(context.Background(), domain.EventFilter{EventType: "tool_invocation"}, "", 10)
	if err != nil {
		t.Fatalf("query invocations: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("tool_invocation events = %d, want 1", len(page.Events))
	}
	invocation := page.Events[0]
	if invocation.Tool != "weather" || invocation.PeerID != "tooling" || invocation.AgentID != "agent-7" {
		t.Errorf("invocation event = %+v", invocation)
	}
	if invocation.Outcome != domain.OutcomeOK {
		t.Errorf("invocation outcome = %s, want OK", invocation.Outcome)
	}
}

func TestToolCallDeniedWithoutGrant(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodPost, "/v1/mcp/servers/tooling/tools/weather:call", "auditor", "", map[string]any{
		"input": map[string]any{"city": "Oslo"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("ungranted call: status %d body %s", rec.Code, rec.Body.String())
	}
	if got := upstream.count("tools/call"); got != 0 {
		t.Errorf("upstream reached despite denial: tools/call count = %d", got)
	}

	h.capGate.Wait()
	page, err := h.ledger.Query(context.Background(), domain.EventFilter{EventType: "authz_decision"}, "", 10)
	if err != nil {
		t.Fatalf("query denials: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("denial events = %d, want 1", len(page.Events))
	}
	if got := page.Events[0].Metadata["capability"]; got != "tools:call:weather" {
		t.Errorf("denied capability = %v", got)
	}
}

func TestToolCallRejectsInvalidInput(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodPost, "/v1/mcp/servers/tooling/tools/weather:call", "agent-7", "", map[string]any{
		"input": map[string]any{"city": 5},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid input: status %d body %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "schema_validation" {
		t.Errorf("error = %q, want schema_validation", code)
	}
	if got := upstream.count("tools/call"); got != 0 {
		t.Errorf("upstream reached despite schema rejection: tools/call count = %d", got)
	}
}

func TestUnsupportedToolAction(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{mcpEndpoint: upstream.server.URL})

	rec := h.do(http.MethodPost, "/v1/mcp/servers/tooling/tools/weather:purge", "agent-7", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action: status %d, want 404", rec.Code)
	}
	if code := errorCode(t, rec); code != "unsupported_tool_action" {
		t.Errorf("error = %q, want unsupported_tool_action", code)
	}
}

func TestProxyReadsAreRateLimited(t *testing.T) {
	upstream := newToolServer(t)
	h := newHarness(t, harnessConfig{
		mcpEndpoint:   upstream.server.URL,
		sourceLimit:   ratelimit.Config{RefillPerSecond: 0.5, Burst: 1},
		identityLimit: ratelimit.Config{RefillPerSecond: 1000, Burst: 1000},
	})

	if rec := h.do(http.MethodGet, "/v1/mcp/servers", "auditor", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}
	rec := h.do(http.MethodGet, "/v1/mcp/servers", "auditor", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if code := errorCode(t, rec); code != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}
