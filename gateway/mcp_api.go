package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/mcp"
	"github.com/talos-labs/talos-gateway/internal/store"
)

type mcpAPI struct {
	logger *slog.Logger
	router *mcp.Router
	ledger *store.Ledger
	guard  *guard

	audits sync.WaitGroup
}

func newMCPAPI(logger *slog.Logger, router *mcp.Router, ledger *store.Ledger, guard *guard) *mcpAPI {
	return &mcpAPI{
		logger: logger,
		router: router,
		ledger: ledger,
		guard:  guard,
	}
}

func (api *mcpAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/mcp/servers", api.handleListServers)
	mux.HandleFunc("GET /v1/mcp/servers/{server_id}/tools", api.handleListTools)
	mux.HandleFunc("GET /v1/mcp/servers/{server_id}/tools/{tool_name}/schema", api.handleToolSchema)
	// {tool_action} is "<tool_name>:call".
	mux.HandleFunc("POST /v1/mcp/servers/{server_id}/tools/{tool_action}", api.handleCallTool)
}

func (api *mcpAPI) handleListServers(w http.ResponseWriter, r *http.Request) {
	if retryAfter, err := api.guard.throttle(r); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}
	servers := api.router.Servers()
	out := make([]map[string]any, 0, len(servers))
	for _, server := range servers {
		out = append(out, map[string]any{
			"id":        server.ID,
			"name":      server.Name,
			"transport": "http",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (api *mcpAPI) handleListTools(w http.ResponseWriter, r *http.Request) {
	if retryAfter, err := api.guard.throttle(r); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}
	serverID := strings.TrimSpace(r.PathValue("server_id"))
	tools, err := api.router.Tools(r.Context(), serverID)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (api *mcpAPI) handleToolSchema(w http.ResponseWriter, r *http.Request) {
	if retryAfter, err := api.guard.throttle(r); err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}
	serverID := strings.TrimSpace(r.PathValue("server_id"))
	toolName := strings.TrimSpace(r.PathValue("tool_name"))
	descriptor, err := api.router.ToolSchema(r.Context(), serverID, toolName)
	if err != nil {
		writeDomainError(api.logger, w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

type toolCallRequest struct {
	Input map[string]any `json:"input"`
}

func (api *mcpAPI) handleCallTool(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.PathValue("server_id"))
	toolName, ok := strings.CutSuffix(strings.TrimSpace(r.PathValue("tool_action")), ":call")
	if !ok || toolName == "" {
		writeError(w, r, http.StatusNotFound, "unsupported_tool_action")
		return
	}

	identity, retryAfter, err := api.guard.admit(r, gate.CapToolCall(toolName))
	if err != nil {
		writeDomainError(api.logger, w, r, err, retryAfter)
		return
	}

	var req toolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}

	start := time.Now()
	result, err := api.router.Call(r.Context(), serverID, toolName, req.Input)
	if err != nil {
		api.auditInvocation(r, identity.Subject, serverID, toolName, domain.OutcomeError, start, err.Error())
		writeDomainError(api.logger, w, r, err, 0)
		return
	}

	outcome := domain.OutcomeOK
	detail := ""
	if result.Error != nil {
		outcome = domain.OutcomeError
		detail = result.Error.Message
	}
	api.auditInvocation(r, identity.Subject, serverID, toolName, outcome, start, detail)
	writeJSON(w, http.StatusOK, result)
}

// auditInvocation records the proxied call to the ledger without holding
// up the response. Failures are logged; the caller already has their
// result.
func (api *mcpAPI) auditInvocation(r *http.Request, subject, serverID, toolName, outcome string, start time.Time, detail string) {
	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		sessionID = "gateway"
	}
	if subject == "" {
		subject = "anonymous"
	}
	draft := domain.EventDraft{
		EventType:     "tool_invocation",
		Outcome:       outcome,
		SessionID:     sessionID,
		CorrelationID: r.Header.Get("X-Request-Id"),
		AgentID:       subject,
		PeerID:        serverID,
		Tool:          toolName,
		Method:        "tools/call",
		Resource:      r.URL.Path,
		Metrics: domain.Metadata{
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if detail != "" {
		draft.Metadata = domain.Metadata{"detail": detail}
	}

	api.audits.Add(1)
	go func() {
		defer api.audits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := api.ledger.Append(ctx, draft); err != nil && api.logger != nil {
			api.logger.Error("tool invocation audit failed",
				"server_id", serverID,
				"tool", toolName,
				"error", err.Error(),
			)
		}
	}()
}

// Wait blocks until in-flight invocation audits are persisted. Called at
// shutdown.
func (api *mcpAPI) Wait() {
	api.audits.Wait()
}
