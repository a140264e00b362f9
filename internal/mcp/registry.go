// Package mcp proxies tool calls to upstream MCP servers speaking
// JSON-RPC 2.0 over HTTP. Calls are validated against the tool's
// published input schema before anything is forwarded upstream.
package mcp

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// ServerConfig describes one upstream MCP server. Loaded from the
// gateway configuration file.
type ServerConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name"`
	Endpoint string `yaml:"endpoint" json:"-"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("mcp server requires an id")
	}
	endpoint := strings.TrimSpace(s.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("mcp server %q requires an endpoint", s.ID)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("mcp server %q: endpoint must be an http(s) URL (got %q)", s.ID, endpoint)
	}
	return nil
}

// Registry is the static server_id -> endpoint mapping.
type Registry struct {
	servers map[string]ServerConfig
}

func NewRegistry(servers []ServerConfig) (*Registry, error) {
	r := &Registry{servers: make(map[string]ServerConfig, len(servers))}
	for _, server := range servers {
		if err := server.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.servers[server.ID]; ok {
			return nil, fmt.Errorf("duplicate mcp server id %q", server.ID)
		}
		if strings.TrimSpace(server.Name) == "" {
			server.Name = server.ID
		}
		r.servers[server.ID] = server
	}
	return r, nil
}

// Resolve maps a server id to its configuration.
func (r *Registry) Resolve(serverID string) (ServerConfig, error) {
	server, ok := r.servers[serverID]
	if !ok {
		return ServerConfig{}, domain.NewError(domain.KindNotFound, "server %q not found in gateway registry", serverID)
	}
	return server, nil
}

// Servers lists all registered servers in id order.
func (r *Registry) Servers() []ServerConfig {
	out := make([]ServerConfig, 0, len(r.servers))
	for _, server := range r.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
