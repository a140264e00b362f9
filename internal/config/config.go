// Package config parses the gateway configuration file: capability
// grants, the MCP server registry, and admission control settings.
// Connection-level settings (listen address, database, object store,
// auth mode) stay in the environment; the file carries policy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talos-labs/talos-gateway/internal/gate"
	"github.com/talos-labs/talos-gateway/internal/mcp"
	"github.com/talos-labs/talos-gateway/internal/ratelimit"
)

const SchemaV1 = "talos.gateway.v1"

type File struct {
	Schema     string       `yaml:"schema"`
	Grants     []gate.Grant `yaml:"grants"`
	MCP        MCP          `yaml:"mcp"`
	RateLimits RateLimits   `yaml:"rate_limits"`
}

type MCP struct {
	Servers        []mcp.ServerConfig `yaml:"servers"`
	SchemaCacheTTL Duration           `yaml:"schema_cache_ttl,omitempty"`
}

type RateLimits struct {
	Identity Limit `yaml:"identity"`
	Source   Limit `yaml:"source"`
}

type Limit struct {
	RefillPerSecond float64 `yaml:"refill_per_second"`
	Burst           int     `yaml:"burst"`
}

func (l Limit) RateConfig() ratelimit.Config {
	return ratelimit.Config{
		RefillPerSecond: l.RefillPerSecond,
		Burst:           l.Burst,
	}
}

// Duration decodes YAML strings like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Parse(input []byte) (File, error) {
	var file File
	if err := yaml.Unmarshal(input, &file); err != nil {
		return File{}, fmt.Errorf("decode gateway config: %w", err)
	}
	if err := file.Validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read gateway config: %w", err)
	}
	file, err := Parse(raw)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Schema) != SchemaV1 {
		return fmt.Errorf("schema must be %q", SchemaV1)
	}
	for _, grant := range f.Grants {
		if err := grant.Validate(); err != nil {
			return err
		}
	}
	seen := make(map[string]struct{}, len(f.MCP.Servers))
	for _, server := range f.MCP.Servers {
		if err := server.Validate(); err != nil {
			return err
		}
		if _, ok := seen[server.ID]; ok {
			return fmt.Errorf("duplicate mcp server id %q", server.ID)
		}
		seen[server.ID] = struct{}{}
	}
	if err := validateLimit("rate_limits.identity", f.RateLimits.Identity); err != nil {
		return err
	}
	if err := validateLimit("rate_limits.source", f.RateLimits.Source); err != nil {
		return err
	}
	if f.MCP.SchemaCacheTTL < 0 {
		return fmt.Errorf("mcp.schema_cache_ttl must not be negative")
	}
	return nil
}

func validateLimit(name string, limit Limit) error {
	if limit == (Limit{}) {
		// Unset limits fall back to defaults at wiring time.
		return nil
	}
	if err := limit.RateConfig().Validate(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
