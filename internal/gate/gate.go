// Package gate enforces capability-based authorization for gateway
// operations. Every decision is fail-closed: an identity is allowed only
// when an explicit grant record covers the required capability, and every
// denial is recorded to the audit ledger.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/platform/auth"
)

const (
	CapEventsWrite     = "events:write"
	CapEventsRead      = "events:read"
	CapJobsAdmin       = "jobs:admin"
	CapSelectionsAdmin = "selections:admin"
)

// CapToolCall names the capability required to invoke a specific upstream
// tool through the proxy.
func CapToolCall(tool string) string {
	return "tools:call:" + tool
}

// Grant binds a set of capabilities to a subject or a role. A capability
// entry ending in ":*" covers every capability under that prefix; wildcards
// are never implied, they must appear in the grant record itself.
type Grant struct {
	Subject      string   `yaml:"subject,omitempty"`
	Role         string   `yaml:"role,omitempty"`
	Capabilities []string `yaml:"capabilities"`
}

func (g Grant) Validate() error {
	subject := strings.TrimSpace(g.Subject)
	role := strings.TrimSpace(g.Role)
	if subject == "" && role == "" {
		return fmt.Errorf("grant requires a subject or a role")
	}
	if subject != "" && role != "" {
		return fmt.Errorf("grant must name a subject or a role, not both")
	}
	if len(g.Capabilities) == 0 {
		return fmt.Errorf("grant for %q has no capabilities", subject+role)
	}
	for _, cap := range g.Capabilities {
		if strings.TrimSpace(cap) == "" {
			return fmt.Errorf("grant for %q has an empty capability", subject+role)
		}
		if strings.Contains(strings.TrimSuffix(cap, ":*"), "*") {
			return fmt.Errorf("grant for %q: wildcard only allowed as a trailing segment (got %q)", subject+role, cap)
		}
	}
	return nil
}

// Recorder persists a denial audit event. Wired to the ledger in
// production; failures are logged, never surfaced to the caller.
type Recorder func(ctx context.Context, draft domain.EventDraft) error

type Gate struct {
	logger       *slog.Logger
	record       Recorder
	bySubject    map[string][]string
	byRole       map[string][]string
	auditTimeout time.Duration

	wg sync.WaitGroup
}

func New(logger *slog.Logger, grants []Grant, record Recorder) (*Gate, error) {
	g := &Gate{
		logger:       logger,
		record:       record,
		bySubject:    make(map[string][]string),
		byRole:       make(map[string][]string),
		auditTimeout: 2 * time.Second,
	}
	for _, grant := range grants {
		if err := grant.Validate(); err != nil {
			return nil, err
		}
		caps := make([]string, 0, len(grant.Capabilities))
		for _, cap := range grant.Capabilities {
			caps = append(caps, strings.TrimSpace(cap))
		}
		if subject := strings.TrimSpace(grant.Subject); subject != "" {
			g.bySubject[subject] = append(g.bySubject[subject], caps...)
			continue
		}
		role := strings.ToLower(strings.TrimSpace(grant.Role))
		g.byRole[role] = append(g.byRole[role], caps...)
	}
	return g, nil
}

// Authorize returns nil when the identity holds the capability, or a
// capability_denied error otherwise. The denial is also written to the
// audit ledger asynchronously; a slow or failing ledger never delays the
// caller's response.
func (g *Gate) Authorize(ctx context.Context, identity auth.Identity, capability, resource string) error {
	reason := g.decide(identity, capability)
	if reason == "" {
		return nil
	}

	g.auditDeny(identity, capability, resource, reason)
	if g.logger != nil {
		g.logger.Warn("capability denied",
			"subject", identity.Subject,
			"capability", capability,
			"resource", resource,
			"denial_reason", reason,
		)
	}
	return domain.NewError(domain.KindCapabilityDenied, "capability %q denied: %s", capability, reason)
}

// decide returns the denial reason, or "" when allowed.
func (g *Gate) decide(identity auth.Identity, capability string) string {
	if strings.TrimSpace(identity.Subject) == "" {
		return "missing_subject"
	}
	if capabilityCovered(g.bySubject[identity.Subject], capability) {
		return ""
	}
	for _, role := range identity.Roles {
		if capabilityCovered(g.byRole[strings.ToLower(strings.TrimSpace(role))], capability) {
			return ""
		}
	}
	return "no_matching_grant"
}

func capabilityCovered(granted []string, required string) bool {
	for _, cap := range granted {
		if cap == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(cap, ":*"); ok && strings.HasPrefix(required, prefix+":") {
			return true
		}
	}
	return false
}

func (g *Gate) auditDeny(identity auth.Identity, capability, resource, reason string) {
	if g.record == nil {
		return
	}
	subject := identity.Subject
	if subject == "" {
		subject = "anonymous"
	}
	draft := domain.EventDraft{
		EventType: "authz_decision",
		Outcome:   domain.OutcomeDenied,
		SessionID: "gateway",
		AgentID:   subject,
		Resource:  resource,
		Metadata: domain.Metadata{
			"denial_reason": reason,
			"capability":    capability,
		},
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.auditTimeout)
		defer cancel()
		if err := g.record(ctx, draft); err != nil && g.logger != nil {
			g.logger.Error("denial audit failed",
				"subject", subject,
				"capability", capability,
				"error", err.Error(),
			)
		}
	}()
}

// Wait blocks until all in-flight denial audits have been recorded.
// Called during shutdown so denials are not lost.
func (g *Gate) Wait() {
	g.wg.Wait()
}
