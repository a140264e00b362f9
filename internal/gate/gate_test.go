package gate

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/platform/auth"
)

type recordingLedger struct {
	mu     sync.Mutex
	drafts []domain.EventDraft
}

func (r *recordingLedger) record(ctx context.Context, draft domain.EventDraft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, draft)
	return nil
}

func (r *recordingLedger) snapshot() []domain.EventDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventDraft, len(r.drafts))
	copy(out, r.drafts)
	return out
}

func newTestGate(t *testing.T, grants []Grant, rec Recorder) *Gate {
	t.Helper()
	g, err := New(slog.Default(), grants, rec)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return g
}

func TestAuthorizeSubjectGrant(t *testing.T) {
	g := newTestGate(t, []Grant{
		{Subject: "svc-ingest", Capabilities: []string{CapEventsWrite}},
	}, nil)

	identity := auth.Identity{Subject: "svc-ingest"}
	if err := g.Authorize(context.Background(), identity, CapEventsWrite, "/api/events"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	err := g.Authorize(context.Background(), identity, CapEventsRead, "/api/events")
	if kind, _ := domain.KindOf(err); kind != domain.KindCapabilityDenied {
		t.Fatalf("kind=%v, want capability_denied", kind)
	}
}

func TestAuthorizeRoleGrant(t *testing.T) {
	g := newTestGate(t, []Grant{
		{Role: "operator", Capabilities: []string{CapEventsRead, CapJobsAdmin}},
	}, nil)

	identity := auth.Identity{Subject: "op-7", Roles: []string{"Operator"}}
	if err := g.Authorize(context.Background(), identity, CapJobsAdmin, "/admin/v1/jobs"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := g.Authorize(context.Background(), identity, CapEventsWrite, "/api/events"); err == nil {
		t.Fatalf("expected deny for ungranted capability")
	}
}

func TestFailClosed(t *testing.T) {
	g := newTestGate(t, nil, nil)

	cases := []auth.Identity{
		{},
		{Subject: "unknown"},
		{Subject: "unknown", Roles: []string{"admin"}},
	}
	for _, identity := range cases {
		err := g.Authorize(context.Background(), identity, CapEventsRead, "/api/events")
		if kind, _ := domain.KindOf(err); kind != domain.KindCapabilityDenied {
			t.Fatalf("identity %+v: kind=%v, want capability_denied", identity, kind)
		}
	}
}

func TestToolWildcardOnlyViaExplicitGrant(t *testing.T) {
	g := newTestGate(t, []Grant{
		{Subject: "agent-1", Capabilities: []string{CapToolCall("weather")}},
		{Subject: "agent-2", Capabilities: []string{"tools:call:*"}},
	}, nil)

	a1 := auth.Identity{Subject: "agent-1"}
	if err := g.Authorize(context.Background(), a1, CapToolCall("weather"), "weather"); err != nil {
		t.Fatalf("authorize named tool: %v", err)
	}
	if err := g.Authorize(context.Background(), a1, CapToolCall("search"), "search"); err == nil {
		t.Fatalf("named grant must not cover other tools")
	}

	a2 := auth.Identity{Subject: "agent-2"}
	for _, tool := range []string{"weather", "search", "calc"} {
		if err := g.Authorize(context.Background(), a2, CapToolCall(tool), tool); err != nil {
			t.Fatalf("wildcard grant should cover %s: %v", tool, err)
		}
	}
	// The wildcard is scoped to its prefix.
	if err := g.Authorize(context.Background(), a2, CapEventsWrite, "/api/events"); err == nil {
		t.Fatalf("tools wildcard must not cover events:write")
	}
}

func TestDenyEmitsExactlyOneAuditEvent(t *testing.T) {
	ledger := &recordingLedger{}
	g := newTestGate(t, nil, ledger.record)

	identity := auth.Identity{Subject: "agent-9"}
	err := g.Authorize(context.Background(), identity, CapToolCall("weather"), "weather")
	if err == nil {
		t.Fatalf("expected deny")
	}
	g.Wait()

	drafts := ledger.snapshot()
	if len(drafts) != 1 {
		t.Fatalf("audit events=%d, want 1", len(drafts))
	}
	draft := drafts[0]
	if draft.EventType != "authz_decision" {
		t.Fatalf("event_type=%q, want authz_decision", draft.EventType)
	}
	if draft.Outcome != domain.OutcomeDenied {
		t.Fatalf("outcome=%q, want %q", draft.Outcome, domain.OutcomeDenied)
	}
	if draft.AgentID != "agent-9" {
		t.Fatalf("agent_id=%q, want agent-9", draft.AgentID)
	}
	if draft.Metadata["denial_reason"] != "no_matching_grant" {
		t.Fatalf("denial_reason=%v, want no_matching_grant", draft.Metadata["denial_reason"])
	}
	if draft.Metadata["capability"] != "tools:call:weather" {
		t.Fatalf("capability=%v, want tools:call:weather", draft.Metadata["capability"])
	}
}

func TestAllowEmitsNoAuditEvent(t *testing.T) {
	ledger := &recordingLedger{}
	g := newTestGate(t, []Grant{
		{Subject: "agent-9", Capabilities: []string{CapEventsRead}},
	}, ledger.record)

	if err := g.Authorize(context.Background(), auth.Identity{Subject: "agent-9"}, CapEventsRead, "/api/events"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	g.Wait()
	if drafts := ledger.snapshot(); len(drafts) != 0 {
		t.Fatalf("audit events=%d, want 0", len(drafts))
	}
}

func TestGrantValidate(t *testing.T) {
	bad := []Grant{
		{Capabilities: []string{CapEventsRead}},
		{Subject: "a", Role: "b", Capabilities: []string{CapEventsRead}},
		{Subject: "a"},
		{Subject: "a", Capabilities: []string{"tools:*:call"}},
	}
	for i, grant := range bad {
		if err := grant.Validate(); err == nil {
			t.Fatalf("grant %d: expected validation error", i)
		}
	}
	good := Grant{Subject: "a", Capabilities: []string{"tools:call:*"}}
	if err := good.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
