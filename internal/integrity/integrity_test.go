package integrity

import (
	"errors"
	"testing"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

func sampleEvent(seq uint64, predecessor string) domain.AuditEvent {
	event := domain.AuditEvent{
		EventID:       "evt-1",
		SchemaVersion: "1",
		Timestamp:     1700000000,
		Cursor:        "token-1",
		Sequence:      seq,
		EventType:     "tool_call",
		Outcome:       domain.OutcomeOK,
		SessionID:     "sess-1",
		AgentID:       "agent-1",
		Tool:          "weather",
		Method:        "tools/call",
		Metadata:      domain.Metadata{"k": "v"},
		Metrics:       domain.Metadata{},
		Hashes:        domain.Metadata{},
	}
	event.Integrity = Record(seq, predecessor)
	return event
}

func TestComputeDeterministic(t *testing.T) {
	event := sampleEvent(1, "")
	a, err := Compute(event, "")
	if err != nil {
		t.Fatalf("Compute() err=%v", err)
	}
	b, err := Compute(event, "")
	if err != nil {
		t.Fatalf("Compute() err=%v", err)
	}
	if a != b {
		t.Fatalf("digest not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestComputeCoversEveryField(t *testing.T) {
	base := sampleEvent(1, "")
	baseline, err := Compute(base, "")
	if err != nil {
		t.Fatalf("Compute() err=%v", err)
	}

	mutations := map[string]func(*domain.AuditEvent){
		"event_id":   func(e *domain.AuditEvent) { e.EventID = "evt-2" },
		"timestamp":  func(e *domain.AuditEvent) { e.Timestamp++ },
		"cursor":     func(e *domain.AuditEvent) { e.Cursor = "token-2" },
		"sequence":   func(e *domain.AuditEvent) { e.Sequence++ },
		"event_type": func(e *domain.AuditEvent) { e.EventType = "other" },
		"outcome":    func(e *domain.AuditEvent) { e.Outcome = domain.OutcomeDenied },
		"session_id": func(e *domain.AuditEvent) { e.SessionID = "sess-2" },
		"agent_id":   func(e *domain.AuditEvent) { e.AgentID = "agent-2" },
		"tool":       func(e *domain.AuditEvent) { e.Tool = "git" },
		"metadata":   func(e *domain.AuditEvent) { e.Metadata = domain.Metadata{"k": "w"} },
		"metrics":    func(e *domain.AuditEvent) { e.Metrics = domain.Metadata{"n": 1} },
	}
	for field, mutate := range mutations {
		event := sampleEvent(1, "")
		mutate(&event)
		got, err := Compute(event, "")
		if err != nil {
			t.Fatalf("Compute() after %s mutation err=%v", field, err)
		}
		if got == baseline {
			t.Fatalf("mutating %s did not change digest", field)
		}
	}

	differentPred, err := Compute(base, "abcd")
	if err != nil {
		t.Fatalf("Compute() err=%v", err)
	}
	if differentPred == baseline {
		t.Fatal("predecessor hash did not change digest")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	event := sampleEvent(1, "")
	hash, err := Compute(event, "")
	if err != nil {
		t.Fatalf("Compute() err=%v", err)
	}
	event.IntegrityHash = hash

	if err := Verify(event, ""); err != nil {
		t.Fatalf("Verify() of untampered event err=%v", err)
	}

	tampered := event
	tampered.Outcome = domain.OutcomeDenied
	err = Verify(tampered, "")
	if err == nil {
		t.Fatal("Verify() accepted tampered event")
	}
	if kind, ok := domain.KindOf(err); !ok || kind != domain.KindIntegrityViolation {
		t.Fatalf("Verify() kind = %v, want integrity_violation", err)
	}
}

func TestVerifyChain(t *testing.T) {
	events := make([]domain.AuditEvent, 0, 5)
	prev := ""
	for i := uint64(1); i <= 5; i++ {
		event := sampleEvent(i, prev)
		event.EventID = "evt-" + string(rune('0'+i))
		event.Integrity = Record(i, prev)
		hash, err := Compute(event, prev)
		if err != nil {
			t.Fatalf("Compute() err=%v", err)
		}
		event.IntegrityHash = hash
		events = append(events, event)
		prev = hash
	}

	if err := VerifyChain(events, ""); err != nil {
		t.Fatalf("VerifyChain() err=%v", err)
	}

	// Swapping two events is a reordering tamper.
	swapped := append([]domain.AuditEvent(nil), events...)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	if err := VerifyChain(swapped, ""); err == nil {
		t.Fatal("VerifyChain() accepted reordered events")
	}

	// Mutating a middle event breaks its own digest.
	mutated := append([]domain.AuditEvent(nil), events...)
	mutated[2].AgentID = "intruder"
	err := VerifyChain(mutated, "")
	if err == nil {
		t.Fatal("VerifyChain() accepted mutated event")
	}
	if !errors.As(err, new(*domain.Error)) {
		t.Fatalf("VerifyChain() error type = %T", err)
	}
}
