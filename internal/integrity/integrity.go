// Package integrity computes and verifies the tamper-evident hash chain over
// committed audit events.
//
// Every event's digest covers a canonical JSON shape of all semantic fields
// plus the predecessor's digest, so mutating any field or reordering the
// stream is detectable by recomputation. The chain is a single global one
// ordered by cursor; the genesis predecessor is the empty string.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// Algorithm identifies the digest scheme recorded in each event's integrity
// record. Bump the suffix when the canonical input shape changes.
const Algorithm = "sha256-v1"

type hashInput struct {
	EventID         string          `json:"event_id"`
	SchemaVersion   string          `json:"schema_version"`
	Timestamp       int64           `json:"timestamp"`
	Cursor          string          `json:"cursor"`
	Sequence        uint64          `json:"sequence"`
	EventType       string          `json:"event_type"`
	Outcome         string          `json:"outcome"`
	SessionID       string          `json:"session_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	AgentID         string          `json:"agent_id"`
	PeerID          string          `json:"peer_id,omitempty"`
	Tool            string          `json:"tool,omitempty"`
	Method          string          `json:"method,omitempty"`
	Resource        string          `json:"resource,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	Metrics         json.RawMessage `json:"metrics"`
	Hashes          json.RawMessage `json:"hashes"`
	Algorithm       string          `json:"algorithm"`
	PredecessorHash string          `json:"predecessor_hash"`
}

// Compute derives the integrity hash for an event given the digest of its
// chronological predecessor in the chain. It reads every field of the event
// except IntegrityHash itself; the event's Integrity record is derived from
// the inputs, not read.
func Compute(event domain.AuditEvent, predecessorHash string) (string, error) {
	metadata, err := canonicalMap(event.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	metrics, err := canonicalMap(event.Metrics)
	if err != nil {
		return "", fmt.Errorf("marshal metrics: %w", err)
	}
	hashes, err := canonicalMap(event.Hashes)
	if err != nil {
		return "", fmt.Errorf("marshal hashes: %w", err)
	}

	in := hashInput{
		EventID:         event.EventID,
		SchemaVersion:   event.SchemaVersion,
		Timestamp:       event.Timestamp,
		Cursor:          event.Cursor,
		Sequence:        event.Sequence,
		EventType:       event.EventType,
		Outcome:         event.Outcome,
		SessionID:       event.SessionID,
		CorrelationID:   event.CorrelationID,
		AgentID:         event.AgentID,
		PeerID:          event.PeerID,
		Tool:            event.Tool,
		Method:          event.Method,
		Resource:        event.Resource,
		Metadata:        metadata,
		Metrics:         metrics,
		Hashes:          hashes,
		Algorithm:       Algorithm,
		PredecessorHash: predecessorHash,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// Record builds the integrity record stored alongside the hash.
func Record(sequence uint64, predecessorHash string) domain.IntegrityRecord {
	return domain.IntegrityRecord{
		Algorithm:       Algorithm,
		PredecessorHash: predecessorHash,
		Sequence:        sequence,
	}
}

// Verify recomputes an event's digest against its claimed predecessor and
// compares it to the stored value. A mismatch is an IntegrityViolation and is
// reported, never repaired.
func Verify(event domain.AuditEvent, predecessorHash string) error {
	if event.Integrity.Algorithm != Algorithm {
		return domain.NewError(domain.KindIntegrityViolation,
			"event %s uses unknown integrity algorithm %q", event.EventID, event.Integrity.Algorithm)
	}
	if event.Integrity.PredecessorHash != predecessorHash {
		return domain.NewError(domain.KindIntegrityViolation,
			"event %s predecessor link mismatch", event.EventID)
	}
	want, err := Compute(event, predecessorHash)
	if err != nil {
		return err
	}
	if want != event.IntegrityHash {
		return domain.NewError(domain.KindIntegrityViolation,
			"event %s hash mismatch", event.EventID)
	}
	return nil
}

// VerifyChain walks events in ascending cursor order from a known predecessor
// digest (empty string at genesis) and returns the first violation.
func VerifyChain(events []domain.AuditEvent, predecessorHash string) error {
	prev := predecessorHash
	for _, event := range events {
		if err := Verify(event, prev); err != nil {
			return err
		}
		prev = event.IntegrityHash
	}
	return nil
}

func canonicalMap(m domain.Metadata) (json.RawMessage, error) {
	if m == nil {
		m = domain.Metadata{}
	}
	return json.Marshal(m)
}
