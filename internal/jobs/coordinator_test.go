package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talos-labs/talos-gateway/internal/cursor"
	"github.com/talos-labs/talos-gateway/internal/domain"
	"github.com/talos-labs/talos-gateway/internal/integrity"
	"github.com/talos-labs/talos-gateway/internal/selection"
	"github.com/talos-labs/talos-gateway/internal/store"
	"github.com/talos-labs/talos-gateway/internal/store/memory"
)

type memorySink struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemorySink() *memorySink {
	return &memorySink{objects: make(map[string][]byte)}
}

func (s *memorySink) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

type fixture struct {
	coordinator *Coordinator
	ledger      *store.Ledger
	selections  *selection.Service
	sink        *memorySink
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	ledger, err := store.NewLedger(context.Background(), memory.NewEventRepository())
	if err != nil {
		t.Fatalf("NewLedger() err=%v", err)
	}
	selections := selection.NewService(ledger, memory.NewSelectionRepository(), time.Hour)
	sink := newMemorySink()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := NewCoordinator(Config{Workers: 2, PageSize: 10}, logger, memory.NewJobRepository(), ledger, selections, sink)
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		coordinator.Start(ctx)
	}
	return &fixture{coordinator: coordinator, ledger: ledger, selections: selections, sink: sink}
}

func appendN(t *testing.T, ledger *store.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := ledger.Append(context.Background(), domain.EventDraft{
			EventType: "tool_call",
			Outcome:   domain.OutcomeOK,
			SessionID: "s-1",
			AgentID:   "agent-1",
			Timestamp: 1700000000,
		})
		if err != nil {
			t.Fatalf("Append() err=%v", err)
		}
	}
}

func waitTerminal(t *testing.T, coordinator *Coordinator, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := coordinator.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get() err=%v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return domain.Job{}
}

func TestExportJobWritesManifest(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	appendN(t, f.ledger, 23)
	sel, err := f.selections.Create(ctx, domain.EventFilter{})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}

	job, err := f.coordinator.Submit(ctx, domain.JobTypeExport, domain.Metadata{"selection_id": sel.SelectionID})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, f.coordinator, job.JobID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("status = %s, result = %v", done.Status, done.Result)
	}
	if done.Result == nil {
		t.Fatal("completed job has no result")
	}

	key, _ := done.Result["object_key"].(string)
	f.sink.mu.Lock()
	data, ok := f.sink.objects[key]
	f.sink.mu.Unlock()
	if !ok {
		t.Fatalf("manifest %q not uploaded", key)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 23 {
		t.Fatalf("manifest has %d lines, want 23", len(lines))
	}
	var event domain.AuditEvent
	if err := json.Unmarshal(lines[0], &event); err != nil {
		t.Fatalf("manifest line not valid JSON: %v", err)
	}
	if event.IntegrityHash == "" {
		t.Fatal("manifest line lost integrity hash")
	}
}

func TestExportBoundedBySelection(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	appendN(t, f.ledger, 5)
	sel, err := f.selections.Create(ctx, domain.EventFilter{})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	// Appends after the snapshot never leak into the export.
	appendN(t, f.ledger, 7)

	job, err := f.coordinator.Submit(ctx, domain.JobTypeExport, domain.Metadata{"selection_id": sel.SelectionID})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, f.coordinator, job.JobID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if count, _ := done.Result["event_count"].(int64); count != 5 {
		t.Fatalf("event_count = %v, want 5", done.Result["event_count"])
	}
}

func TestReindexJobVerifiesChain(t *testing.T) {
	f := newFixture(t, true)
	appendN(t, f.ledger, 12)

	job, err := f.coordinator.Submit(context.Background(), domain.JobTypeReindex, nil)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, f.coordinator, job.JobID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("status = %s, result = %v", done.Status, done.Result)
	}
	if ok, _ := done.Result["chain_ok"].(bool); !ok {
		t.Fatalf("chain_ok = %v", done.Result["chain_ok"])
	}
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	// No workers started: the job stays QUEUED.
	f := newFixture(t, false)
	ctx := context.Background()

	job, err := f.coordinator.Submit(ctx, domain.JobTypeReindex, nil)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	cancelled, err := f.coordinator.Cancel(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	if cancelled.Status != domain.JobCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if cancelled.Result != nil {
		t.Fatal("cancelled job has a result")
	}
}

func TestCancelTerminalIsRejected(t *testing.T) {
	f := newFixture(t, true)
	appendN(t, f.ledger, 1)

	job, err := f.coordinator.Submit(context.Background(), domain.JobTypeReindex, nil)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, f.coordinator, job.JobID)
	if done.Status != domain.JobCompleted {
		t.Fatalf("status = %s", done.Status)
	}

	_, err = f.coordinator.Cancel(context.Background(), job.JobID)
	if !errors.Is(err, domain.ErrTerminalJob) {
		t.Fatalf("Cancel() err=%v, want ErrTerminalJob", err)
	}
	after, err := f.coordinator.Get(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if after.Status != domain.JobCompleted {
		t.Fatalf("terminal status changed to %s", after.Status)
	}
}

func TestExportMissingSelectionFails(t *testing.T) {
	f := newFixture(t, true)

	job, err := f.coordinator.Submit(context.Background(), domain.JobTypeExport, domain.Metadata{"selection_id": "missing"})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, f.coordinator, job.JobID)
	if done.Status != domain.JobFailed {
		t.Fatalf("status = %s, want FAILED", done.Status)
	}
	if msg, _ := done.Result["error"].(string); !strings.Contains(msg, "not found") {
		t.Fatalf("error detail = %q", msg)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	job, err := f.coordinator.Submit(ctx, domain.JobTypeReindex, nil)
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	removed, err := f.coordinator.Sweep(ctx, time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Sweep() err=%v", err)
	}
	if removed != 1 {
		t.Fatalf("Sweep() removed %d, want 1", removed)
	}
	if _, err := f.coordinator.Get(ctx, job.JobID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("swept job still readable: err=%v", err)
	}
}

type recordingJobRepo struct {
	store.JobRepository
	mu       sync.Mutex
	inserted []string
}

func (r *recordingJobRepo) Insert(ctx context.Context, job domain.Job) error {
	if err := r.JobRepository.Insert(ctx, job); err != nil {
		return err
	}
	r.mu.Lock()
	r.inserted = append(r.inserted, job.JobID)
	r.mu.Unlock()
	return nil
}

func TestQueueFullCancelsOverflowJob(t *testing.T) {
	// No workers started and a queue of one: the second submit overflows.
	repo := &recordingJobRepo{JobRepository: memory.NewJobRepository()}
	ledger, err := store.NewLedger(context.Background(), memory.NewEventRepository())
	if err != nil {
		t.Fatalf("NewLedger() err=%v", err)
	}
	selections := selection.NewService(ledger, memory.NewSelectionRepository(), time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := NewCoordinator(Config{Workers: 1, QueueDepth: 1}, logger, repo, ledger, selections, newMemorySink())

	ctx := context.Background()
	if _, err := coordinator.Submit(ctx, domain.JobTypeReindex, nil); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	_, err = coordinator.Submit(ctx, domain.JobTypeReindex, nil)
	if kind, ok := domain.KindOf(err); !ok || kind != domain.KindValidation {
		t.Fatalf("overflow Submit() err=%v, want validation", err)
	}

	repo.mu.Lock()
	overflowID := repo.inserted[len(repo.inserted)-1]
	repo.mu.Unlock()
	job, err := repo.Get(ctx, overflowID)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if job.Status != domain.JobCancelled {
		t.Fatalf("overflow job status = %s, want CANCELLED", job.Status)
	}
}

func TestReindexResumeRejectsForgedSubChain(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewEventRepository()
	seed, err := store.NewLedger(ctx, repo)
	if err != nil {
		t.Fatalf("NewLedger() err=%v", err)
	}
	anchor, err := seed.Append(ctx, domain.EventDraft{
		EventType: "tool_call",
		Outcome:   domain.OutcomeOK,
		SessionID: "s-1",
		AgentID:   "agent-1",
		Timestamp: 1700000000,
	})
	if err != nil {
		t.Fatalf("Append() err=%v", err)
	}

	// A sub-chain that is internally consistent but hangs off a fabricated
	// digest instead of the anchor's.
	predecessor := "sha256:" + strings.Repeat("f", 64)
	for seq := anchor.Sequence + 1; seq <= anchor.Sequence+2; seq++ {
		event := domain.AuditEvent{
			EventID:       fmt.Sprintf("forged-%d", seq),
			SchemaVersion: "1",
			Timestamp:     1700000000,
			Sequence:      seq,
			Cursor:        cursor.Encode(cursor.Key{Sequence: seq, CommitUnix: 1700000000}),
			EventType:     "tool_call",
			Outcome:       domain.OutcomeOK,
			SessionID:     "s-1",
			AgentID:       "agent-1",
			Integrity:     integrity.Record(seq, predecessor),
		}
		hash, err := integrity.Compute(event, predecessor)
		if err != nil {
			t.Fatalf("Compute() err=%v", err)
		}
		event.IntegrityHash = hash
		if err := repo.Insert(ctx, event, ""); err != nil {
			t.Fatalf("Insert() err=%v", err)
		}
		predecessor = hash
	}

	// Reload so the tail covers the forged rows.
	ledger, err := store.NewLedger(ctx, repo)
	if err != nil {
		t.Fatalf("NewLedger() err=%v", err)
	}
	selections := selection.NewService(ledger, memory.NewSelectionRepository(), time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coordinator := NewCoordinator(Config{Workers: 1, PageSize: 10}, logger, memory.NewJobRepository(), ledger, selections, newMemorySink())
	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	coordinator.Start(runCtx)

	job, err := coordinator.Submit(ctx, domain.JobTypeReindex, domain.Metadata{"after_cursor": anchor.Cursor})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	done := waitTerminal(t, coordinator, job.JobID)
	if done.Status != domain.JobFailed {
		t.Fatalf("forged sub-chain passed verification: status = %s, result = %v", done.Status, done.Result)
	}
}
