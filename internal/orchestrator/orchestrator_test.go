package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/hash"
	"github.com/witnz/auditsync/internal/integrity"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/score"
)

type mockAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (m *mockAlerter) SendDispatchFailedAlert(module, topic string, attempts int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, fmt.Sprintf("%s/%s/%d", module, topic, attempts))
	return nil
}

type failingSource struct{}

func (failingSource) Snapshot(ctx context.Context, organization string) (score.Metrics, error) {
	return score.Metrics{}, errors.New("collector offline")
}

type fixture struct {
	orch      *Orchestrator
	ledgers   *ledger.Registry
	transport *dispatch.MemoryTransport
	alerts    *mockAlerter
}

func newFixture(t *testing.T, retries int, metrics score.Source) *fixture {
	t.Helper()

	transport := dispatch.NewMemoryTransport()
	router, err := dispatch.NewRouter(dispatch.Config{
		Topics: dispatch.TopicMap{"hr": "sync.hr", "audit": "sync.audit", "kpi": "sync.kpi"},
		Retry:  dispatch.RetryPolicy{Retries: retries},
	}, transport, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if metrics == nil {
		metrics = score.StaticSource{Metrics: score.Metrics{FailedLogins: 5}}
	}

	ledgers := ledger.NewRegistry(nil, nil)
	alerts := &mockAlerter{}

	orch, err := New(Config{
		Ledgers:      ledgers,
		Metrics:      metrics,
		Router:       router,
		Alerts:       alerts,
		Organization: "acme",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &fixture{orch: orch, ledgers: ledgers, transport: transport, alerts: alerts}
}

func validPayload(id string) integrity.Payload {
	return integrity.Payload{
		"id":             id,
		"sync_timestamp": "2025-01-01T00:00:00Z",
		"source_module":  "hr",
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without collaborators")
	}
}

func TestSubmitEndToEnd(t *testing.T) {
	f := newFixture(t, 2, nil)

	result, err := f.orch.Submit(context.Background(), "hr", validPayload("x1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if result.State != StateDispatched {
		t.Fatalf("expected dispatched, got %s", result.State)
	}
	if result.SubmissionID == "" {
		t.Error("expected a submission id")
	}
	if result.Score == nil || *result.Score != 90 {
		t.Errorf("expected score 90, got %v", result.Score)
	}
	if result.Dispatch == nil || result.Dispatch.Topic != "sync.hr" || result.Dispatch.Attempts != 1 {
		t.Errorf("unexpected dispatch outcome %+v", result.Dispatch)
	}

	hr, _ := f.ledgers.Ledger("hr")
	entries := hr.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one hr ledger entry, got %d", len(entries))
	}

	e := entries[0]
	if hash.Digest(e.PreviousHash, e.Log) != e.Hash {
		t.Error("recomputed hash does not match stored hash")
	}
	if result.Entry == nil || *result.Entry != e || *result.Position != 0 {
		t.Errorf("result entry does not match ledger: %+v", result.Entry)
	}

	deliveries := f.transport.Deliveries()
	if len(deliveries) != 1 || string(deliveries[0].Body) != e.Log {
		t.Errorf("dispatched body should be the chained log text, got %+v", deliveries)
	}
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, 0, nil)

	result, err := f.orch.Submit(context.Background(), "hr", integrity.Payload{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}

	want := []string{integrity.IssueInvalidID, integrity.IssueInvalidTimestamp, integrity.IssueMissingSource}
	if diff := cmp.Diff(want, result.Issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}

	var ve *ValidationError
	if !errors.As(err, &ve) || len(ve.Issues) != 3 {
		t.Errorf("expected *ValidationError with 3 issues, got %v", err)
	}

	if result.State != StateRejected || result.Entry != nil {
		t.Errorf("rejected payload must not be chained: %+v", result)
	}

	hr, _ := f.ledgers.Ledger("hr")
	if hr.Len() != 0 {
		t.Error("ledger must stay empty after rejection")
	}
	if f.transport.Sends() != 0 {
		t.Error("rejected payload must never reach the router")
	}
}

func TestSubmitUnknownModule(t *testing.T) {
	f := newFixture(t, 3, nil)

	result, err := f.orch.Submit(context.Background(), "finance", validPayload("f1"))
	if !errors.Is(err, dispatch.ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	if result.State != StateRejected {
		t.Errorf("expected rejected, got %s", result.State)
	}
	for _, m := range f.ledgers.Modules() {
		if m == "finance" {
			t.Error("no ledger should be opened for an unconfigured module")
		}
	}
	if f.transport.Sends() != 0 {
		t.Error("unknown module must not consume dispatch attempts")
	}
}

func TestSubmitDispatchFailureKeepsLedgerEntry(t *testing.T) {
	f := newFixture(t, 2, nil)
	f.transport.FailNext(-1, errors.New("broker down"))

	result, err := f.orch.Submit(context.Background(), "audit", validPayload("a1"))
	if !errors.Is(err, dispatch.ErrDispatchExhausted) {
		t.Fatalf("expected ErrDispatchExhausted, got %v", err)
	}

	if result.State != StateDispatchFailed {
		t.Errorf("expected dispatch_failed, got %s", result.State)
	}
	if result.Dispatch.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Dispatch.Attempts)
	}

	audit, _ := f.ledgers.Ledger("audit")
	if audit.Len() != 1 {
		t.Error("ledger entry must survive a failed dispatch")
	}
	if err := audit.Verify(); err != nil {
		t.Errorf("ledger should still verify: %v", err)
	}

	if diff := cmp.Diff([]string{"audit/sync.audit/3"}, f.alerts.alerts); diff != "" {
		t.Errorf("alert mismatch:\n%s", diff)
	}
}

func TestSubmitMetricsFailureDoesNotGate(t *testing.T) {
	f := newFixture(t, 0, failingSource{})

	result, err := f.orch.Submit(context.Background(), "kpi", validPayload("k1"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.State != StateDispatched {
		t.Errorf("expected dispatched, got %s", result.State)
	}
	if result.Score != nil || result.ScoreError == "" {
		t.Errorf("expected score error to be recorded, got %+v", result)
	}
}

func TestSubmitCancelledDispatchKeepsLedger(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.transport.FailNext(-1, errors.New("broker down"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.orch.Submit(ctx, "hr", validPayload("c1"))
	if err == nil {
		t.Fatal("expected error for cancelled dispatch")
	}
	if result.State != StateDispatchFailed {
		t.Errorf("expected dispatch_failed, got %s", result.State)
	}

	hr, _ := f.ledgers.Ledger("hr")
	if hr.Len() != 1 {
		t.Error("cancellation only affects delivery, never the audit record")
	}
}

func TestCanonicalLogSortsKeys(t *testing.T) {
	a, err := CanonicalLog(integrity.Payload{"source_module": "hr", "id": "1", "sync_timestamp": "2025-01-01"})
	if err != nil {
		t.Fatalf("CanonicalLog failed: %v", err)
	}
	b, _ := CanonicalLog(integrity.Payload{"id": "1", "sync_timestamp": "2025-01-01", "source_module": "hr"})

	if a != b {
		t.Errorf("equal payloads produced different logs: %s vs %s", a, b)
	}
	if a != `{"id":"1","source_module":"hr","sync_timestamp":"2025-01-01"}` {
		t.Errorf("unexpected canonical log %s", a)
	}
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, 0, nil)

	items := make([]Submission, 0, 60)
	for i := 0; i < 50; i++ {
		module := []string{"hr", "audit"}[i%2]
		items = append(items, Submission{Module: module, Payload: validPayload(fmt.Sprintf("p%d", i))})
	}
	items = append(items, Submission{Module: "hr", Payload: integrity.Payload{}})

	results := f.orch.SubmitBatch(context.Background(), items, 4)
	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}

	for i, r := range results[:50] {
		if r.State != StateDispatched || r.Module != items[i].Module {
			t.Errorf("item %d: unexpected result %+v", i, r)
		}
	}
	if results[50].State != StateRejected {
		t.Errorf("invalid item should be rejected, got %s", results[50].State)
	}

	for _, module := range []string{"hr", "audit"} {
		l, _ := f.ledgers.Ledger(module)
		if l.Len() != 25 {
			t.Errorf("%s: expected 25 entries, got %d", module, l.Len())
		}
		if err := l.Verify(); err != nil {
			t.Errorf("%s: concurrent submissions broke the chain: %v", module, err)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateReceived:       false,
		StateValidated:      false,
		StateChained:        false,
		StateScored:         false,
		StateDispatched:     true,
		StateRejected:       true,
		StateDispatchFailed: true,
	}
	for state, want := range terminal {
		if state.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, !want, want)
		}
	}
}
