package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pglogrepl"
)

type mockHandler struct {
	mu     sync.Mutex
	events []*ChangeEvent
	err    error
}

func (h *mockHandler) HandleChange(ctx context.Context, event *ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

type mockStream struct {
	mu       sync.Mutex
	failures int
	receives int
	connects int
	starts   []pglogrepl.LSN
	lsn      pglogrepl.LSN
}

func (s *mockStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return nil
}

func (s *mockStream) CreateSlotIfNotExists(ctx context.Context) error { return nil }

func (s *mockStream) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, startLSN)
	return nil
}

func (s *mockStream) ReceiveMessage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receives++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.lsn += 10
	time.Sleep(time.Millisecond)
	return nil
}

func (s *mockStream) LastLSN() pglogrepl.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn
}

func (s *mockStream) Close(ctx context.Context) error { return nil }

func (s *mockStream) snapshot() (connects int, starts []pglogrepl.LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects, append([]pglogrepl.LSN(nil), s.starts...)
}

type mockSystemAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *mockSystemAlerter) SendSystemAlert(title, message, severity string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
	return nil
}

func (a *mockSystemAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

func TestNewManager(t *testing.T) {
	config := &ReplicationConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "testdb",
		User:            "testuser",
		Password:        "testpass",
		SlotName:        "auditsync_slot",
		PublicationName: "auditsync_pub",
		Table:           "sync_outbox",
	}

	manager := NewManager(config, nil)

	if manager.config != config {
		t.Error("Config not set correctly")
	}
	if len(manager.handlers) != 0 {
		t.Error("Handlers should be empty initially")
	}
}

func TestManagerInitializeRejectsInvalidIdentifiers(t *testing.T) {
	manager := NewManager(&ReplicationConfig{
		SlotName:        "slot",
		PublicationName: "pub",
		Table:           "sync_outbox; DROP TABLE x",
	}, nil)

	if err := manager.Initialize(context.Background()); err == nil {
		t.Error("expected invalid table name to be rejected")
	}
}

func TestManagerStartRequiresInitialize(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)
	if err := manager.Start(context.Background()); err == nil {
		t.Error("expected error starting an uninitialized manager")
	}
	if err := manager.Stop(context.Background()); err != nil {
		t.Errorf("Stop on a stopped manager should be a no-op: %v", err)
	}
}

func TestManagerHandleChange(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}
	manager.AddHandler(handler1)
	manager.AddHandler(handler2)

	event := &ChangeEvent{TableName: "sync_outbox", Operation: OperationInsert}
	if err := manager.HandleChange(context.Background(), event); err != nil {
		t.Fatalf("HandleChange failed: %v", err)
	}

	if len(handler1.events) != 1 || len(handler2.events) != 1 {
		t.Error("event should reach every handler")
	}
}

func TestManagerHandleChangeContinuesAfterTampering(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	tamper := &mockHandler{err: NewTamperingError("sync_outbox", OperationDelete, "append-only")}
	after := &mockHandler{}
	manager.AddHandler(tamper)
	manager.AddHandler(after)

	event := &ChangeEvent{TableName: "sync_outbox", Operation: OperationDelete}
	if err := manager.HandleChange(context.Background(), event); err != nil {
		t.Fatalf("tampering should not stop the stream: %v", err)
	}
	if len(after.events) != 1 {
		t.Error("handlers after a tampering report should still run")
	}

	manager = NewManager(&ReplicationConfig{}, nil)
	manager.AddHandler(&mockHandler{err: errors.New("boom")})
	if err := manager.HandleChange(context.Background(), event); err == nil {
		t.Error("expected ordinary handler errors to propagate")
	}
}

func TestManagerLSN(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	lsn := pglogrepl.LSN(12345)
	manager.SetLSN(lsn)

	if got := manager.GetLSN(); got != lsn {
		t.Errorf("Expected LSN %v, got %v", lsn, got)
	}
}

func TestManagerReconnectsWithBackoff(t *testing.T) {
	stream := &mockStream{failures: 3}
	alerts := &mockSystemAlerter{}

	manager := NewManager(&ReplicationConfig{Table: "sync_outbox"}, nil)
	manager.client = stream
	manager.SetAlerter(alerts)
	manager.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := manager.Start(ctx); err == nil {
		t.Error("expected error starting a running manager")
	}

	deadline := time.Now().Add(2 * time.Second)
	for manager.GetLSN() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := manager.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	connects, starts := stream.snapshot()
	if connects != 3 {
		t.Errorf("expected 3 reconnects, got %d", connects)
	}
	if len(starts) != 4 {
		t.Errorf("expected initial start plus 3 restarts, got %d", len(starts))
	}
	if alerts.count() != 3 {
		t.Errorf("expected 3 system alerts, got %d", alerts.count())
	}
	if manager.GetLSN() == 0 {
		t.Error("LSN should advance once messages are received")
	}
}

func TestReconnectBackOffIsCapped(t *testing.T) {
	b := reconnectBackOff()
	var last time.Duration
	for i := 0; i < 20; i++ {
		last = b.NextBackOff()
	}
	// Randomization can push a single interval above MaxInterval by at most
	// the randomization factor.
	if last > maxReconnectBackoff*2 {
		t.Errorf("backoff grew past the cap: %v", last)
	}
}
