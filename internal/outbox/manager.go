package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
)

const maxReconnectBackoff = 30 * time.Second

var validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func quoteIdentifier(name string) string {
	return `"` + name + `"`
}

type stream interface {
	Connect(ctx context.Context) error
	CreateSlotIfNotExists(ctx context.Context) error
	StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error
	ReceiveMessage(ctx context.Context) error
	LastLSN() pglogrepl.LSN
	Close(ctx context.Context) error
}

// SystemAlerter is told when the replication stream drops.
type SystemAlerter interface {
	SendSystemAlert(title, message, severity string) error
}

type Manager struct {
	config   *ReplicationConfig
	client   stream
	handlers []EventHandler
	alerts   SystemAlerter
	logger   *slog.Logger

	mu         sync.RWMutex
	currentLSN pglogrepl.LSN
	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup

	newBackOff func() backoff.BackOff
}

func NewManager(config *ReplicationConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:     config,
		handlers:   make([]EventHandler, 0),
		logger:     logger,
		stopCh:     make(chan struct{}),
		newBackOff: reconnectBackOff,
	}
}

func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxReconnectBackoff
	return b
}

func (m *Manager) AddHandler(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Manager) SetAlerter(alerts SystemAlerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = alerts
}

func (m *Manager) Initialize(ctx context.Context) error {
	for _, name := range []string{m.config.Table, m.config.PublicationName, m.config.SlotName} {
		if !validIdentifierRegex.MatchString(name) {
			return fmt.Errorf("invalid identifier: %q", name)
		}
	}

	if err := m.createPublicationIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create publication: %w", err)
	}

	client := NewReplicationClient(m.config, m)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	m.client = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.client == nil {
		return fmt.Errorf("manager not initialized")
	}

	if err := m.client.StartReplication(ctx, m.GetLSN()); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	m.logger.Info("Outbox replication started",
		"table", m.config.Table,
		"slot", m.config.SlotName,
		"lsn", m.GetLSN().String(),
	)
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()

	b := m.newBackOff()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.client.ReceiveMessage(ctx)
		if err == nil {
			m.SetLSN(m.client.LastLSN())
			b.Reset()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		m.logger.Error("Outbox replication receive failed", "error", err, "retry_in", wait)

		m.mu.RLock()
		alerts := m.alerts
		m.mu.RUnlock()
		if alerts != nil {
			_ = alerts.SendSystemAlert(
				"Outbox Replication Lost",
				fmt.Sprintf("Failed to receive replication message: %v. Retrying in %v...", err, wait),
				"danger",
			)
		}

		select {
		case <-time.After(wait):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := m.reconnect(ctx); err != nil {
			m.logger.Warn("Outbox reconnect failed", "error", err)
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) error {
	_ = m.client.Close(ctx)

	if err := m.client.Connect(ctx); err != nil {
		return err
	}
	return m.client.StartReplication(ctx, m.GetLSN())
}

// HandleChange fans an event out to every handler. Tampering reports are
// logged and do not stop the stream; any other handler error does.
func (m *Manager) HandleChange(ctx context.Context, event *ChangeEvent) error {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		err := handler.HandleChange(ctx, event)
		if err == nil {
			continue
		}
		if te := AsTamperingError(err); te != nil {
			m.logger.Error("Outbox tampering detected",
				"table", te.TableName,
				"operation", te.Operation,
				"lsn", event.LSN.String(),
			)
			continue
		}
		return fmt.Errorf("handler failed: %w", err)
	}

	return nil
}

func (m *Manager) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.connString())
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		_, err = conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			quoteIdentifier(m.config.PublicationName),
			quoteIdentifier(m.config.Table),
		))
		if err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info("Created publication", "publication", m.config.PublicationName, "table", m.config.Table)
	}

	return nil
}

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}
