package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Delivery struct {
	Topic string
	Body  []byte
}

// ErrInjectedFailure is returned by MemoryTransport when FailNext was given
// no error of its own.
var ErrInjectedFailure = errors.New("dispatch: injected send failure")

// MemoryTransport records deliveries in process. FailNext makes the next n
// sends fail (negative n: every send), which is how tests and dry runs
// exercise the retry path.
type MemoryTransport struct {
	mu         sync.Mutex
	deliveries []Delivery
	failures   int
	failErr    error
	sends      int
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) FailNext(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		err = ErrInjectedFailure
	}
	t.failures = n
	t.failErr = err
}

func (t *MemoryTransport) Send(ctx context.Context, topic string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sends++
	if t.failures != 0 {
		if t.failures > 0 {
			t.failures--
		}
		return t.failErr
	}

	copied := make([]byte, len(body))
	copy(copied, body)
	t.deliveries = append(t.deliveries, Delivery{Topic: topic, Body: copied})
	return nil
}

func (t *MemoryTransport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Delivery, len(t.deliveries))
	copy(out, t.deliveries)
	return out
}

// Sends counts every attempt, successful or not.
func (t *MemoryTransport) Sends() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresTransport publishes to a LISTEN/NOTIFY channel named after the
// topic. NOTIFY payloads are limited to 8000 bytes by the server.
type PostgresTransport struct {
	db execer
}

func NewPostgresTransport(pool *pgxpool.Pool) *PostgresTransport {
	return &PostgresTransport{db: pool}
}

func (t *PostgresTransport) Send(ctx context.Context, topic string, body []byte) error {
	if _, err := t.db.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(body)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", topic, err)
	}
	return nil
}
