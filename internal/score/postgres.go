package score

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const latestMetricsQuery = `
SELECT failed_logins, audit_violations, encrypted_fields, total_checks
FROM security_metrics
WHERE organization = $1
ORDER BY collected_at DESC
LIMIT 1`

var ErrNoMetrics = errors.New("score: no metrics recorded")

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSource reads the most recent snapshot the collector wrote to the
// security_metrics table.
type PostgresSource struct {
	db querier
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: pool}
}

func (s *PostgresSource) Snapshot(ctx context.Context, organization string) (Metrics, error) {
	var m Metrics

	err := s.db.QueryRow(ctx, latestMetricsQuery, organization).Scan(
		&m.FailedLogins,
		&m.AuditViolations,
		&m.EncryptedFields,
		&m.TotalChecks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Metrics{}, fmt.Errorf("%w for organization %s", ErrNoMetrics, organization)
	}
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to query security metrics: %w", err)
	}

	return m, nil
}
