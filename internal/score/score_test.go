package score

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		metrics Metrics
		want    float64
	}{
		{"zero metrics", Metrics{}, 100},
		{"failed logins", Metrics{FailedLogins: 10}, 80},
		{"audit violations", Metrics{AuditViolations: 3}, 85},
		{"mixed with credit", Metrics{FailedLogins: 5, AuditViolations: 4, EncryptedFields: 10}, 85},
		{"fractional credit", Metrics{AuditViolations: 1, EncryptedFields: 1}, 96.5},
		{"clamps above", Metrics{EncryptedFields: 50}, 100},
		{"clamps below", Metrics{AuditViolations: 1000}, 0},
		{"failed logins clamp", Metrics{FailedLogins: 1 << 20}, 0},
		{"total checks ignored", Metrics{TotalChecks: 500}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.metrics); got != tt.want {
				t.Errorf("Score(%+v) = %v, want %v", tt.metrics, got, tt.want)
			}
		})
	}
}

func TestScoreAlwaysInRange(t *testing.T) {
	values := []int{0, 1, 7, 19, 100, 1000, 1 << 30}
	for _, f := range values {
		for _, a := range values {
			for _, e := range values {
				s := Score(Metrics{FailedLogins: f, AuditViolations: a, EncryptedFields: e})
				if s < MinScore || s > MaxScore {
					t.Fatalf("Score out of range for f=%d a=%d e=%d: %v", f, a, e, s)
				}
			}
		}
	}
}

func TestStaticSource(t *testing.T) {
	src := StaticSource{Metrics: Metrics{FailedLogins: 2}}
	m, err := src.Snapshot(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if m.FailedLogins != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

type fakeRow struct {
	values []int
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		*(d.(*int)) = r.values[i]
	}
	return nil
}

type fakeQuerier struct {
	row     fakeRow
	lastSQL string
	args    []any
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL = sql
	q.args = args
	return q.row
}

func TestPostgresSourceSnapshot(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{values: []int{1, 2, 3, 4}}}
	src := &PostgresSource{db: q}

	m, err := src.Snapshot(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	want := Metrics{FailedLogins: 1, AuditViolations: 2, EncryptedFields: 3, TotalChecks: 4}
	if m != want {
		t.Errorf("Snapshot() = %+v, want %+v", m, want)
	}
	if len(q.args) != 1 || q.args[0] != "acme" {
		t.Errorf("expected organization argument, got %v", q.args)
	}
}

func TestPostgresSourceNoRows(t *testing.T) {
	src := &PostgresSource{db: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}

	_, err := src.Snapshot(context.Background(), "acme")
	if !errors.Is(err, ErrNoMetrics) {
		t.Errorf("expected ErrNoMetrics, got %v", err)
	}
}
