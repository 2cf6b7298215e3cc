package score

import (
	"context"
)

const (
	MaxScore = 100.0
	MinScore = 0.0

	failedLoginWeight    = 2.0
	auditViolationWeight = 5.0
	encryptionCredit     = 1.5
)

// Metrics is one snapshot from the external metrics collector. All counts
// are expected to be non-negative; Score does not re-validate them.
type Metrics struct {
	FailedLogins    int `json:"failed_logins"`
	AuditViolations int `json:"audit_violations"`
	EncryptedFields int `json:"encrypted_fields"`
	// TotalChecks is part of the collector contract but not used by Score.
	TotalChecks int `json:"total_checks"`
}

// Score computes 100 − (2·failedLogins + 5·auditViolations) + 1.5·encryptedFields
// clamped to [0, 100].
func Score(m Metrics) float64 {
	raw := MaxScore -
		(failedLoginWeight*float64(m.FailedLogins) + auditViolationWeight*float64(m.AuditViolations)) +
		encryptionCredit*float64(m.EncryptedFields)

	return clamp(raw, MinScore, MaxScore)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Source supplies the current metrics snapshot for an organization.
type Source interface {
	Snapshot(ctx context.Context, organization string) (Metrics, error)
}

// StaticSource always returns the same snapshot.
type StaticSource struct {
	Metrics Metrics
}

func (s StaticSource) Snapshot(ctx context.Context, organization string) (Metrics, error) {
	return s.Metrics, nil
}
