// Package outbox streams the sync outbox table over Postgres logical
// replication. Upstream modules insert (module, payload) rows; each insert
// becomes one submission, and any UPDATE or DELETE on the table is treated
// as tampering with the audit trail.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

type OperationType string

const (
	OperationInsert OperationType = "INSERT"
	OperationUpdate OperationType = "UPDATE"
	OperationDelete OperationType = "DELETE"
)

type ChangeEvent struct {
	TableName string
	Operation OperationType
	Timestamp time.Time
	NewData   map[string]any
	OldData   map[string]any
	LSN       pglogrepl.LSN
}

type EventHandler interface {
	HandleChange(ctx context.Context, event *ChangeEvent) error
}
