package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/witnz/auditsync/internal/integrity"
	"github.com/witnz/auditsync/internal/orchestrator"
)

const (
	ModuleColumn  = "module"
	PayloadColumn = "payload"
)

// SubmitFunc hands one outbox row to the orchestrator.
type SubmitFunc func(ctx context.Context, module string, payload integrity.Payload) (*orchestrator.Result, error)

type TamperAlerter interface {
	SendTamperAlert(table, operation, details string) error
}

// Relay turns outbox inserts into submissions. The outbox is append-only:
// updates and deletes are reported as tampering.
type Relay struct {
	table  string
	submit SubmitFunc
	alerts TamperAlerter
	logger *slog.Logger
}

func NewRelay(table string, submit SubmitFunc, alerts TamperAlerter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		table:  table,
		submit: submit,
		alerts: alerts,
		logger: logger,
	}
}

func (r *Relay) HandleChange(ctx context.Context, event *ChangeEvent) error {
	if event.TableName != r.table {
		return nil
	}

	if event.Operation == OperationUpdate || event.Operation == OperationDelete {
		if r.alerts != nil {
			details := fmt.Sprintf("lsn=%s row=%v", event.LSN, event.OldData)
			if err := r.alerts.SendTamperAlert(r.table, string(event.Operation), details); err != nil {
				r.logger.Warn("Failed to send tamper alert", "error", err)
			}
		}
		return NewTamperingError(r.table, event.Operation, "append-only")
	}

	module, payload, err := decodeRow(event.NewData)
	if err != nil {
		r.logger.Warn("Skipping malformed outbox row", "lsn", event.LSN.String(), "error", err)
		return nil
	}

	result, err := r.submit(ctx, module, payload)
	if err == nil {
		return nil
	}

	// Rejected rows never chain and a failed dispatch is already on the
	// ledger; resubmitting either would not change the outcome.
	if result != nil && (result.State == orchestrator.StateRejected || result.State == orchestrator.StateDispatchFailed) {
		r.logger.Warn("Outbox submission did not complete",
			"module", module,
			"lsn", event.LSN.String(),
			"state", result.State,
			"error", err,
		)
		return nil
	}

	// Anything else failed before the row was chained. Returning the error
	// keeps the LSN unacknowledged so the row is redelivered.
	return fmt.Errorf("failed to relay %s row at %s: %w", module, event.LSN, err)
}

func decodeRow(row map[string]any) (string, integrity.Payload, error) {
	module, _ := row[ModuleColumn].(string)
	if module == "" {
		return "", nil, fmt.Errorf("row has no %s", ModuleColumn)
	}

	switch v := row[PayloadColumn].(type) {
	case map[string]any:
		return module, integrity.Payload(v), nil
	case string:
		return unmarshalPayload(module, []byte(v))
	case []byte:
		return unmarshalPayload(module, v)
	case nil:
		return "", nil, fmt.Errorf("row has no %s", PayloadColumn)
	default:
		return "", nil, fmt.Errorf("unsupported %s type %T", PayloadColumn, v)
	}
}

func unmarshalPayload(module string, data []byte) (string, integrity.Payload, error) {
	var payload integrity.Payload
	if err := decodeJSON(data, &payload); err != nil {
		return "", nil, fmt.Errorf("failed to decode %s payload: %w", module, err)
	}
	return module, payload, nil
}

// decodeJSON keeps numbers as json.Number so large integers survive intact.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}
