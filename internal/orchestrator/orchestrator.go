// Package orchestrator sequences every sync payload through
// validate → chain → score → dispatch.
//
// Nothing is chained before it passes validation, and nothing is dispatched
// before it is chained. The ledger is the record of truth; dispatch is
// best-effort delivery on top of it, so a failed delivery never rolls back
// the ledger entry.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/witnz/auditsync/internal/dispatch"
	"github.com/witnz/auditsync/internal/integrity"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/score"
)

const tracerName = "github.com/witnz/auditsync/internal/orchestrator"

type State string

const (
	StateReceived       State = "received"
	StateValidated      State = "validated"
	StateChained        State = "chained"
	StateScored         State = "scored"
	StateDispatched     State = "dispatched"
	StateRejected       State = "rejected"
	StateDispatchFailed State = "dispatch_failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateDispatched, StateRejected, StateDispatchFailed:
		return true
	}
	return false
}

// Result is what a caller gets back for one payload, successful or not.
type Result struct {
	SubmissionID string            `json:"submission_id"`
	Module       string            `json:"module"`
	State        State             `json:"state"`
	Issues       []string          `json:"issues,omitempty"`
	Position     *uint64           `json:"position,omitempty"`
	Entry        *ledger.LogEntry  `json:"entry,omitempty"`
	Score        *float64          `json:"score,omitempty"`
	ScoreError   string            `json:"score_error,omitempty"`
	Dispatch     *dispatch.Outcome `json:"dispatch,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Alerter is told about payloads that were chained but never delivered.
type Alerter interface {
	SendDispatchFailedAlert(module, topic string, attempts int, reason string) error
}

type Config struct {
	Validator    *integrity.Validator
	Ledgers      *ledger.Registry
	Metrics      score.Source
	Router       *dispatch.Router
	Alerts       Alerter
	Organization string
	Logger       *slog.Logger
}

type Orchestrator struct {
	validator    *integrity.Validator
	ledgers      *ledger.Registry
	metrics      score.Source
	router       *dispatch.Router
	alerts       Alerter
	organization string
	logger       *slog.Logger
	tracer       trace.Tracer
	newID        func() string
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Ledgers == nil {
		return nil, fmt.Errorf("ledger registry is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("dispatch router is required")
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("metrics source is required")
	}

	validator := cfg.Validator
	if validator == nil {
		validator = integrity.NewValidator()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		validator:    validator,
		ledgers:      cfg.Ledgers,
		metrics:      cfg.Metrics,
		router:       cfg.Router,
		alerts:       cfg.Alerts,
		organization: cfg.Organization,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		newID:        uuid.NewString,
	}, nil
}

// Submit drives one payload to a terminal state. The returned error is nil
// only for StateDispatched; the Result is always populated.
func (o *Orchestrator) Submit(ctx context.Context, module string, payload integrity.Payload) (*Result, error) {
	result := &Result{
		SubmissionID: o.newID(),
		Module:       module,
		State:        StateReceived,
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Submit", trace.WithAttributes(
		attribute.String("sync.module", module),
		attribute.String("sync.submission_id", result.SubmissionID),
	))
	defer span.End()

	err := o.run(ctx, module, payload, result)

	span.SetAttributes(attribute.String("sync.state", string(result.State)))
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.State))
	}

	return result, err
}

func (o *Orchestrator) run(ctx context.Context, module string, payload integrity.Payload, result *Result) error {
	logger := o.logger.With("module", module, "submission_id", result.SubmissionID)

	if issues := o.validator.Check(payload); len(issues) > 0 {
		result.State = StateRejected
		result.Issues = issues
		logger.Info("Sync payload rejected", "issues", issues)
		return &ValidationError{Issues: issues}
	}

	if _, err := o.router.Resolve(module); err != nil {
		result.State = StateRejected
		logger.Warn("Sync payload for unconfigured module", "error", err)
		return err
	}
	result.State = StateValidated

	logText, err := CanonicalLog(payload)
	if err != nil {
		result.State = StateRejected
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	l, err := o.ledgers.Ledger(module)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	position, entry, err := l.AppendIndexed(logText)
	if err != nil {
		return fmt.Errorf("failed to chain payload: %w", err)
	}
	result.State = StateChained
	result.Position = &position
	result.Entry = &entry
	logger.Debug("Sync payload chained", "position", position, "hash", entry.Hash)

	metrics, err := o.metrics.Snapshot(ctx, o.organization)
	if err != nil {
		result.ScoreError = err.Error()
		logger.Warn("Security metrics unavailable, continuing without score", "error", err)
	} else {
		s := score.Score(metrics)
		result.Score = &s
	}
	result.State = StateScored

	outcome, err := o.router.Dispatch(ctx, module, []byte(logText))
	result.Dispatch = &outcome
	if err != nil {
		result.State = StateDispatchFailed
		logger.Error("Sync dispatch failed, ledger entry retained",
			"position", position,
			"attempts", outcome.Attempts,
			"error", err,
		)
		if o.alerts != nil {
			if alertErr := o.alerts.SendDispatchFailedAlert(module, outcome.Topic, outcome.Attempts, err.Error()); alertErr != nil {
				logger.Warn("Failed to send dispatch alert", "error", alertErr)
			}
		}
		return err
	}

	result.State = StateDispatched
	logger.Info("Sync payload dispatched",
		"position", position,
		"topic", outcome.Topic,
		"attempts", outcome.Attempts,
	)
	return nil
}

// Modules lists the configured module keys in sorted order.
func (o *Orchestrator) Modules() []string {
	modules := o.router.Modules()
	slices.Sort(modules)
	return modules
}

// CanonicalLog is the ledger text for a payload: its JSON encoding, with
// object keys in sorted order so equal payloads chain identically.
func CanonicalLog(payload integrity.Payload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
