package integrity

import (
	"encoding/json"
	"time"
)

// Payload is an inbound sync record. Only id, sync_timestamp and
// source_module are inspected; other fields pass through untouched.
type Payload map[string]any

const (
	FieldID           = "id"
	FieldSyncTime     = "sync_timestamp"
	FieldSourceModule = "source_module"
)

const (
	IssueInvalidID        = "missing or invalid ID"
	IssueInvalidTimestamp = "missing or invalid sync timestamp"
	IssueMissingSource    = "missing source module"
	IssueStaleTimestamp   = "sync timestamp outside allowed clock skew"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

type Validator struct {
	maxSkew time.Duration
	now     func() time.Time
}

type Option func(*Validator)

// WithMaxSkew rejects timestamps further than d from the current time.
// Zero disables the freshness check.
func WithMaxSkew(d time.Duration) Option {
	return func(v *Validator) {
		v.maxSkew = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check evaluates every rule and returns all issues in rule order.
// An empty slice means the payload may enter the pipeline.
func (v *Validator) Check(payload Payload) []string {
	issues := make([]string, 0)

	if id, ok := payload[FieldID].(string); !ok || id == "" {
		issues = append(issues, IssueInvalidID)
	}

	ts, ok := ParseTimestamp(payload[FieldSyncTime])
	if !ok {
		issues = append(issues, IssueInvalidTimestamp)
	} else if v.maxSkew > 0 {
		skew := v.now().Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			issues = append(issues, IssueStaleTimestamp)
		}
	}

	if !truthy(payload[FieldSourceModule]) {
		issues = append(issues, IssueMissingSource)
	}

	return issues
}

// ParseTimestamp accepts ISO-8601 strings with or without zone and
// fractional seconds, plain dates, and time.Time values.
func ParseTimestamp(value any) (time.Time, bool) {
	switch ts := value.(type) {
	case time.Time:
		return ts, !ts.IsZero()
	case string:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return true
	}
}
