package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// TopicMap maps a logical module key (hr, audit, kpi, ...) to its topic.
type TopicMap map[string]string

// RetryPolicy governs transient transport failures: a failed attempt is
// retried up to Retries times, waiting Delay between attempts.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// Config is fixed for the lifetime of a Router.
type Config struct {
	Topics TopicMap
	Retry  RetryPolicy
}

func (c Config) Validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("topic map is empty")
	}
	for module, topic := range c.Topics {
		if module == "" || topic == "" {
			return fmt.Errorf("invalid topic mapping %q -> %q", module, topic)
		}
	}
	if c.Retry.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", c.Retry.Retries)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %v", c.Retry.Delay)
	}
	return nil
}

// Transport delivers an encoded payload to a topic. The wire protocol is the
// transport's concern.
type Transport interface {
	Send(ctx context.Context, topic string, body []byte) error
}

type Outcome struct {
	Module   string `json:"module"`
	Topic    string `json:"topic"`
	Attempts int    `json:"attempts"`
}

type Router struct {
	topics    TopicMap
	retry     RetryPolicy
	transport Transport
	logger    *slog.Logger
}

func NewRouter(cfg Config, transport Transport, logger *slog.Logger) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	topics := make(TopicMap, len(cfg.Topics))
	for module, topic := range cfg.Topics {
		topics[module] = topic
	}

	return &Router{
		topics:    topics,
		retry:     cfg.Retry,
		transport: transport,
		logger:    logger,
	}, nil
}

// Resolve returns the topic for module or an *UnknownModuleError.
func (r *Router) Resolve(module string) (string, error) {
	topic, ok := r.topics[module]
	if !ok {
		return "", &UnknownModuleError{Module: module}
	}
	return topic, nil
}

func (r *Router) Modules() []string {
	modules := make([]string, 0, len(r.topics))
	for m := range r.topics {
		modules = append(modules, m)
	}
	return modules
}

// Dispatch sends body to the module's topic. Unknown modules fail without
// touching the transport. Transport errors are retried per the policy; once
// the budget is spent an *ExhaustedError carries the attempt count.
// Cancelling ctx between attempts abandons delivery with ctx's error.
func (r *Router) Dispatch(ctx context.Context, module string, body []byte) (Outcome, error) {
	topic, err := r.Resolve(module)
	if err != nil {
		return Outcome{Module: module}, err
	}

	outcome := Outcome{Module: module, Topic: topic}

	operation := func() (struct{}, error) {
		outcome.Attempts++
		return struct{}{}, r.transport.Send(ctx, topic, body)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.retry.Delay)),
		backoff.WithMaxTries(uint(r.retry.Retries+1)),
		// The attempt budget alone bounds delivery.
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Dispatch attempt failed, retrying",
				"module", module,
				"topic", topic,
				"attempt", outcome.Attempts,
				"retry_in", next,
				"error", err,
			)
		}),
	)
	if err == nil {
		return outcome, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("dispatch to %s abandoned after %d attempts: %w", topic, outcome.Attempts, ctxErr)
	}

	return outcome, &ExhaustedError{
		Module:   module,
		Topic:    topic,
		Attempts: outcome.Attempts,
		Err:      err,
	}
}
