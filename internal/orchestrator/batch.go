package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/witnz/auditsync/internal/integrity"
)

const defaultBatchConcurrency = 8

type Submission struct {
	Module  string            `json:"module"`
	Payload integrity.Payload `json:"payload"`
}

// SubmitBatch runs independent submissions concurrently. Appends to the same
// module are still serialized by that module's ledger. Results line up with
// the input; a failed item never cancels the others.
func (o *Orchestrator) SubmitBatch(ctx context.Context, items []Submission, concurrency int) []*Result {
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	results := make([]*Result, len(items))

	var g errgroup.Group
	g.SetLimit(concurrency)

	for i, item := range items {
		g.Go(func() error {
			results[i], _ = o.Submit(ctx, item.Module, item.Payload)
			return nil
		})
	}

	_ = g.Wait()
	return results
}
