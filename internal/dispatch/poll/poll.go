// Package poll provides the shared two-step batch executor behind the
// dispatch polling services: fetch a candidate set once, then process each
// candidate strictly sequentially and aggregate the outcomes.
package poll

import (
	"context"
	"fmt"
	"log/slog"
)

// ItemResult is the outcome of processing a single candidate.
type ItemResult struct {
	// Key identifies the item (ticket key or job run id).
	Key        string
	Success    bool
	Skipped    bool
	SkipReason string
	Err        error

	// PartialErrors counts failures buried inside the item that are not
	// already represented by Err, e.g. one target's launch failing while
	// another target's launch succeeds. Each contributes to Result.Errored.
	PartialErrors int
}

// Result aggregates one polling run.
type Result struct {
	Found     int
	Processed int
	Skipped   int
	Errored   int
	Items     []ItemResult
}

// Failed reports whether the run should signal failure to the scheduler.
// Skipped items are normal operation and never flip this.
func (r Result) Failed() bool { return r.Errored > 0 }

// Strategy supplies the per-service pieces of a polling run.
type Strategy[T any] interface {
	// FetchCandidates executes the service's query once and returns the
	// batch. An error here aborts the whole run.
	FetchCandidates(ctx context.Context) ([]T, error)

	// ProcessItem handles one candidate. Errors belong in the returned
	// ItemResult; they never abort the batch.
	ProcessItem(ctx context.Context, item T) ItemResult
}

// Run executes one polling batch for the given strategy. Items are processed
// one at a time, in order; this is intentional, to stay within external API
// rate limits, and must not be parallelized.
func Run[T any](ctx context.Context, name string, s Strategy[T], logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	items, err := s.FetchCandidates(ctx)
	if err != nil {
		logger.Error("polling run failed", "service", name, "error", err)
		return Result{}, fmt.Errorf("fetching candidates for %s: %w", name, err)
	}

	result := Result{Found: len(items)}
	logger.Info("found candidates to process", "service", name, "found", result.Found)

	for _, item := range items {
		ir := processOne(ctx, s, item)
		result.Items = append(result.Items, ir)

		result.Errored += ir.PartialErrors
		switch {
		case ir.Skipped:
			result.Skipped++
		case ir.Success:
			result.Processed++
		default:
			result.Errored++
			logger.Error("item processing failed", "service", name, "key", ir.Key, "error", ir.Err)
		}
	}

	logger.Info("completed polling run", "service", name,
		"found", result.Found, "processed", result.Processed,
		"skipped", result.Skipped, "errored", result.Errored)
	return result, nil
}

// processOne invokes ProcessItem, converting a panic into an errored result
// so one bad item cannot take down the batch.
func processOne[T any](ctx context.Context, s Strategy[T], item T) (ir ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			ir = ItemResult{Key: ir.Key, Err: fmt.Errorf("panic processing item: %v", r)}
		}
	}()
	return s.ProcessItem(ctx, item)
}
