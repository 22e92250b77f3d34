package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dispatchbot/dispatch/internal/config"
	"github.com/dispatchbot/dispatch/internal/dispatch/store"
)

// Runner is a polling service ready to execute one batch.
type Runner interface {
	Poll(ctx context.Context) (Result, error)
}

// RunScheduled wraps one scheduled invocation of a polling service: it
// validates the configuration, opens the store for the duration of the batch
// (closing it on every path), builds the service, and polls once.
//
// The returned error is non-nil for configuration errors and bulk-fetch
// failures. Per-item failures are reported through Result.Failed; validation
// skips never count as failure.
func RunScheduled(ctx context.Context, cfg *config.Config, logger *slog.Logger, build func(*store.Store) Runner) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if issues := cfg.Validate(); len(issues) > 0 {
		return Result{}, fmt.Errorf("invalid configuration: %s", strings.Join(issues, "; "))
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultPath()
		if err != nil {
			return Result{}, fmt.Errorf("determining database path: %w", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return Result{}, fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	result, err := build(st).Poll(ctx)
	if err != nil {
		return result, err
	}
	if result.Failed() {
		logger.Error("polling completed with system errors", "errored", result.Errored)
	}
	return result, nil
}
