package firewall

import (
	"context"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/logging"
)

// OpenOptions selects how the backend is opened.
type OpenOptions struct {
	// DryRun uses the in-memory backend instead of the OS firewall.
	DryRun bool
	Clock  clock.Clock
	Logger *logging.Logger
}

// Open returns the platform backend for cfg, bounded by its backend timeout.
func Open(cfg *config.Config, opts OpenOptions) (Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	var b Backend
	if opts.DryRun {
		b = NewMemoryBackend(opts.Clock)
	} else {
		var err error
		b, err = newPlatform(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.WithComponent("firewall").Debug("Opened enforcement backend", "backend", b.Name())
	return WithTimeout(b, cfg.BackendTimeoutDuration()), nil
}

// OpenWithRetry retries Open with backoff while the filtering subsystem is unavailable.
func OpenWithRetry(ctx context.Context, cfg *config.Config, opts OpenOptions, retry RetryConfig) (Backend, error) {
	if retry.OnRetry == nil {
		logger := opts.Logger
		if logger == nil {
			logger = logging.Default()
		}
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warn("Enforcement backend unavailable, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	return Retry(ctx, retry, func(context.Context) (Backend, error) {
		return Open(cfg, opts)
	})
}

// Unwrap returns the innermost backend below any wrappers.
func Unwrap(b Backend) Backend {
	for {
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}
