package firewall

import (
	"context"
	"errors"
	"time"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/rules"
)

// timeoutBackend bounds every call of the wrapped backend.
type timeoutBackend struct {
	inner   Backend
	timeout time.Duration
}

// WithTimeout returns b with every call bounded by d. A call that does not
// return in time fails with KindTimeout; a d of zero or less disables the bound.
func WithTimeout(b Backend, d time.Duration) Backend {
	if d <= 0 {
		return b
	}
	return &timeoutBackend{inner: b, timeout: d}
}

// Unwrap returns the wrapped backend.
func (t *timeoutBackend) Unwrap() Backend { return t.inner }

func (t *timeoutBackend) Name() string { return t.inner.Name() }

func (t *timeoutBackend) Apply(ctx context.Context, r rules.Rule) error {
	_, err := bounded(ctx, t.timeout, "apply "+r.Path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.inner.Apply(ctx, r)
	})
	return err
}

func (t *timeoutBackend) Revoke(ctx context.Context, e Entry) error {
	_, err := bounded(ctx, t.timeout, "revoke "+e.Path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.inner.Revoke(ctx, e)
	})
	return err
}

func (t *timeoutBackend) QueryActive(ctx context.Context) ([]Entry, error) {
	return bounded(ctx, t.timeout, "query active entries", t.inner.QueryActive)
}

func (t *timeoutBackend) Close() error { return t.inner.Close() }

// bounded runs fn and stops waiting once the deadline passes. Some OS calls
// (netlink reads, child processes) ignore cancellation, so fn runs in its own
// goroutine and is abandoned on timeout.
func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.val, awerrors.Wrapf(r.err, awerrors.KindTimeout, "%s timed out after %s", op, d)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, awerrors.Errorf(awerrors.KindTimeout, "%s timed out after %s", op, d)
		}
		return zero, ctx.Err()
	}
}
