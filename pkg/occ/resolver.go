package occ

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabline/spooltrack/pkg/store"
)

// ErrConflictExhausted is returned after the bounded retry budget was
// spent without winning a conditional write. Callers surface it as a
// "try again" failure; it is never swallowed.
var ErrConflictExhausted = errors.New("occ: conflict retries exhausted")

// Mutator applies the caller's change to a fresh copy of the row. A
// non-nil error aborts the cycle immediately and is returned verbatim;
// business-rule failures are never retried.
type Mutator func(fields store.Row) (store.Row, error)

// BatchMutator applies the caller's change to a fresh prefix snapshot,
// returning the conditional writes to attempt.
type BatchMutator func(rows []store.KeyedRow) ([]store.Write, error)

// Resolver wraps read-modify-write cycles against the store. On a
// version conflict the whole cycle reruns: re-read, re-apply, rewrite,
// so the loser always reapplies its change on top of the winner's
// state.
type Resolver struct {
	store   store.TableStore
	policy  BackoffPolicy
	sleep   func(time.Duration)
	onRetry func(table string)
}

// NewResolver builds a Resolver with the given policy.
func NewResolver(st store.TableStore, policy BackoffPolicy) *Resolver {
	if policy.MaxAttempts <= 0 {
		policy = DefaultBackoffPolicy()
	}
	return &Resolver{store: st, policy: policy, sleep: time.Sleep}
}

// WithSleep overrides the retry sleep for tests.
func (r *Resolver) WithSleep(sleep func(time.Duration)) *Resolver {
	r.sleep = sleep
	return r
}

// WithRetryHook registers a callback invoked once per retry attempt,
// used for metrics.
func (r *Resolver) WithRetryHook(hook func(table string)) *Resolver {
	r.onRetry = hook
	return r
}

// Update runs one read-modify-write cycle with bounded retries and
// returns the written fields and new version.
func (r *Resolver) Update(ctx context.Context, table, key string, mutate Mutator) (store.Row, int64, error) {
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := r.wait(ctx, table, key, attempt); err != nil {
			return nil, 0, err
		}

		fields, version, err := r.store.ReadRow(ctx, table, key)
		if err != nil {
			return nil, 0, err
		}
		next, err := mutate(fields.Clone())
		if err != nil {
			return nil, 0, err
		}
		newVersion, err := r.store.WriteRow(ctx, table, key, next, version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		return next, newVersion, nil
	}
	return nil, 0, fmt.Errorf("%w: %s/%s after %d attempts", ErrConflictExhausted, table, key, r.policy.MaxAttempts)
}

// UpdateBatch runs a prefix-scoped read-modify-write cycle: scan all
// rows under prefix, let mutate build a conditional batch, write it in
// one store call. Retried as a whole on conflict.
func (r *Resolver) UpdateBatch(ctx context.Context, table, prefix string, mutate BatchMutator) error {
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := r.wait(ctx, table, prefix, attempt); err != nil {
			return err
		}

		rows, err := r.store.ScanPrefix(ctx, table, prefix)
		if err != nil {
			return err
		}
		writes, err := mutate(rows)
		if err != nil {
			return err
		}
		if len(writes) == 0 {
			return nil
		}
		err = r.store.WriteRows(ctx, table, writes)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s/%s* after %d attempts", ErrConflictExhausted, table, prefix, r.policy.MaxAttempts)
}

// Append appends rows with bounded retries. Append has no version
// check, so any transient store error is retried until the budget is
// spent.
func (r *Resolver) Append(ctx context.Context, table string, rows []store.Row) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := r.wait(ctx, table, "append", attempt); err != nil {
			return err
		}
		if lastErr = r.store.AppendRows(ctx, table, rows); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: append %s after %d attempts: %v", ErrConflictExhausted, table, r.policy.MaxAttempts, lastErr)
}

func (r *Resolver) wait(ctx context.Context, table, key string, attempt int) error {
	if attempt == 0 {
		return ctx.Err()
	}
	if r.onRetry != nil {
		r.onRetry(table)
	}
	delay := ComputeBackoff(BackoffParams{Table: table, Key: key, AttemptIndex: attempt}, r.policy)
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.sleep(delay)
	return nil
}
