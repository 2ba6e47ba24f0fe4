// Package occ implements optimistic concurrency control over the
// tabular store: read-modify-write cycles keyed on version tokens,
// retried with bounded exponential backoff and deterministic jitter.
package occ

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds retry behavior. Exhausting MaxAttempts is a
// terminal failure, never an infinite loop.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy suits a slow spreadsheet backend: 5 attempts,
// 100ms base doubling to a 3s ceiling with up to 250ms jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 100, MaxMs: 3000, MaxJitterMs: 250, MaxAttempts: 5}
}

// BackoffParams seed the deterministic jitter so a given caller and
// attempt always waits the same delay, keeping retry storms spread but
// reproducible in tests.
type BackoffParams struct {
	Table        string
	Key          string
	AttemptIndex int
}

// ComputeBackoff returns the delay before the given retry attempt.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+computeJitter(params, policy)) * time.Millisecond
}

func computeJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.Table, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
