// Package occupation enforces the single-writer claim on a spool: one
// worker at a time, acquired before work starts and released on every
// exit path of a work session. There is no TTL; a crashed client
// leaves the spool occupied until reconciled out of band.
package occupation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/occ"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
)

// ErrAlreadyOccupied is the sentinel for the business-rule failure;
// use AsAlreadyOccupied to recover the holder.
var ErrAlreadyOccupied = errors.New("occupation: spool already occupied")

// AlreadyOccupiedError reports who holds the spool.
type AlreadyOccupiedError struct {
	SpoolTag string
	Occupant string
}

func (e *AlreadyOccupiedError) Error() string {
	return fmt.Sprintf("occupation: spool %s already occupied by %s", e.SpoolTag, e.Occupant)
}

func (e *AlreadyOccupiedError) Unwrap() error { return ErrAlreadyOccupied }

// AsAlreadyOccupied extracts the typed failure, if present.
func AsAlreadyOccupied(err error) (*AlreadyOccupiedError, bool) {
	var target *AlreadyOccupiedError
	return target, errors.As(err, &target)
}

// Token captures a successful acquisition, including the row version
// the occupant observed before claiming.
type Token struct {
	SpoolTag     string
	Worker       string
	AcquiredAt   time.Time
	PriorVersion int64
}

// Manager acquires and releases occupation through version-tokened
// writes. The occupant field of the spool row is the single mutable
// resource: no in-memory lock registry exists, so a startup scan of
// occupant fields is always ground truth.
type Manager struct {
	resolver *occ.Resolver
	audit    *audit.Writer
	clock    func() time.Time
}

// NewManager builds a Manager.
func NewManager(resolver *occ.Resolver, auditWriter *audit.Writer) *Manager {
	return &Manager{resolver: resolver, audit: auditWriter, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Acquire claims the spool for workerID. Fails with
// *AlreadyOccupiedError when any occupant is present; the failure is a
// business rule and is never retried.
func (m *Manager) Acquire(ctx context.Context, tag, workerID string) (*Token, error) {
	now := m.clock().UTC()
	var priorVersion int64

	_, newVersion, err := m.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		if occupant := fields[spool.FieldOccupant]; occupant != "" {
			return nil, &AlreadyOccupiedError{SpoolTag: tag, Occupant: occupant}
		}
		fields[spool.FieldOccupant] = workerID
		fields[spool.FieldOccupiedAt] = now.Format(time.RFC3339Nano)
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	priorVersion = newVersion - 1

	m.audit.Record(ctx, audit.Draft{
		Kind:     audit.KindOccupied,
		SpoolTag: tag,
		Worker:   workerID,
	})

	return &Token{
		SpoolTag:     tag,
		Worker:       workerID,
		AcquiredAt:   now,
		PriorVersion: priorVersion,
	}, nil
}

// Release clears the occupant unconditionally and returns the worker
// who held the spool, if any. Every exit path of a work session calls
// this: pause, complete, and cancel alike. Release itself does not
// audit; the session outcome event (or the caller's explicit release
// event) covers it, keeping one unit-level event per operation.
func (m *Manager) Release(ctx context.Context, tag string) (string, error) {
	var released string
	_, _, err := m.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		released = fields[spool.FieldOccupant]
		fields[spool.FieldOccupant] = ""
		fields[spool.FieldOccupiedAt] = ""
		return fields, nil
	})
	if err != nil {
		return "", err
	}
	return released, nil
}
