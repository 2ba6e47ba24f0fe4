// Package workers resolves worker identifiers to display names. The
// authoritative roster lives outside this engine; the Directory is an
// opaque collaborator.
package workers

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownWorker is returned when an id has no roster entry.
var ErrUnknownWorker = errors.New("workers: unknown worker")

// Directory resolves a worker id to a display name.
type Directory interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// StaticDirectory is a fixed in-memory roster, useful for tests and
// single-shop deployments.
type StaticDirectory map[string]string

func (d StaticDirectory) Resolve(_ context.Context, id string) (string, error) {
	name, ok := d[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return name, nil
}
