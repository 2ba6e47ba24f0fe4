// Package store defines the generic tabular store the engine writes
// through. The external system is spreadsheet-like: named tables of
// string-cell rows, each row carrying an opaque version token used for
// optimistic-concurrency conditional writes, plus append-only tables
// with no version check.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: row not found")
	// ErrVersionConflict is returned when a conditional write loses a
	// race: another writer advanced the row version between the
	// caller's read and write.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Row is a single tabular record. Cells are strings, matching the
// external spreadsheet representation; typed encoding lives with the
// domain model.
type Row map[string]string

// Clone returns a defensive copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Write is one conditional row write inside a batch.
type Write struct {
	Key             string
	Fields          Row
	ExpectedVersion int64
}

// KeyedRow is a row together with its key and version, as returned by
// scans.
type KeyedRow struct {
	Key     string
	Fields  Row
	Version int64
}

// TableStore is the contract every backend implements. Versions are
// monotonically increasing int64 tokens starting at 1 on first write;
// a Write with ExpectedVersion 0 creates the row and conflicts if it
// already exists.
type TableStore interface {
	// ReadRow returns the row's fields and current version.
	ReadRow(ctx context.Context, table, key string) (Row, int64, error)

	// WriteRow performs a conditional write keyed on expectedVersion
	// and returns the new version.
	WriteRow(ctx context.Context, table, key string, fields Row, expectedVersion int64) (int64, error)

	// WriteRows applies a batch of conditional writes atomically: all
	// writes land or none do. A version mismatch on any row fails the
	// whole batch with ErrVersionConflict.
	WriteRows(ctx context.Context, table string, writes []Write) error

	// AppendRows appends rows to an append-only table in order, with
	// no version check.
	AppendRows(ctx context.Context, table string, rows []Row) error

	// ReadAppends returns every row of an append-only table in append
	// order.
	ReadAppends(ctx context.Context, table string) ([]Row, error)

	// ScanPrefix returns all rows whose key starts with prefix,
	// ordered by key.
	ScanPrefix(ctx context.Context, table, prefix string) ([]KeyedRow, error)
}
