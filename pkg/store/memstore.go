package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory TableStore. It is the default backend for
// tests and the reference for conditional-write semantics.
type MemStore struct {
	mu      sync.RWMutex
	tables  map[string]map[string]*memRow
	appends map[string][]Row
}

type memRow struct {
	fields  Row
	version int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tables:  make(map[string]map[string]*memRow),
		appends: make(map[string][]Row),
	}
}

func (m *MemStore) ReadRow(_ context.Context, table, key string) (Row, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tables[table][key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return r.fields.Clone(), r.version, nil
}

func (m *MemStore) WriteRow(_ context.Context, table, key string, fields Row, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(table, Write{Key: key, Fields: fields, ExpectedVersion: expectedVersion})
}

func (m *MemStore) WriteRows(_ context.Context, table string, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate every version before touching anything so the batch is
	// all-or-nothing.
	for _, w := range writes {
		r, ok := m.tables[table][w.Key]
		if !ok {
			if w.ExpectedVersion != 0 {
				return ErrNotFound
			}
			continue
		}
		if r.version != w.ExpectedVersion {
			return ErrVersionConflict
		}
	}
	for _, w := range writes {
		if _, err := m.writeLocked(table, w); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) writeLocked(table string, w Write) (int64, error) {
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[string]*memRow)
		m.tables[table] = rows
	}
	r, ok := rows[w.Key]
	if !ok {
		if w.ExpectedVersion != 0 {
			return 0, ErrNotFound
		}
		rows[w.Key] = &memRow{fields: w.Fields.Clone(), version: 1}
		return 1, nil
	}
	if r.version != w.ExpectedVersion {
		return 0, ErrVersionConflict
	}
	r.fields = w.Fields.Clone()
	r.version++
	return r.version, nil
}

func (m *MemStore) AppendRows(_ context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.appends[table] = append(m.appends[table], r.Clone())
	}
	return nil
}

func (m *MemStore) ReadAppends(_ context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.appends[table]
	out := make([]Row, len(src))
	for i, r := range src {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *MemStore) ScanPrefix(_ context.Context, table, prefix string) ([]KeyedRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KeyedRow
	for key, r := range m.tables[table] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KeyedRow{Key: key, Fields: r.fields.Clone(), Version: r.version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
