package occ

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/fabline/spooltrack/pkg/store"
)

func quietPolicy(attempts int) BackoffPolicy {
	return BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: attempts}
}

// interceptStore wedges a hook between the resolver's read and write so
// tests can race a competing writer deterministically.
type interceptStore struct {
	store.TableStore
	beforeWrite func()
}

func (s *interceptStore) WriteRow(ctx context.Context, table, key string, fields store.Row, expectedVersion int64) (int64, error) {
	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	return s.TableStore.WriteRow(ctx, table, key, fields, expectedVersion)
}

func TestUpdateWritesThrough(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	if _, err := mem.WriteRow(ctx, "spools", "SP-1", store.Row{"count": "0"}, 0); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(mem, quietPolicy(3)).WithSleep(func(time.Duration) {})

	fields, version, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		f["count"] = "1"
		return f, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if version != 2 || fields["count"] != "1" {
		t.Fatalf("got %v @%d", fields, version)
	}
}

func TestUpdateReappliesOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	if _, err := mem.WriteRow(ctx, "spools", "SP-1", store.Row{"count": "0"}, 0); err != nil {
		t.Fatal(err)
	}

	// A competing writer bumps the counter between the resolver's
	// first read and first write. The retry must re-read and apply the
	// increment on top of the winner's state, not its own stale copy.
	raced := false
	wedged := &interceptStore{TableStore: mem, beforeWrite: func() {}}
	wedged.beforeWrite = func() {
		if raced {
			return
		}
		raced = true
		f, v, err := mem.ReadRow(ctx, "spools", "SP-1")
		if err != nil {
			t.Fatal(err)
		}
		f["count"] = "10"
		if _, err := mem.WriteRow(ctx, "spools", "SP-1", f, v); err != nil {
			t.Fatal(err)
		}
	}

	r := NewResolver(wedged, quietPolicy(3)).WithSleep(func(time.Duration) {})
	retries := 0
	r.WithRetryHook(func(string) { retries++ })

	fields, _, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		n, _ := strconv.Atoi(f["count"])
		f["count"] = strconv.Itoa(n + 1)
		return f, nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if fields["count"] != "11" {
		t.Fatalf("count = %q, want 11 (retry must see the winner's write)", fields["count"])
	}
	if retries != 1 {
		t.Fatalf("retries = %d, want 1", retries)
	}
}

func TestUpdateExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	if _, err := mem.WriteRow(ctx, "spools", "SP-1", store.Row{"count": "0"}, 0); err != nil {
		t.Fatal(err)
	}

	// Every write loses: the competitor always sneaks in first.
	wedged := &interceptStore{TableStore: mem}
	wedged.beforeWrite = func() {
		f, v, _ := mem.ReadRow(ctx, "spools", "SP-1")
		_, _ = mem.WriteRow(ctx, "spools", "SP-1", f, v)
	}

	r := NewResolver(wedged, quietPolicy(3)).WithSleep(func(time.Duration) {})
	_, _, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		return f, nil
	})
	if !errors.Is(err, ErrConflictExhausted) {
		t.Fatalf("err = %v, want ErrConflictExhausted", err)
	}
}

func TestUpdateBusinessErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	if _, err := mem.WriteRow(ctx, "spools", "SP-1", store.Row{"occupant": "worker-2"}, 0); err != nil {
		t.Fatal(err)
	}

	errBusy := errors.New("already occupied")
	r := NewResolver(mem, quietPolicy(5)).WithSleep(func(time.Duration) {})
	calls := 0
	_, _, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		calls++
		return nil, errBusy
	})
	if !errors.Is(err, errBusy) {
		t.Fatalf("err = %v, want the business error verbatim", err)
	}
	if calls != 1 {
		t.Fatalf("mutator ran %d times, business failures must not retry", calls)
	}
}

func TestUpdateMutatorSeesCopy(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	if _, err := mem.WriteRow(ctx, "spools", "SP-1", store.Row{"a": "1"}, 0); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(mem, quietPolicy(3)).WithSleep(func(time.Duration) {})
	_, _, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		f["a"] = "mutated"
		return nil, errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected abort")
	}
	got, _, _ := mem.ReadRow(ctx, "spools", "SP-1")
	if got["a"] != "1" {
		t.Fatal("aborted mutator leaked changes into the store")
	}
}

func TestUpdateBatchEmptyWritesIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	r := NewResolver(mem, quietPolicy(3)).WithSleep(func(time.Duration) {})

	err := r.UpdateBatch(ctx, "unions", "SP-1#", func(rows []store.KeyedRow) ([]store.Write, error) {
		if len(rows) != 0 {
			t.Fatalf("unexpected rows: %v", rows)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
}

func TestUpdateBatchWritesAtomically(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	for i := 1; i <= 3; i++ {
		key := "SP-1#00000" + strconv.Itoa(i)
		if _, err := mem.WriteRow(ctx, "unions", key, store.Row{"done": ""}, 0); err != nil {
			t.Fatal(err)
		}
	}

	r := NewResolver(mem, quietPolicy(3)).WithSleep(func(time.Duration) {})
	err := r.UpdateBatch(ctx, "unions", "SP-1#", func(rows []store.KeyedRow) ([]store.Write, error) {
		writes := make([]store.Write, 0, len(rows))
		for _, row := range rows {
			f := row.Fields.Clone()
			f["done"] = "y"
			writes = append(writes, store.Write{Key: row.Key, Fields: f, ExpectedVersion: row.Version})
		}
		return writes, nil
	})
	if err != nil {
		t.Fatalf("UpdateBatch: %v", err)
	}
	rows, _ := mem.ScanPrefix(ctx, "unions", "SP-1#")
	for _, row := range rows {
		if row.Fields["done"] != "y" {
			t.Fatalf("row %s not written", row.Key)
		}
	}
}

func TestUpdateCancelledContext(t *testing.T) {
	mem := store.NewMemStore()
	r := NewResolver(mem, quietPolicy(3)).WithSleep(func(time.Duration) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Update(ctx, "spools", "SP-1", func(f store.Row) (store.Row, error) {
		return f, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestAppendRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()

	fails := 2
	flaky := &flakyAppendStore{TableStore: mem, failures: &fails}
	r := NewResolver(flaky, quietPolicy(5)).WithSleep(func(time.Duration) {})

	if err := r.Append(ctx, "audit_log", []store.Row{{"seq": "1"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rows, _ := mem.ReadAppends(ctx, "audit_log")
	if len(rows) != 1 {
		t.Fatalf("appended %d rows, want 1", len(rows))
	}
}

type flakyAppendStore struct {
	store.TableStore
	failures *int
}

func (s *flakyAppendStore) AppendRows(ctx context.Context, table string, rows []store.Row) error {
	if *s.failures > 0 {
		*s.failures--
		return errors.New("transient backend error")
	}
	return s.TableStore.AppendRows(ctx, table, rows)
}
