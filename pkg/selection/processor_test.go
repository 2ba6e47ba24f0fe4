package selection

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/occ"
	"github.com/fabline/spooltrack/pkg/occupation"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
	"github.com/fabline/spooltrack/pkg/workers"
)

type fixture struct {
	store     *store.MemStore
	backend   store.TableStore
	processor *Processor
	manager   *occupation.Manager
	now       time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemStore(), nil, opts)
}

// newFixtureOn lets a test interpose a wrapper backend (for failure
// injection) while keeping the mem store visible for assertions.
func newFixtureOn(t *testing.T, mem *store.MemStore, backend store.TableStore, opts Options) *fixture {
	t.Helper()
	if backend == nil {
		backend = mem
	}
	now := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	resolver := occ.NewResolver(backend, occ.BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxAttempts: 5}).
		WithSleep(func(time.Duration) {})
	writer := audit.NewWriter(backend, resolver, slog.Default()).
		WithClock(func() time.Time { return now })
	manager := occupation.NewManager(resolver, writer).
		WithClock(func() time.Time { return now })
	dir := workers.StaticDirectory{"w1": "Worker One", "w2": "Worker Two"}
	processor := NewProcessor(backend, resolver, manager, writer, dir, slog.Default(), opts).
		WithClock(func() time.Time { return now })
	return &fixture{store: mem, backend: backend, processor: processor, manager: manager, now: now}
}

func (f *fixture) seedSpool(t *testing.T, tag string, unionCount int) {
	t.Helper()
	ctx := context.Background()
	s := &spool.Spool{Tag: tag, AssemblyState: spool.OpPending, WeldingState: spool.OpPending, UnionCount: unionCount}
	_, err := f.store.WriteRow(ctx, spool.TableSpools, tag, s.Row(), 0)
	require.NoError(t, err)
	for seq := 1; seq <= unionCount; seq++ {
		u := &spool.Union{SpoolTag: tag, Seq: seq, Size: 1.5, Kind: "butt-weld"}
		_, err := f.store.WriteRow(ctx, spool.TableUnions, spool.UnionKey(tag, seq), u.Row(), 0)
		require.NoError(t, err)
	}
}

func (f *fixture) readSpool(t *testing.T, tag string) *spool.Spool {
	t.Helper()
	fields, version, err := f.store.ReadRow(context.Background(), spool.TableSpools, tag)
	require.NoError(t, err)
	s, err := spool.SpoolFromRow(tag, fields, version)
	require.NoError(t, err)
	return s
}

func (f *fixture) events(t *testing.T) []*audit.Event {
	t.Helper()
	events, err := audit.VerifyChain(context.Background(), f.store)
	require.NoError(t, err)
	return events
}

func countKind(events []*audit.Event, kind audit.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestPartialSelectionPausesThenRemainderCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 10)

	// First session: w1 assembles 7 of 10.
	firstStart := f.now.Add(-2 * time.Hour)
	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)
	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 2, 3, 4, 5, 6, 7}, firstStart, "w1")
	require.NoError(t, err)

	assert.Equal(t, ActionPause, res.Action)
	assert.Equal(t, 7, res.Progress.Assembly)
	assert.Equal(t, "in progress (assembly 7/10, welding 0/10)", res.Status)

	s := f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpPaused, s.AssemblyState)
	assert.Equal(t, 7, s.AssemblyDone)
	assert.Empty(t, s.Occupant, "occupation released after pause")
	assert.Empty(t, s.AssemblyWorker, "attribution is assigned on completion only")

	// Second session: w2 finishes the remaining 3.
	secondStart := f.now.Add(-30 * time.Minute)
	_, err = f.manager.Acquire(ctx, "SP-1", "w2")
	require.NoError(t, err)
	res, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{8, 9, 10}, secondStart, "w2")
	require.NoError(t, err)

	assert.Equal(t, ActionComplete, res.Action)
	assert.Equal(t, 10, res.Progress.Assembly)
	assert.Equal(t, spool.StatusAssemblyCompleted, res.Status)
	// w1 started first, so w1 carries the operation.
	assert.Equal(t, "w1", res.ResponsibleWorker)

	s = f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpCompleted, s.AssemblyState)
	assert.Equal(t, "w1", s.AssemblyWorker)
	assert.Empty(t, s.Occupant)

	events := f.events(t)
	assert.Equal(t, 1, countKind(events, audit.KindPaused))
	assert.Equal(t, 1, countKind(events, audit.KindCompleted))
	assert.Equal(t, 10, countKind(events, audit.KindUnionWorked))
}

func TestEmptySelectionCancels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 4)

	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)

	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, nil, f.now, "w1")
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, res.Action)
	assert.Equal(t, 0, res.Progress.Assembly)
	assert.Equal(t, spool.StatusAvailable, res.Status)

	s := f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpPending, s.AssemblyState)
	assert.Empty(t, s.Occupant, "cancel releases occupation")

	// No union rows were touched.
	rows, err := f.store.ScanPrefix(ctx, spool.TableUnions, spool.UnionKeyPrefix("SP-1"))
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, int64(1), row.Version, "union %s was written during cancel", row.Key)
	}

	events := f.events(t)
	assert.Equal(t, 1, countKind(events, audit.KindCancelled), "exactly one cancellation event")
	assert.Equal(t, 0, countKind(events, audit.KindUnionWorked))
}

func TestCancelPausedSessionKeepsProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 4)

	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)
	_, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 2}, f.now.Add(-time.Hour), "w1")
	require.NoError(t, err)

	// A later session selects nothing: the paused operation returns
	// to PENDING but finished unions keep their timestamps.
	_, err = f.manager.Acquire(ctx, "SP-1", "w2")
	require.NoError(t, err)
	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, nil, f.now, "w2")
	require.NoError(t, err)

	assert.Equal(t, ActionCancel, res.Action)
	assert.Equal(t, 2, res.Progress.Assembly, "cancel never erases finished work")
	s := f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpPending, s.AssemblyState)
}

func TestWeldingBeforeFullAssembly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 3)

	// One assembled union is enough for welding to begin on the spool;
	// welding everything while assembly is 1/3 is legal, and the
	// edge-case label must surface instead of "in progress".
	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)
	_, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1}, f.now.Add(-2*time.Hour), "w1")
	require.NoError(t, err)

	_, err = f.manager.Acquire(ctx, "SP-1", "w2")
	require.NoError(t, err)
	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpWelding, []int{1, 2, 3}, f.now.Add(-time.Hour), "w2")
	require.NoError(t, err)

	assert.Equal(t, ActionComplete, res.Action)
	assert.Equal(t, spool.StatusWeldingOutstanding, res.Status)

	s := f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpCompleted, s.WeldingState)
	assert.Equal(t, spool.OpPaused, s.AssemblyState)
	assert.Equal(t, spool.InspectionPending, s.Inspection, "completed welding hands off to inspection")
}

func TestWeldingRejectedWithNothingAssembled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 3)

	_, err := f.manager.Acquire(ctx, "SP-1", "w2")
	require.NoError(t, err)
	_, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpWelding, []int{1, 2}, f.now.Add(-time.Hour), "w2")
	require.ErrorIs(t, err, ErrWeldingNotReady)

	// Nothing was written and the worker still holds the spool.
	for seq := 1; seq <= 3; seq++ {
		_, version, err := f.store.ReadRow(ctx, spool.TableUnions, spool.UnionKey("SP-1", seq))
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	}
	s := f.readSpool(t, "SP-1")
	assert.Equal(t, "w2", s.Occupant)
}

func TestResponsibleWorkerNotOverwritten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 2)

	// w1 finishes union 1, pauses.
	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)
	_, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1}, f.now.Add(-3*time.Hour), "w1")
	require.NoError(t, err)

	// w2 re-selects union 1 along with union 2. Timestamps update to
	// the latest session but union 1 keeps w1's attribution.
	_, err = f.manager.Acquire(ctx, "SP-1", "w2")
	require.NoError(t, err)
	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 2}, f.now.Add(-time.Hour), "w2")
	require.NoError(t, err)

	fields, version, err := f.store.ReadRow(ctx, spool.TableUnions, spool.UnionKey("SP-1", 1))
	require.NoError(t, err)
	u, err := spool.UnionFromRow(fields, version)
	require.NoError(t, err)
	assert.Equal(t, "w1", u.Assembly.Worker)
	assert.True(t, u.Assembly.StartedAt.Equal(f.now.Add(-time.Hour)), "latest session's timestamps win")

	assert.Equal(t, "w1", res.ResponsibleWorker, "earliest starter carries the operation")
}

func TestUnknownUnionRejectsWholeSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 2)

	_, err := f.manager.Acquire(ctx, "SP-1", "w1")
	require.NoError(t, err)
	_, err = f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 99}, f.now, "w1")
	require.ErrorIs(t, err, ErrUnknownUnion)

	var typed *UnknownUnionError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, 99, typed.Seq)

	// Nothing landed, union 1 included.
	fields, version, err := f.store.ReadRow(ctx, spool.TableUnions, spool.UnionKey("SP-1", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	u, err := spool.UnionFromRow(fields, version)
	require.NoError(t, err)
	assert.False(t, u.Assembly.Finished())

	// The failed hand-back does not release occupation; the caller
	// decides whether to retry or cancel.
	s := f.readSpool(t, "SP-1")
	assert.Equal(t, "w1", s.Occupant)
}

func TestInvalidOperationRejected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.processor.ProcessSelection(context.Background(), "SP-1", spool.Operation("painting"), []int{1}, f.now, "w1")
	require.Error(t, err)
}

// auditlessStore drops every append so audit writes always fail.
type auditlessStore struct {
	store.TableStore
}

func (s *auditlessStore) AppendRows(context.Context, string, []store.Row) error {
	return errors.New("audit backend down")
}

func TestAuditFailureDoesNotFailSelection(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	f := newFixtureOn(t, mem, &auditlessStore{TableStore: mem}, Options{})
	f.seedSpool(t, "SP-1", 2)

	res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 2}, f.now.Add(-time.Hour), "w1")
	require.NoError(t, err, "audit failure must never roll back the hand-back")
	assert.Equal(t, ActionComplete, res.Action)

	s := f.readSpool(t, "SP-1")
	assert.Equal(t, spool.OpCompleted, s.AssemblyState)
	rows, err := mem.ReadAppends(ctx, audit.Table)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessSelectionIsIdempotentPerSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.seedSpool(t, "SP-1", 3)

	for i := 0; i < 2; i++ {
		_, err := f.manager.Acquire(ctx, "SP-1", "w1")
		require.NoError(t, err, "iteration "+strconv.Itoa(i))
		res, err := f.processor.ProcessSelection(ctx, "SP-1", spool.OpAssembly, []int{1, 2}, f.now.Add(-time.Hour), "w1")
		require.NoError(t, err)
		assert.Equal(t, ActionPause, res.Action)
		assert.Equal(t, 2, res.Progress.Assembly, "re-selecting the same unions does not double-count")
	}
}
