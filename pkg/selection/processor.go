// Package selection decides what a worker's hand-back means: given
// the subset of unions they completed, it pauses, completes, or
// cancels the operation, batches the union writes, drives the
// state machine, records the audit batch, and releases occupation.
package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/lifecycle"
	"github.com/fabline/spooltrack/pkg/occ"
	"github.com/fabline/spooltrack/pkg/occupation"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
	"github.com/fabline/spooltrack/pkg/workers"
)

// Action is the outcome of a hand-back.
type Action string

const (
	ActionPause    Action = "PAUSE"
	ActionComplete Action = "COMPLETE"
	ActionCancel   Action = "CANCEL"
)

// ErrUnknownUnion is the sentinel for selections naming a sequence
// number the spool does not have.
var ErrUnknownUnion = errors.New("selection: unknown union")

// UnknownUnionError reports which selected sequence is missing.
type UnknownUnionError struct {
	SpoolTag string
	Seq      int
}

func (e *UnknownUnionError) Error() string {
	return fmt.Sprintf("selection: spool %s has no union %d", e.SpoolTag, e.Seq)
}

func (e *UnknownUnionError) Unwrap() error { return ErrUnknownUnion }

// ErrWeldingNotReady enforces the spool-level ordering rule: welding
// may not begin until at least one union has finished assembly. There
// is no ordering constraint per union beyond that.
var ErrWeldingNotReady = errors.New("selection: welding requires an assembled union")

// Result is what a hand-back produced.
type Result struct {
	Action            Action
	Progress          spool.Progress
	Status            string
	ResponsibleWorker string
}

// Processor orchestrates hand-backs. All store writes flow through
// the conflict resolver; the audit batch is best-effort with
// mandatory visibility.
type Processor struct {
	store      store.TableStore
	resolver   *occ.Resolver
	occupation *occupation.Manager
	audit      *audit.Writer
	workers    workers.Directory
	logger     *slog.Logger
	clock      func() time.Time

	naKinds         map[string]bool
	maxRepairCycles int
}

// Options tune processor behavior.
type Options struct {
	// NotApplicableKinds lists union kinds exempt from inspection.
	NotApplicableKinds []string
	// MaxRepairCycles bounds repair; zero means the default.
	MaxRepairCycles int
}

// NewProcessor wires a Processor.
func NewProcessor(st store.TableStore, resolver *occ.Resolver, om *occupation.Manager, aw *audit.Writer, dir workers.Directory, logger *slog.Logger, opts Options) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	naKinds := make(map[string]bool, len(opts.NotApplicableKinds))
	for _, k := range opts.NotApplicableKinds {
		naKinds[k] = true
	}
	maxCycles := opts.MaxRepairCycles
	if maxCycles <= 0 {
		maxCycles = lifecycle.DefaultMaxRepairCycles
	}
	return &Processor{
		store:           st,
		resolver:        resolver,
		occupation:      om,
		audit:           aw,
		workers:         dir,
		logger:          logger,
		clock:           time.Now,
		naKinds:         naKinds,
		maxRepairCycles: maxCycles,
	}
}

// WithClock overrides the clock for testing.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// ProcessSelection handles a hand-back of selected union sequence
// numbers for one operation. Empty selection cancels the session; a
// full set completes the operation; anything in between pauses it.
// Occupation is released on every action path.
func (p *Processor) ProcessSelection(ctx context.Context, tag string, op spool.Operation, seqs []int, sessionStart time.Time, workerID string) (*Result, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("selection: unknown operation %q", op)
	}
	now := p.clock().UTC()
	if sessionStart.IsZero() || sessionStart.After(now) {
		sessionStart = now
	}

	if len(seqs) == 0 {
		return p.cancel(ctx, tag, op, workerID)
	}

	unions, err := p.writeSelectedUnions(ctx, tag, op, seqs, sessionStart, now, workerID)
	if err != nil {
		return nil, err
	}

	progress := spool.ComputeProgress(unions)
	action := ActionPause
	if lifecycle.CanComplete(progress, op) {
		action = ActionComplete
	}

	responsible, err := p.writeSpool(ctx, tag, op, action, progress, unions)
	if err != nil {
		return nil, err
	}

	p.recordSelectionAudit(ctx, tag, op, action, progress, seqs, workerID)

	if _, err := p.occupation.Release(ctx, tag); err != nil {
		return nil, fmt.Errorf("selection: release after %s: %w", action, err)
	}

	return &Result{
		Action:            action,
		Progress:          progress,
		Status:            progress.Status(),
		ResponsibleWorker: responsible,
	}, nil
}

// cancel handles the zero-selection hand-back: no union writes, one
// cancellation event, occupation released.
func (p *Processor) cancel(ctx context.Context, tag string, op spool.Operation, workerID string) (*Result, error) {
	_, _, err := p.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		s, err := spool.SpoolFromRow(tag, fields, 0)
		if err != nil {
			return nil, err
		}
		// A fresh session that selected nothing never left PENDING;
		// cancel is a no-op there. Active or paused sessions return
		// to PENDING per the transition table.
		if st := s.State(op); st == spool.OpInProgress || st == spool.OpPaused {
			next, err := lifecycle.Transition(st, lifecycle.EventCancel)
			if err != nil {
				return nil, err
			}
			s.SetState(op, next)
		}
		return s.Row(), nil
	})
	if err != nil {
		return nil, err
	}

	p.audit.Record(ctx, audit.Draft{
		Kind:     audit.KindCancelled,
		SpoolTag: tag,
		Worker:   workerID,
		Payload: map[string]interface{}{
			"operation": string(op),
			"action":    string(ActionCancel),
		},
	})

	if _, err := p.occupation.Release(ctx, tag); err != nil {
		return nil, fmt.Errorf("selection: release after cancel: %w", err)
	}

	snapshot, err := p.readUnions(ctx, tag)
	if err != nil {
		return nil, err
	}
	progress := spool.ComputeProgress(snapshot)
	return &Result{Action: ActionCancel, Progress: progress, Status: progress.Status()}, nil
}

// writeSelectedUnions batch-writes timestamps and attribution for the
// selected unions in a single store call and returns the full
// post-write union snapshot.
func (p *Processor) writeSelectedUnions(ctx context.Context, tag string, op spool.Operation, seqs []int, sessionStart, now time.Time, workerID string) ([]spool.Union, error) {
	var snapshot []spool.Union

	err := p.resolver.UpdateBatch(ctx, spool.TableUnions, spool.UnionKeyPrefix(tag), func(rows []store.KeyedRow) ([]store.Write, error) {
		unions := make([]spool.Union, 0, len(rows))
		bySeq := make(map[int]int, len(rows))
		for _, kr := range rows {
			u, err := spool.UnionFromRow(kr.Fields, kr.Version)
			if err != nil {
				return nil, err
			}
			bySeq[u.Seq] = len(unions)
			unions = append(unions, *u)
		}

		// Assembly completion is monotone, so checking the rule on
		// every welding hand-back is equivalent to checking it when
		// welding first starts on the spool.
		if op == spool.OpWelding && !anyAssembled(unions) {
			return nil, fmt.Errorf("%w: spool %s", ErrWeldingNotReady, tag)
		}

		writes := make([]store.Write, 0, len(seqs))
		for _, seq := range seqs {
			idx, ok := bySeq[seq]
			if !ok {
				return nil, &UnknownUnionError{SpoolTag: tag, Seq: seq}
			}
			u := &unions[idx]
			rec := u.Record(op)
			// Most recent session's timestamps win; the first
			// responsible worker is never overwritten by a resumer.
			rec.StartedAt = sessionStart
			rec.FinishedAt = now
			if rec.Worker == "" {
				rec.Worker = workerID
			}
			writes = append(writes, store.Write{
				Key:             spool.UnionKey(tag, seq),
				Fields:          u.Row(),
				ExpectedVersion: u.Version,
			})
		}
		snapshot = unions
		return writes, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// writeSpool drives the spool-level state machine and persists
// counts, status, attribution, and the inspection hand-off.
func (p *Processor) writeSpool(ctx context.Context, tag string, op spool.Operation, action Action, progress spool.Progress, unions []spool.Union) (string, error) {
	var responsible string

	_, _, err := p.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		s, err := spool.SpoolFromRow(tag, fields, 0)
		if err != nil {
			return nil, err
		}

		state := s.State(op)
		if state == spool.OpPending || state == spool.OpPaused {
			state, err = lifecycle.Transition(state, lifecycle.EventStart)
			if err != nil {
				return nil, err
			}
		}
		event := lifecycle.EventPause
		if action == ActionComplete {
			event = lifecycle.EventComplete
		}
		state, err = lifecycle.Transition(state, event)
		if err != nil {
			return nil, err
		}
		s.SetState(op, state)

		s.UnionCount = progress.Total
		s.AssemblyDone = progress.Assembly
		s.WeldingDone = progress.Welding
		s.Status = progress.Status()

		if action == ActionComplete {
			responsible = earliestWorker(unions, op)
			s.SetResponsibleWorker(op, responsible)
			// Finishing welding on a fully-welded spool hands it to
			// inspection; state transition only, no scheduler.
			if op == spool.OpWelding {
				s.Inspection = spool.InspectionPending
			}
		}
		return s.Row(), nil
	})
	if err != nil {
		return "", err
	}
	return responsible, nil
}

// recordSelectionAudit emits exactly one unit-level event plus one
// granular event per selected union, in the same logical batch.
func (p *Processor) recordSelectionAudit(ctx context.Context, tag string, op spool.Operation, action Action, progress spool.Progress, seqs []int, workerID string) {
	display := workerID
	if name, err := p.workers.Resolve(ctx, workerID); err == nil {
		display = name
	}

	unitKind := audit.KindPaused
	if action == ActionComplete {
		unitKind = audit.KindCompleted
	}
	drafts := make([]audit.Draft, 0, len(seqs)+1)
	drafts = append(drafts, audit.Draft{
		Kind:     unitKind,
		SpoolTag: tag,
		Worker:   workerID,
		Payload: map[string]interface{}{
			"operation":   string(op),
			"action":      string(action),
			"progress":    progress.Ratio(op),
			"status":      progress.Status(),
			"worker_name": display,
		},
	})
	for _, seq := range seqs {
		drafts = append(drafts, audit.Draft{
			Kind:     audit.KindUnionWorked,
			SpoolTag: tag,
			UnionSeq: seq,
			Worker:   workerID,
			Payload: map[string]interface{}{
				"operation": string(op),
			},
		})
	}
	p.audit.Record(ctx, drafts...)
}

// readUnions loads the full union snapshot for a spool.
func (p *Processor) readUnions(ctx context.Context, tag string) ([]spool.Union, error) {
	rows, err := p.store.ScanPrefix(ctx, spool.TableUnions, spool.UnionKeyPrefix(tag))
	if err != nil {
		return nil, err
	}
	unions := make([]spool.Union, 0, len(rows))
	for _, kr := range rows {
		u, err := spool.UnionFromRow(kr.Fields, kr.Version)
		if err != nil {
			return nil, err
		}
		unions = append(unions, *u)
	}
	return unions, nil
}

// earliestWorker finds the canonical responsible worker for op: the
// first worker by start timestamp across the spool's unions, with the
// lowest sequence breaking ties.
func anyAssembled(unions []spool.Union) bool {
	for i := range unions {
		if unions[i].Assembly.Finished() {
			return true
		}
	}
	return false
}

func earliestWorker(unions []spool.Union, op spool.Operation) string {
	type contribution struct {
		at     time.Time
		seq    int
		worker string
	}
	var contribs []contribution
	for i := range unions {
		rec := unions[i].Record(op)
		if rec.Worker == "" || rec.StartedAt.IsZero() {
			continue
		}
		contribs = append(contribs, contribution{at: rec.StartedAt, seq: unions[i].Seq, worker: rec.Worker})
	}
	if len(contribs) == 0 {
		return ""
	}
	sort.Slice(contribs, func(i, j int) bool {
		if !contribs[i].at.Equal(contribs[j].at) {
			return contribs[i].at.Before(contribs[j].at)
		}
		return contribs[i].seq < contribs[j].seq
	})
	return contribs[0].worker
}
