package selection

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/lifecycle"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
)

// ErrInspectionNotDue is returned when inspection results arrive for
// a spool that has not completed welding.
var ErrInspectionNotDue = errors.New("selection: inspection not due")

// InspectionReport summarizes one inspection invocation.
type InspectionReport struct {
	Approved    bool
	Outcome     lifecycle.InspectionOutcome
	Repair      spool.RepairState
	RepairCycle int
}

// ProcessInspection records per-union pass/fail results in one batch
// and folds them: any failure opens (or advances) a repair cycle, a
// clean sheet approves the spool. Inspection is stateless per
// invocation. Exceeding the repair budget permanently blocks the
// spool and surfaces lifecycle.ErrRepairBlocked.
func (p *Processor) ProcessInspection(ctx context.Context, tag string, results map[int]spool.InspectionResult, inspector string) (*InspectionReport, error) {
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

		writes := make([]store.Write, 0, len(results))
		for seq, result := range results {
			idx, ok := bySeq[seq]
			if !ok {
				return nil, &UnknownUnionError{SpoolTag: tag, Seq: seq}
			}
			unions[idx].Inspection = result
			writes = append(writes, store.Write{
				Key:             spool.UnionKey(tag, seq),
				Fields:          unions[idx].Row(),
				ExpectedVersion: unions[idx].Version,
			})
		}
		snapshot = unions
		return writes, nil
	})
	if err != nil {
		return nil, err
	}

	outcome := lifecycle.EvaluateInspection(snapshot, p.naKinds)

	var blocked bool
	report := &InspectionReport{Outcome: outcome}
	_, _, err = p.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		s, err := spool.SpoolFromRow(tag, fields, 0)
		if err != nil {
			return nil, err
		}
		if s.Inspection == spool.InspectionNotDue {
			return nil, fmt.Errorf("%w: spool %s has not completed welding", ErrInspectionNotDue, tag)
		}

		repair := lifecycle.NewRepair(s.Repair, s.RepairCycle, p.maxRepairCycles)
		if outcome.Approved() {
			if repair.State == spool.RepairActive {
				if err := repair.Resolve(); err != nil {
					return nil, err
				}
			}
			s.Inspection = spool.InspectionApproved
		} else {
			s.Inspection = spool.InspectionFailed
			if err := repair.Fail(); err != nil {
				if !errors.Is(err, lifecycle.ErrRepairBlocked) {
					return nil, err
				}
				// The terminal BLOCKED state must still be persisted;
				// the fatal business error surfaces after the write.
				blocked = true
			}
		}
		s.Repair = repair.State
		s.RepairCycle = repair.Cycle
		report.Approved = outcome.Approved()
		report.Repair = repair.State
		report.RepairCycle = repair.Cycle
		return s.Row(), nil
	})
	if err != nil {
		return nil, err
	}

	p.recordInspectionAudit(ctx, tag, inspector, report, results)

	if blocked {
		return report, fmt.Errorf("%w: spool %s", lifecycle.ErrRepairBlocked, tag)
	}
	return report, nil
}

// ResolveRepair closes the active repair cycle and queues the spool
// for re-inspection.
func (p *Processor) ResolveRepair(ctx context.Context, tag, workerID string) error {
	_, _, err := p.resolver.Update(ctx, spool.TableSpools, tag, func(fields store.Row) (store.Row, error) {
		s, err := spool.SpoolFromRow(tag, fields, 0)
		if err != nil {
			return nil, err
		}
		repair := lifecycle.NewRepair(s.Repair, s.RepairCycle, p.maxRepairCycles)
		if err := repair.Resolve(); err != nil {
			return nil, err
		}
		s.Repair = repair.State
		s.Inspection = spool.InspectionPending
		return s.Row(), nil
	})
	if err != nil {
		return err
	}

	p.audit.Record(ctx, audit.Draft{
		Kind:     audit.KindRepairResolved,
		SpoolTag: tag,
		Worker:   workerID,
	})
	return nil
}

func (p *Processor) recordInspectionAudit(ctx context.Context, tag, inspector string, report *InspectionReport, results map[int]spool.InspectionResult) {
	unitKind := audit.KindInspected
	switch {
	case report.Repair == spool.RepairBlocked:
		unitKind = audit.KindRepairBlocked
	case !report.Approved:
		unitKind = audit.KindRepairOpened
	}

	drafts := make([]audit.Draft, 0, len(results)+1)
	drafts = append(drafts, audit.Draft{
		Kind:     unitKind,
		SpoolTag: tag,
		Worker:   inspector,
		Payload: map[string]interface{}{
			"approved":     report.Approved,
			"failed":       report.Outcome.Failed,
			"passed":       report.Outcome.Passed,
			"repair_state": string(report.Repair),
			"repair_cycle": report.RepairCycle,
		},
	})
	for seq, result := range results {
		drafts = append(drafts, audit.Draft{
			Kind:     audit.KindInspected,
			SpoolTag: tag,
			UnionSeq: seq,
			Worker:   inspector,
			Payload: map[string]interface{}{
				"result": string(result),
			},
		})
	}
	p.audit.Record(ctx, drafts...)
}
