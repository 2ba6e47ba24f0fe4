// Package engine wires the tracking core together and is the single
// surface callers consume: occupation acquire/release, hand-back
// processing, inspection, repair, reconciliation, and audit export.
// It knows nothing of transport, authentication, or UI.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabline/spooltrack/pkg/audit"
	"github.com/fabline/spooltrack/pkg/config"
	"github.com/fabline/spooltrack/pkg/occ"
	"github.com/fabline/spooltrack/pkg/occupation"
	"github.com/fabline/spooltrack/pkg/observability"
	"github.com/fabline/spooltrack/pkg/selection"
	"github.com/fabline/spooltrack/pkg/spool"
	"github.com/fabline/spooltrack/pkg/store"
	"github.com/fabline/spooltrack/pkg/workers"
)

// Engine is the assembled tracking core.
type Engine struct {
	cfg        *config.Config
	store      store.TableStore
	resolver   *occ.Resolver
	occupation *occupation.Manager
	processor  *selection.Processor
	audit      *audit.Writer
	exporter   *audit.Exporter
	logger     *slog.Logger
	obs        *observability.Provider
	clock      func() time.Time
}

// New assembles an Engine over the given store and worker directory.
func New(cfg *config.Config, st store.TableStore, dir workers.Directory, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Load()
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolver := occ.NewResolver(st, occ.BackoffPolicy{
		BaseMs:      cfg.BackoffBaseMs,
		MaxMs:       cfg.BackoffMaxMs,
		MaxJitterMs: cfg.BackoffMaxJitterMs,
		MaxAttempts: cfg.ConflictMaxAttempts,
	})
	auditWriter := audit.NewWriter(st, resolver, logger)
	om := occupation.NewManager(resolver, auditWriter)
	processor := selection.NewProcessor(st, resolver, om, auditWriter, dir, logger, selection.Options{
		MaxRepairCycles: cfg.MaxRepairCycles,
	})

	return &Engine{
		cfg:        cfg,
		store:      st,
		resolver:   resolver,
		occupation: om,
		processor:  processor,
		audit:      auditWriter,
		exporter:   audit.NewExporter(st),
		logger:     logger,
		clock:      time.Now,
	}
}

// WithObservability wires metrics hooks into the resolver and audit
// writer.
func (e *Engine) WithObservability(p *observability.Provider) *Engine {
	e.obs = p
	e.resolver.WithRetryHook(p.RecordConflictRetry)
	e.audit.WithFailureHook(p.RecordAuditFailure)
	return e
}

// AcquireOccupation claims a spool for a worker.
func (e *Engine) AcquireOccupation(ctx context.Context, tag, workerID string) (*occupation.Token, error) {
	return e.occupation.Acquire(ctx, tag, workerID)
}

// ReleaseOccupation clears a spool's occupant explicitly, outside any
// hand-back. Used by operators reconciling crashed sessions.
func (e *Engine) ReleaseOccupation(ctx context.Context, tag string) error {
	released, err := e.occupation.Release(ctx, tag)
	if err != nil {
		return err
	}
	if released != "" {
		e.audit.Record(ctx, audit.Draft{
			Kind:     audit.KindReleased,
			SpoolTag: tag,
			Worker:   released,
		})
	}
	return nil
}

// ProcessSelection handles a worker's hand-back.
func (e *Engine) ProcessSelection(ctx context.Context, tag string, op spool.Operation, seqs []int, sessionStart time.Time, workerID string) (*selection.Result, error) {
	res, err := e.processor.ProcessSelection(ctx, tag, op, seqs, sessionStart, workerID)
	if err == nil && e.obs != nil {
		e.obs.RecordSelection(ctx, string(res.Action))
	}
	return res, err
}

// ProcessInspection records inspection results for a spool.
func (e *Engine) ProcessInspection(ctx context.Context, tag string, results map[int]spool.InspectionResult, inspector string) (*selection.InspectionReport, error) {
	return e.processor.ProcessInspection(ctx, tag, results, inspector)
}

// ResolveRepair closes a spool's active repair cycle.
func (e *Engine) ResolveRepair(ctx context.Context, tag, workerID string) error {
	return e.processor.ResolveRepair(ctx, tag, workerID)
}

// Status returns a spool's current record and freshly computed
// progress.
func (e *Engine) Status(ctx context.Context, tag string) (*spool.Spool, spool.Progress, error) {
	fields, version, err := e.store.ReadRow(ctx, spool.TableSpools, tag)
	if err != nil {
		return nil, spool.Progress{}, err
	}
	s, err := spool.SpoolFromRow(tag, fields, version)
	if err != nil {
		return nil, spool.Progress{}, err
	}

	rows, err := e.store.ScanPrefix(ctx, spool.TableUnions, spool.UnionKeyPrefix(tag))
	if err != nil {
		return nil, spool.Progress{}, err
	}
	unions := make([]spool.Union, 0, len(rows))
	for _, kr := range rows {
		u, err := spool.UnionFromRow(kr.Fields, kr.Version)
		if err != nil {
			return nil, spool.Progress{}, err
		}
		unions = append(unions, *u)
	}
	return s, spool.ComputeProgress(unions), nil
}

// OccupiedSpool is one entry of a reconciliation report.
type OccupiedSpool struct {
	Tag        string
	Occupant   string
	OccupiedAt time.Time
	HeldFor    time.Duration
}

// Reconcile scans every spool's occupant field and reports the ones
// still held. The occupant field is ground truth: there is no
// separate lock store, so a crashed client shows up here until an
// operator releases it. Reconcile never releases anything itself.
func (e *Engine) Reconcile(ctx context.Context) ([]OccupiedSpool, error) {
	rows, err := e.store.ScanPrefix(ctx, spool.TableSpools, "")
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()

	var held []OccupiedSpool
	for _, kr := range rows {
		s, err := spool.SpoolFromRow(kr.Key, kr.Fields, kr.Version)
		if err != nil {
			e.logger.Warn("reconcile: skipping undecodable spool row", "tag", kr.Key, "error", err)
			continue
		}
		if s.Occupant == "" {
			continue
		}
		held = append(held, OccupiedSpool{
			Tag:        s.Tag,
			Occupant:   s.Occupant,
			OccupiedAt: s.OccupiedAt,
			HeldFor:    now.Sub(s.OccupiedAt),
		})
	}
	return held, nil
}

// ExportAuditPack builds a compliance evidence pack for a spool and
// optionally archives it.
func (e *Engine) ExportAuditPack(ctx context.Context, req audit.ExportRequest, archive audit.Archive) ([]byte, string, error) {
	pack, checksum, err := e.exporter.GeneratePack(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if archive != nil {
		if _, err := archive.Store(ctx, pack); err != nil {
			// Archival is best-effort like the audit writes it bundles.
			e.logger.Error("evidence pack archival failed", "spool_tag", req.SpoolTag, "error", err)
		}
	}
	return pack, checksum, nil
}

// VerifyAudit replays the audit chain and returns the verified events.
func (e *Engine) VerifyAudit(ctx context.Context) ([]*audit.Event, error) {
	return audit.VerifyChain(ctx, e.store)
}
