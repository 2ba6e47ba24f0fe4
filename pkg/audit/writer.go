package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabline/spooltrack/pkg/occ"
	"github.com/fabline/spooltrack/pkg/store"
)

// genesisHash anchors an empty chain.
const genesisHash = "genesis"

// Draft is an event before the Writer assigns identity, sequence,
// timestamp and chain hashes.
type Draft struct {
	Kind     Kind
	SpoolTag string
	UnionSeq int
	Worker   string
	Payload  map[string]interface{}
}

// Writer appends events to the audit table through the bounded-retry
// resolver. It serializes appends so the hash chain stays linear.
type Writer struct {
	mu        sync.Mutex
	store     store.TableStore
	resolver  *occ.Resolver
	logger    *slog.Logger
	clock     func() time.Time
	onFailure func()

	// chain state, lazily loaded from the store
	loaded   bool
	headHash string
	seq      uint64
}

// NewWriter builds a Writer over the given store and resolver.
func NewWriter(st store.TableStore, resolver *occ.Resolver, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: st, resolver: resolver, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// WithFailureHook registers a callback invoked when a best-effort
// Record ultimately fails, used for metrics.
func (w *Writer) WithFailureHook(hook func()) *Writer {
	w.onFailure = hook
	return w
}

// Append seals the drafts into chained events and appends them in one
// batch. Returns the sealed events. Fails only after the resolver's
// retry budget is spent.
func (w *Writer) Append(ctx context.Context, drafts ...Draft) ([]*Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.loadChain(ctx); err != nil {
		return nil, err
	}

	now := w.clock().UTC()
	events := make([]*Event, 0, len(drafts))
	rows := make([]store.Row, 0, len(drafts))
	head, seq := w.headHash, w.seq

	for _, d := range drafts {
		payloadHash, err := HashPayload(d.Payload)
		if err != nil {
			return nil, err
		}
		seq++
		e := &Event{
			ID:          uuid.New().String(),
			Seq:         seq,
			Kind:        d.Kind,
			SpoolTag:    d.SpoolTag,
			UnionSeq:    d.UnionSeq,
			Worker:      d.Worker,
			Timestamp:   now,
			Payload:     d.Payload,
			PayloadHash: payloadHash,
			PrevHash:    head,
		}
		head = chainHash(head, e)
		row, err := e.Row()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
		rows = append(rows, row)
	}

	if err := w.resolver.Append(ctx, Table, rows); err != nil {
		return nil, err
	}
	w.headHash, w.seq = head, seq
	return events, nil
}

// Record is the best-effort entry point used on every operation path:
// an ultimately failed audit write never rolls back or blocks the
// primary state change, but it is surfaced at Error severity with full
// diagnostic context so operations can monitor the gap.
func (w *Writer) Record(ctx context.Context, drafts ...Draft) {
	if _, err := w.Append(ctx, drafts...); err != nil {
		kinds := make([]string, 0, len(drafts))
		tags := make([]string, 0, len(drafts))
		for _, d := range drafts {
			kinds = append(kinds, string(d.Kind))
			tags = append(tags, d.SpoolTag)
		}
		w.logger.Error("audit write failed, primary state change stands",
			"error", err,
			"events", len(drafts),
			"kinds", kinds,
			"spool_tags", tags,
		)
		if w.onFailure != nil {
			w.onFailure()
		}
	}
}

// loadChain recovers head hash and sequence from the persisted log.
func (w *Writer) loadChain(ctx context.Context) error {
	if w.loaded {
		return nil
	}
	rows, err := w.store.ReadAppends(ctx, Table)
	if err != nil {
		return fmt.Errorf("audit: load chain: %w", err)
	}
	head := genesisHash
	var seq uint64
	for _, row := range rows {
		e, err := EventFromRow(row)
		if err != nil {
			return fmt.Errorf("audit: load chain: %w", err)
		}
		head = chainHash(e.PrevHash, e)
		seq = e.Seq
	}
	w.headHash, w.seq, w.loaded = head, seq, true
	return nil
}
