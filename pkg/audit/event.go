// Package audit records immutable, hash-chained events for every
// state change the engine makes. Events are append-only: once written
// they are never mutated or deleted, and the chain makes any gap or
// tamper detectable after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/fabline/spooltrack/pkg/store"
)

// Table is the append-only store table holding audit events.
const Table = "audit_log"

// Kind categorizes an audit event.
type Kind string

const (
	KindOccupied       Kind = "occupied"
	KindReleased       Kind = "released"
	KindPaused         Kind = "paused"
	KindCompleted      Kind = "completed"
	KindCancelled      Kind = "cancelled"
	KindUnionWorked    Kind = "union_worked"
	KindInspected      Kind = "inspected"
	KindRepairOpened   Kind = "repair_opened"
	KindRepairResolved Kind = "repair_resolved"
	KindRepairBlocked  Kind = "repair_blocked"
)

// Event is one immutable audit record. UnionSeq is 0 for unit-level
// events. PrevHash chains each event to its predecessor; the first
// event chains to "genesis".
type Event struct {
	ID          string                 `json:"id"`
	Seq         uint64                 `json:"seq"`
	Kind        Kind                   `json:"kind"`
	SpoolTag    string                 `json:"spool_tag"`
	UnionSeq    int                    `json:"union_seq,omitempty"`
	Worker      string                 `json:"worker"`
	Timestamp   time.Time              `json:"timestamp"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	PayloadHash string                 `json:"payload_hash"`
	PrevHash    string                 `json:"prev_hash"`
}

// HashPayload computes the canonical-JSON SHA-256 of the payload.
// Canonicalization (RFC 8785) keeps the hash stable across map
// iteration order and encoder differences.
func HashPayload(payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return hashBytes(nil), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("audit: encode payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	return hashBytes(canonical), nil
}

// chainHash derives an event's contribution to the chain head.
func chainHash(prevHash string, e *Event) string {
	seed := fmt.Sprintf("%s|%d|%s|%s|%d|%s|%s|%s",
		prevHash, e.Seq, e.Kind, e.SpoolTag, e.UnionSeq, e.Worker,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.PayloadHash)
	return hashBytes([]byte(seed))
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Event row fields.
const (
	fieldID          = "id"
	fieldSeq         = "seq"
	fieldKind        = "kind"
	fieldSpoolTag    = "spool_tag"
	fieldUnionSeq    = "union_seq"
	fieldWorker      = "worker"
	fieldTimestamp   = "timestamp"
	fieldPayload     = "payload"
	fieldPayloadHash = "payload_hash"
	fieldPrevHash    = "prev_hash"
)

// Row encodes the event into store cells.
func (e *Event) Row() (store.Row, error) {
	var payload string
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("audit: encode payload: %w", err)
		}
		payload = string(raw)
	}
	return store.Row{
		fieldID:          e.ID,
		fieldSeq:         strconv.FormatUint(e.Seq, 10),
		fieldKind:        string(e.Kind),
		fieldSpoolTag:    e.SpoolTag,
		fieldUnionSeq:    strconv.Itoa(e.UnionSeq),
		fieldWorker:      e.Worker,
		fieldTimestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldPayload:     payload,
		fieldPayloadHash: e.PayloadHash,
		fieldPrevHash:    e.PrevHash,
	}, nil
}

// EventFromRow decodes a persisted audit event.
func EventFromRow(fields store.Row) (*Event, error) {
	e := &Event{
		ID:          fields[fieldID],
		Kind:        Kind(fields[fieldKind]),
		SpoolTag:    fields[fieldSpoolTag],
		Worker:      fields[fieldWorker],
		PayloadHash: fields[fieldPayloadHash],
		PrevHash:    fields[fieldPrevHash],
	}
	var err error
	if e.Seq, err = strconv.ParseUint(fields[fieldSeq], 10, 64); err != nil {
		return nil, fmt.Errorf("audit: decode seq: %w", err)
	}
	if fields[fieldUnionSeq] != "" {
		if e.UnionSeq, err = strconv.Atoi(fields[fieldUnionSeq]); err != nil {
			return nil, fmt.Errorf("audit: decode union_seq: %w", err)
		}
	}
	if e.Timestamp, err = time.Parse(time.RFC3339Nano, fields[fieldTimestamp]); err != nil {
		return nil, fmt.Errorf("audit: decode timestamp: %w", err)
	}
	if raw := fields[fieldPayload]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("audit: decode payload: %w", err)
		}
	}
	return e, nil
}
