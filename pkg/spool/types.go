// Package spool defines the domain model for tracked manufacturing
// units: spools, their numbered unions, operation lifecycle vocabulary,
// and the pure progress calculation over a spool's union set.
package spool

import (
	"fmt"
	"time"
)

// Operation identifies one of the two ordered shop operations
// performed on every union of a spool.
type Operation string

const (
	OpAssembly Operation = "assembly"
	OpWelding  Operation = "welding"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpAssembly || op == OpWelding
}

// OpState is the lifecycle state of an operation at spool level.
type OpState string

const (
	OpPending    OpState = "PENDING"
	OpInProgress OpState = "IN_PROGRESS"
	OpPaused     OpState = "PAUSED"
	OpCompleted  OpState = "COMPLETED"
)

// InspectionState is the spool-level inspection stage.
type InspectionState string

const (
	InspectionNotDue   InspectionState = ""
	InspectionPending  InspectionState = "PENDING"
	InspectionApproved InspectionState = "APPROVED"
	InspectionFailed   InspectionState = "FAILED"
)

// RepairState is the spool-level repair stage. Repair is bounded:
// once the cycle counter passes the configured maximum the spool is
// permanently BLOCKED.
type RepairState string

const (
	RepairNone     RepairState = ""
	RepairActive   RepairState = "ACTIVE"
	RepairResolved RepairState = "RESOLVED"
	RepairBlocked  RepairState = "BLOCKED"
)

// InspectionResult is the per-union outcome of an inspection pass.
type InspectionResult string

const (
	InspectionNone InspectionResult = ""
	InspectionPass InspectionResult = "pass"
	InspectionFail InspectionResult = "fail"
	InspectionNA   InspectionResult = "n/a"
)

// OpRecord captures one operation's timestamps and attribution on a
// single union. The first non-empty Worker value is authoritative and
// is never overwritten by a later session.
type OpRecord struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Worker     string
}

// Finished reports whether the operation has a finish timestamp.
func (r OpRecord) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Union is a numbered sub-component of a spool, the true granular unit
// of work. Sequence numbers are unique within a spool but need not be
// contiguous.
type Union struct {
	SpoolTag   string
	Seq        int
	Size       float64
	Kind       string
	Assembly   OpRecord
	Welding    OpRecord
	Inspection InspectionResult
	Version    int64
}

// Record returns a pointer to the union's record for op.
func (u *Union) Record(op Operation) *OpRecord {
	if op == OpWelding {
		return &u.Welding
	}
	return &u.Assembly
}

// Spool is a tracked unit. The occupant field is the single mutable
// resource guarded by version-tokened writes; at most one non-empty
// occupant exists at any instant.
type Spool struct {
	Tag        string
	Occupant   string
	OccupiedAt time.Time

	UnionCount   int
	AssemblyDone int
	WeldingDone  int

	AssemblyState  OpState
	WeldingState   OpState
	AssemblyWorker string
	WeldingWorker  string

	Inspection  InspectionState
	Repair      RepairState
	RepairCycle int

	Status  string
	Version int64
}

// State returns the spool-level lifecycle state for op.
func (s *Spool) State(op Operation) OpState {
	if op == OpWelding {
		return s.WeldingState
	}
	return s.AssemblyState
}

// SetState assigns the spool-level lifecycle state for op.
func (s *Spool) SetState(op Operation, st OpState) {
	if op == OpWelding {
		s.WeldingState = st
	} else {
		s.AssemblyState = st
	}
}

// ResponsibleWorker returns the canonical responsible worker for op.
func (s *Spool) ResponsibleWorker(op Operation) string {
	if op == OpWelding {
		return s.WeldingWorker
	}
	return s.AssemblyWorker
}

// SetResponsibleWorker assigns the canonical responsible worker for op.
func (s *Spool) SetResponsibleWorker(op Operation, worker string) {
	if op == OpWelding {
		s.WeldingWorker = worker
	} else {
		s.AssemblyWorker = worker
	}
}

// UnionKey builds the store key for a union row. Keys sort by spool
// tag then sequence, which keeps prefix scans per spool cheap.
func UnionKey(tag string, seq int) string {
	return fmt.Sprintf("%s#%06d", tag, seq)
}

// UnionKeyPrefix is the scan prefix covering every union of a spool.
func UnionKeyPrefix(tag string) string {
	return tag + "#"
}
