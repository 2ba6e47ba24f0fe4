package spool

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fabline/spooltrack/pkg/store"
)

// Table names in the external store.
const (
	TableSpools = "spools"
	TableUnions = "unions"
)

// Spool row fields.
const (
	FieldOccupant       = "occupant"
	FieldOccupiedAt     = "occupied_at"
	FieldUnionCount     = "union_count"
	FieldAssemblyDone   = "assembly_done"
	FieldWeldingDone    = "welding_done"
	FieldAssemblyState  = "assembly_state"
	FieldWeldingState   = "welding_state"
	FieldAssemblyWorker = "assembly_worker"
	FieldWeldingWorker  = "welding_worker"
	FieldInspection     = "inspection_state"
	FieldRepairState    = "repair_state"
	FieldRepairCycle    = "repair_cycle"
	FieldStatus         = "status"
)

// timeLayout is the cell format for timestamps.
const timeLayout = time.RFC3339Nano

// SpoolFromRow decodes a spool record. Unknown cells are ignored;
// missing cells decode to zero values so pre-loaded sparse sheets
// round-trip cleanly.
func SpoolFromRow(tag string, fields store.Row, version int64) (*Spool, error) {
	s := &Spool{
		Tag:            tag,
		Occupant:       fields[FieldOccupant],
		AssemblyWorker: fields[FieldAssemblyWorker],
		WeldingWorker:  fields[FieldWeldingWorker],
		AssemblyState:  opStateOrPending(fields[FieldAssemblyState]),
		WeldingState:   opStateOrPending(fields[FieldWeldingState]),
		Inspection:     InspectionState(fields[FieldInspection]),
		Repair:         RepairState(fields[FieldRepairState]),
		Status:         fields[FieldStatus],
		Version:        version,
	}
	var err error
	if s.OccupiedAt, err = parseTime(fields[FieldOccupiedAt]); err != nil {
		return nil, fmt.Errorf("spool %s: %s: %w", tag, FieldOccupiedAt, err)
	}
	if s.UnionCount, err = parseInt(fields[FieldUnionCount]); err != nil {
		return nil, fmt.Errorf("spool %s: %s: %w", tag, FieldUnionCount, err)
	}
	if s.AssemblyDone, err = parseInt(fields[FieldAssemblyDone]); err != nil {
		return nil, fmt.Errorf("spool %s: %s: %w", tag, FieldAssemblyDone, err)
	}
	if s.WeldingDone, err = parseInt(fields[FieldWeldingDone]); err != nil {
		return nil, fmt.Errorf("spool %s: %s: %w", tag, FieldWeldingDone, err)
	}
	if s.RepairCycle, err = parseInt(fields[FieldRepairCycle]); err != nil {
		return nil, fmt.Errorf("spool %s: %s: %w", tag, FieldRepairCycle, err)
	}
	return s, nil
}

// Row encodes the spool into store cells.
func (s *Spool) Row() store.Row {
	return store.Row{
		FieldOccupant:       s.Occupant,
		FieldOccupiedAt:     formatTime(s.OccupiedAt),
		FieldUnionCount:     strconv.Itoa(s.UnionCount),
		FieldAssemblyDone:   strconv.Itoa(s.AssemblyDone),
		FieldWeldingDone:    strconv.Itoa(s.WeldingDone),
		FieldAssemblyState:  string(s.AssemblyState),
		FieldWeldingState:   string(s.WeldingState),
		FieldAssemblyWorker: s.AssemblyWorker,
		FieldWeldingWorker:  s.WeldingWorker,
		FieldInspection:     string(s.Inspection),
		FieldRepairState:    string(s.Repair),
		FieldRepairCycle:    strconv.Itoa(s.RepairCycle),
		FieldStatus:         s.Status,
	}
}

// Union row fields.
const (
	FieldSpoolTag           = "spool_tag"
	FieldSeq                = "seq"
	FieldSize               = "size"
	FieldKind               = "kind"
	FieldAssemblyStartedAt  = "assembly_started_at"
	FieldAssemblyFinishedAt = "assembly_finished_at"
	FieldWeldingStartedAt   = "welding_started_at"
	FieldWeldingFinishedAt  = "welding_finished_at"
	FieldUnionInspection    = "inspection"
)

// UnionFromRow decodes a union record.
func UnionFromRow(fields store.Row, version int64) (*Union, error) {
	u := &Union{
		SpoolTag:   fields[FieldSpoolTag],
		Kind:       fields[FieldKind],
		Inspection: InspectionResult(fields[FieldUnionInspection]),
		Version:    version,
	}
	var err error
	if u.Seq, err = parseInt(fields[FieldSeq]); err != nil {
		return nil, fmt.Errorf("union %s: %s: %w", fields[FieldSpoolTag], FieldSeq, err)
	}
	if u.Size, err = parseFloat(fields[FieldSize]); err != nil {
		return nil, fmt.Errorf("union %s/%d: %s: %w", u.SpoolTag, u.Seq, FieldSize, err)
	}
	if u.Assembly, err = opRecordFromRow(fields, FieldAssemblyStartedAt, FieldAssemblyFinishedAt, FieldAssemblyWorker); err != nil {
		return nil, fmt.Errorf("union %s/%d: %w", u.SpoolTag, u.Seq, err)
	}
	if u.Welding, err = opRecordFromRow(fields, FieldWeldingStartedAt, FieldWeldingFinishedAt, FieldWeldingWorker); err != nil {
		return nil, fmt.Errorf("union %s/%d: %w", u.SpoolTag, u.Seq, err)
	}
	return u, nil
}

// Row encodes the union into store cells.
func (u *Union) Row() store.Row {
	return store.Row{
		FieldSpoolTag:           u.SpoolTag,
		FieldSeq:                strconv.Itoa(u.Seq),
		FieldSize:               strconv.FormatFloat(u.Size, 'f', -1, 64),
		FieldKind:               u.Kind,
		FieldAssemblyStartedAt:  formatTime(u.Assembly.StartedAt),
		FieldAssemblyFinishedAt: formatTime(u.Assembly.FinishedAt),
		FieldAssemblyWorker:     u.Assembly.Worker,
		FieldWeldingStartedAt:   formatTime(u.Welding.StartedAt),
		FieldWeldingFinishedAt:  formatTime(u.Welding.FinishedAt),
		FieldWeldingWorker:      u.Welding.Worker,
		FieldUnionInspection:    string(u.Inspection),
	}
}

func opRecordFromRow(fields store.Row, startKey, finishKey, workerKey string) (OpRecord, error) {
	var rec OpRecord
	var err error
	if rec.StartedAt, err = parseTime(fields[startKey]); err != nil {
		return rec, fmt.Errorf("%s: %w", startKey, err)
	}
	if rec.FinishedAt, err = parseTime(fields[finishKey]); err != nil {
		return rec, fmt.Errorf("%s: %w", finishKey, err)
	}
	rec.Worker = fields[workerKey]
	return rec, nil
}

func opStateOrPending(s string) OpState {
	if s == "" {
		return OpPending
	}
	return OpState(s)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
