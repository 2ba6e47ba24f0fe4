package spool

import "fmt"

// Status labels, in strict precedence order. The "welding completed,
// assembly outstanding" label is a named edge case: welding can reach
// 100% while assembly has not, and that state must surface distinctly
// rather than fold into "in progress".
const (
	StatusAvailable          = "available"
	StatusAssemblyCompleted  = "assembly completed"
	StatusWeldingCompleted   = "welding completed"
	StatusWeldingOutstanding = "welding completed, assembly outstanding"
)

// Progress is the completion summary of one spool's union set.
type Progress struct {
	Total    int
	Assembly int
	Welding  int
}

// ComputeProgress derives completion counts from a union snapshot.
// It is a pure function: identical snapshots yield identical output
// regardless of call order or count.
func ComputeProgress(unions []Union) Progress {
	p := Progress{Total: len(unions)}
	for i := range unions {
		if unions[i].Assembly.Finished() {
			p.Assembly++
		}
		if unions[i].Welding.Finished() {
			p.Welding++
		}
	}
	return p
}

// CompletedFor returns the completed count for op.
func (p Progress) CompletedFor(op Operation) int {
	if op == OpWelding {
		return p.Welding
	}
	return p.Assembly
}

// Complete reports whether every union has finished op.
func (p Progress) Complete(op Operation) bool {
	return p.Total > 0 && p.CompletedFor(op) == p.Total
}

// Ratio renders the "completed/total" string for op.
func (p Progress) Ratio(op Operation) string {
	return fmt.Sprintf("%d/%d", p.CompletedFor(op), p.Total)
}

// Status derives the human-readable status label with strict
// precedence: welding+assembly complete, assembly complete, welding
// complete without assembly, partial progress, no progress.
func (p Progress) Status() string {
	switch {
	case p.Total == 0:
		return StatusAvailable
	case p.Assembly == p.Total && p.Welding == p.Total:
		return StatusWeldingCompleted
	case p.Assembly == p.Total:
		return StatusAssemblyCompleted
	case p.Welding == p.Total:
		return StatusWeldingOutstanding
	case p.Assembly > 0 || p.Welding > 0:
		return fmt.Sprintf("in progress (assembly %d/%d, welding %d/%d)",
			p.Assembly, p.Total, p.Welding, p.Total)
	default:
		return StatusAvailable
	}
}
