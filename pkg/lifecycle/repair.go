package lifecycle

import (
	"errors"
	"fmt"

	"github.com/fabline/spooltrack/pkg/spool"
)

// DefaultMaxRepairCycles bounds repair attempts per spool.
const DefaultMaxRepairCycles = 3

// ErrRepairBlocked is terminal: the spool exhausted its repair budget
// and no further repair transition is permitted. Surfaced as a fatal
// business error, never retried.
var ErrRepairBlocked = errors.New("lifecycle: repair blocked, cycle budget exhausted")

// Repair tracks one spool's bounded repair lifecycle.
// ACTIVE(n) → RESOLVED on success, ACTIVE(n) → ACTIVE(n+1) on
// re-failure, and past MaxCycles the terminal BLOCKED state.
type Repair struct {
	State     spool.RepairState
	Cycle     int
	MaxCycles int
}

// NewRepair builds a repair tracker from persisted spool fields.
func NewRepair(state spool.RepairState, cycle, maxCycles int) *Repair {
	if maxCycles <= 0 {
		maxCycles = DefaultMaxRepairCycles
	}
	return &Repair{State: state, Cycle: cycle, MaxCycles: maxCycles}
}

// Fail records a failed inspection. The first failure opens cycle 1;
// each re-failure advances the cycle until the budget is spent, after
// which the spool is permanently BLOCKED.
func (r *Repair) Fail() error {
	if r.State == spool.RepairBlocked {
		return fmt.Errorf("%w: cycle %d of %d", ErrRepairBlocked, r.Cycle, r.MaxCycles)
	}
	if r.Cycle >= r.MaxCycles {
		r.State = spool.RepairBlocked
		return fmt.Errorf("%w: cycle %d of %d", ErrRepairBlocked, r.Cycle, r.MaxCycles)
	}
	r.Cycle++
	r.State = spool.RepairActive
	return nil
}

// Resolve closes the active repair cycle.
func (r *Repair) Resolve() error {
	if r.State == spool.RepairBlocked {
		return fmt.Errorf("%w: cycle %d of %d", ErrRepairBlocked, r.Cycle, r.MaxCycles)
	}
	if r.State != spool.RepairActive {
		return fmt.Errorf("%w: resolve from %q", ErrInvalidTransition, r.State)
	}
	r.State = spool.RepairResolved
	return nil
}
