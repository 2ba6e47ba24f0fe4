package lifecycle

import "github.com/fabline/spooltrack/pkg/spool"

// InspectionOutcome summarizes one stateless inspection invocation
// over a spool's union set.
type InspectionOutcome struct {
	Passed     int
	Failed     int
	NotApplied int
	FailedSeqs []int
}

// Approved reports whether the spool passes: every union either
// passed or is not applicable, and none failed.
func (o InspectionOutcome) Approved() bool {
	return o.Failed == 0
}

// EvaluateInspection folds per-union inspection results. Unions whose
// kind appears in naKinds are not-applicable regardless of any
// recorded result (some union kinds are exempt by shop profile).
// Unset results count as not-applicable; inspection is stateless per
// invocation, there is no start/stop.
func EvaluateInspection(unions []spool.Union, naKinds map[string]bool) InspectionOutcome {
	var out InspectionOutcome
	for i := range unions {
		u := &unions[i]
		if naKinds[u.Kind] {
			out.NotApplied++
			continue
		}
		switch u.Inspection {
		case spool.InspectionPass:
			out.Passed++
		case spool.InspectionFail:
			out.Failed++
			out.FailedSeqs = append(out.FailedSeqs, u.Seq)
		default:
			out.NotApplied++
		}
	}
	return out
}
