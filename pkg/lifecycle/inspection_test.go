package lifecycle

import (
	"testing"

	"github.com/fabline/spooltrack/pkg/spool"
)

func TestEvaluateInspection(t *testing.T) {
	unions := []spool.Union{
		{Seq: 1, Kind: "butt-weld", Inspection: spool.InspectionPass},
		{Seq: 2, Kind: "butt-weld", Inspection: spool.InspectionFail},
		{Seq: 3, Kind: "socket", Inspection: spool.InspectionFail},
		{Seq: 4, Kind: "butt-weld"},
	}

	out := EvaluateInspection(unions, nil)
	if out.Passed != 1 || out.Failed != 2 || out.NotApplied != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if len(out.FailedSeqs) != 2 || out.FailedSeqs[0] != 2 || out.FailedSeqs[1] != 3 {
		t.Fatalf("failed seqs: %v", out.FailedSeqs)
	}
	if out.Approved() {
		t.Fatal("failed unions must block approval")
	}
}

func TestEvaluateInspectionExemptKinds(t *testing.T) {
	unions := []spool.Union{
		{Seq: 1, Kind: "butt-weld", Inspection: spool.InspectionPass},
		{Seq: 2, Kind: "support", Inspection: spool.InspectionFail},
	}

	// A profile-exempt kind is not-applicable even with a recorded
	// failure.
	out := EvaluateInspection(unions, map[string]bool{"support": true})
	if out.Failed != 0 || out.NotApplied != 1 || out.Passed != 1 {
		t.Fatalf("outcome: %+v", out)
	}
	if !out.Approved() {
		t.Fatal("exempt failure must not block approval")
	}
}

func TestEvaluateInspectionStateless(t *testing.T) {
	unions := []spool.Union{
		{Seq: 1, Kind: "butt-weld", Inspection: spool.InspectionPass},
	}
	first := EvaluateInspection(unions, nil)
	second := EvaluateInspection(unions, nil)
	if first.Passed != second.Passed || first.Failed != second.Failed || first.NotApplied != second.NotApplied {
		t.Fatalf("repeated evaluation diverged: %+v vs %+v", first, second)
	}
}
