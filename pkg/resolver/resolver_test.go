package resolver

import (
	"sort"
	"testing"

	"github.com/fleethealth/health-runner/pkg/labels"
)

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestClassifyNodes(t *testing.T) {
	t.Parallel()

	passed, failed := ClassifyNodes(map[string]string{
		"n0": "pass",
		"n1": "fail",
		"n2": "crash",
		"n3": "", // never wrote a verdict: neither passed nor failed here
	})

	if got := sorted(passed); len(got) != 1 || got[0] != "n0" {
		t.Errorf("passed = %v, want [n0]", got)
	}
	if got := sorted(failed); len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Errorf("failed = %v, want [n1 n2]", got)
	}
}

func TestMergePassesNeverDowngradesAPass(t *testing.T) {
	t.Parallel()

	// n0 passed first pass and was never retested in the second pass: it
	// must remain passed.
	passed, failed := MergePasses(
		[]string{"n0", "n1"}, []string{"n2"},
		nil, nil,
	)
	if got := sorted(passed); len(got) != 2 {
		t.Errorf("passed = %v, want both first-pass passers retained", got)
	}
	if got := sorted(failed); len(got) != 1 || got[0] != "n2" {
		t.Errorf("failed = %v, want [n2]", got)
	}
}

func TestMergePassesUpgradesOnSecondPassSuccess(t *testing.T) {
	t.Parallel()

	// n2 failed the first pass but passed the second pass's retest: it must
	// move to passed.
	passed, failed := MergePasses(
		[]string{"n0"}, []string{"n2"},
		[]string{"n2"}, nil,
	)
	if got := sorted(passed); len(got) != 2 {
		t.Fatalf("passed = %v, want [n0 n2]", got)
	}
	if len(failed) != 0 {
		t.Errorf("failed = %v, want empty", failed)
	}
}

func TestMergePassesRetainsUntestedFirstPassFailures(t *testing.T) {
	t.Parallel()

	// n3 failed the first pass and was never a candidate in the second pass
	// at all (e.g. its bucket had no passer); it must stay failed.
	passed, failed := MergePasses(
		[]string{"n0", "n1"}, []string{"n2", "n3"},
		[]string{"n2"}, nil,
	)
	if got := sorted(passed); len(got) != 3 {
		t.Fatalf("passed = %v, want [n0 n1 n2]", got)
	}
	if got := sorted(failed); len(got) != 1 || got[0] != "n3" {
		t.Errorf("failed = %v, want [n3]", got)
	}
}

func TestAggregateSamplesMajorityFailureForcesSentinel(t *testing.T) {
	t.Parallel()

	agg := AggregateSamples([]Sample{
		{Success: false},
		{Success: false},
		{Success: true, BandwidthGBs: 100, LatencyMs: 1},
	})
	if !agg.Failed {
		t.Fatal("want Failed=true when failure rate exceeds 0.5")
	}
	if agg.BandwidthGBs != FailSentinelBandwidth {
		t.Errorf("BandwidthGBs = %v, want sentinel %v", agg.BandwidthGBs, FailSentinelBandwidth)
	}
}

func TestAggregateSamplesAveragesSuccessfulIterations(t *testing.T) {
	t.Parallel()

	agg := AggregateSamples([]Sample{
		{Success: true, BandwidthGBs: 100, LatencyMs: 2},
		{Success: true, BandwidthGBs: 200, LatencyMs: 4},
		{Success: false},
	})
	if agg.Failed {
		t.Fatal("want Failed=false; failure rate 1/3 is not a majority")
	}
	if agg.BandwidthGBs != 150 {
		t.Errorf("BandwidthGBs = %v, want 150", agg.BandwidthGBs)
	}
	if agg.LatencyMs != 3 {
		t.Errorf("LatencyMs = %v, want 3", agg.LatencyMs)
	}
}

func TestAggregateSamplesNoSamplesIsFailed(t *testing.T) {
	t.Parallel()
	agg := AggregateSamples(nil)
	if !agg.Failed || agg.BandwidthGBs != FailSentinelBandwidth {
		t.Errorf("got %+v, want failed sentinel", agg)
	}
}

func TestFinalVerdictSizeFailureDragsPassingNodeToFail(t *testing.T) {
	t.Parallel()

	v := FinalVerdict(labels.VerdictPass, map[string]SizeAggregate{
		"1MB": {BandwidthGBs: 50},
		"1GB": {Failed: true, BandwidthGBs: FailSentinelBandwidth},
	})
	if v != labels.VerdictFail {
		t.Errorf("got %v, want fail", v)
	}
}

func TestFinalVerdictPassThroughWhenAllSizesOK(t *testing.T) {
	t.Parallel()

	v := FinalVerdict(labels.VerdictPass, map[string]SizeAggregate{
		"1MB": {BandwidthGBs: 50},
	})
	if v != labels.VerdictPass {
		t.Errorf("got %v, want pass", v)
	}
}
