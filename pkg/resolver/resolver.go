// Package resolver turns raw per-node and per-message-size measurements into
// the final pass/fail verdicts the driver labels nodes with.
package resolver

import (
	"github.com/fleethealth/health-runner/pkg/labels"
)

// ClassifyNodes splits tested nodes into passed and failed sets from their
// raw pre-result label values. Grounded on
// original_source/src/health_runner/nccl_runner.py's get_nccl_test_results:
// "pass" passes, "fail" and "crash" both fail, anything else (including an
// absent label) is neither and is left for the caller to report as timeout.
func ClassifyNodes(preResults map[string]string) (passed, failed []string) {
	for node, raw := range preResults {
		switch labels.ParsePreResult(raw) {
		case labels.VerdictPass:
			passed = append(passed, node)
		case labels.VerdictFail, labels.VerdictCrash:
			failed = append(failed, node)
		}
	}
	return passed, failed
}

// MergePasses combines first- and second-pass results into the final
// passed/failed sets, preserving monotonicity: a node can never move from
// passed to failed, and a node that failed the first pass but was never
// retested in the second pass stays failed.
//
// Ported directly from nccl_runner.py's determine_failed_components.
func MergePasses(firstPassed, firstFailed, secondPassed, secondFailed []string) (passed, failed []string) {
	passedSet := toSet(firstPassed)
	failedSet := toSet(secondFailed)

	for _, n := range secondPassed {
		passedSet[n] = struct{}{}
	}

	firstFailedSet := toSet(firstFailed)
	for _, n := range secondFailed {
		if _, wasFirstFail := firstFailedSet[n]; !wasFirstFail {
			delete(failedSet, n)
		}
	}

	for n := range firstFailedSet {
		if _, isPassed := passedSet[n]; !isPassed {
			failedSet[n] = struct{}{}
		}
	}

	return keys(passedSet), keys(failedSet)
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func keys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// FailSentinelBandwidth is written for a message size whose iterations
// failed more often than they succeeded; it forces that size's verdict to
// FAIL regardless of what bandwidth the successful iterations measured.
const FailSentinelBandwidth = -1.0

// Sample is one iteration's measurement for a single message size on a
// single node pair.
type Sample struct {
	Success      bool
	BandwidthGBs float64
	LatencyMs    float64
}

// SizeAggregate is the resolved bandwidth/latency for one message size.
type SizeAggregate struct {
	BandwidthGBs float64
	LatencyMs    float64
	Failed       bool
}

// AggregateSamples averages bandwidth and latency across successful
// iterations for a single message size. When more than half of the
// iterations failed, the size is marked Failed and its bandwidth is forced
// to FailSentinelBandwidth -- a run that mostly times out or crashes is not
// a meaningful average, and must fail outright rather than report a
// partial number.
func AggregateSamples(samples []Sample) SizeAggregate {
	if len(samples) == 0 {
		return SizeAggregate{Failed: true, BandwidthGBs: FailSentinelBandwidth}
	}

	var failures int
	var bwSum, latSum float64
	var ok int
	for _, s := range samples {
		if !s.Success {
			failures++
			continue
		}
		bwSum += s.BandwidthGBs
		latSum += s.LatencyMs
		ok++
	}

	failureRate := float64(failures) / float64(len(samples))
	if failureRate > 0.5 || ok == 0 {
		return SizeAggregate{Failed: true, BandwidthGBs: FailSentinelBandwidth}
	}

	return SizeAggregate{
		BandwidthGBs: bwSum / float64(ok),
		LatencyMs:    latSum / float64(ok),
	}
}

// AggregateBySize groups samples by message size and aggregates each group
// independently.
func AggregateBySize(bySize map[string][]Sample) map[string]SizeAggregate {
	out := make(map[string]SizeAggregate, len(bySize))
	for size, samples := range bySize {
		out[size] = AggregateSamples(samples)
	}
	return out
}

// FinalVerdict resolves a node's overall verdict from its classification and
// its per-size aggregates: any failed size drags the whole node to FAIL even
// if the node's own pre-result label said PASS, since a pass/fail label only
// reflects connectivity, not throughput.
func FinalVerdict(nodeVerdict labels.Verdict, sizes map[string]SizeAggregate) labels.Verdict {
	if nodeVerdict == labels.VerdictFail || nodeVerdict == labels.VerdictCrash || nodeVerdict == labels.VerdictTimeout {
		return nodeVerdict
	}
	for _, agg := range sizes {
		if agg.Failed {
			return labels.VerdictFail
		}
	}
	return nodeVerdict
}
