package planner

import (
	"strings"

	"github.com/fleethealth/health-runner/pkg/topology"
)

// SweepElement is one performance-test invocation: a topology level (here,
// a cluster/SBRG) and every node in it that must join the one shared job.
type SweepElement struct {
	Level string
	Nodes []string
}

// PlanSweep groups a snapshot's nodes by cluster and returns one
// SweepElement per cluster whose node count meets minNodes.
//
// Grounded on performance_runner.py's run_performance_healthcheck: group by
// Superblock Rail Group (here, Cluster.ID), skip groups below NHOSTS. The
// original then does `break` after launching the first qualifying group's
// job ("Instead of running a performance test per sbrg, we can run a single
// performance test for all sbrgs."). Per the redesign direction this
// implementation drops that shortcut and returns every qualifying level, so
// the driver launches one job per level instead of stopping at the first.
func PlanSweep(snap topology.Snapshot, minNodes int) (elements []SweepElement, skipped []string) {
	for _, c := range snap.Clusters {
		ids := allClusterNodes(c)
		if len(ids) < minNodes {
			skipped = append(skipped, c.ID)
			continue
		}
		elements = append(elements, SweepElement{Level: c.ID, Nodes: ids})
	}
	return elements, skipped
}

// IsMasterPodName reports whether a job pod's name identifies it as the
// rank-0 ("master") participant, whose node carries the job's result label.
// Grounded on performance_runner.py's _get_master_node, which treats any pod
// name containing "-0" as the master (the completion-index suffix
// indexed Jobs append).
func IsMasterPodName(podName string) bool {
	return strings.Contains(podName, "-0")
}
