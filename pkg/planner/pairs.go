// Package planner implements the Pair Planner (spec.md §4.E) and the
// Performance Runner (spec.md §4.G): turning a topology snapshot and a
// pairing mode into the set of workload invocations for a pass.
package planner

import (
	"math/rand"

	"github.com/samber/lo"

	"github.com/fleethealth/health-runner/pkg/labels"
	"github.com/fleethealth/health-runner/pkg/topology"
)

// Pair is one node-pair invocation.
type Pair struct {
	Node0 string
	Node1 string
}

// IndexPair is a pair of indices into some slice of length n.
type IndexPair struct {
	I, J int
}

// GenerateIndexPairs returns random pairs of indices in [0,n) with no
// repeated items, save for one deliberate pairing when n is odd. Grounded
// on original_source/src/health_runner/nccl_runner.py's
// generate_index_pairs: shuffle, pop pairs from the back, pair any leftover
// index with a uniformly random other index (never itself).
func GenerateIndexPairs(n int, rng *rand.Rand) []IndexPair {
	if n < 2 {
		return nil
	}
	indices := rng.Perm(n)

	var pairs []IndexPair
	for len(indices) > 1 {
		i := indices[len(indices)-1]
		j := indices[len(indices)-2]
		indices = indices[:len(indices)-2]
		pairs = append(pairs, IndexPair{I: i, J: j})
	}
	if len(indices) == 1 {
		last := indices[0]
		partner := last
		for partner == last {
			partner = rng.Intn(n)
		}
		pairs = append(pairs, IndexPair{I: last, J: partner})
	}
	return pairs
}

func resolveIndexPairs(idx []IndexPair, entries []string) []Pair {
	out := make([]Pair, 0, len(idx))
	for _, p := range idx {
		out = append(out, Pair{Node0: entries[p.I], Node1: entries[p.J]})
	}
	return out
}

// PlanFirstPass produces the first-pass node pairs for the given pairing
// mode, grounded on nccl_runner.py's run_{nccl_random_pair,intra_rack,
// inter_rack,inter_cluster}_healthcheck functions.
func PlanFirstPass(snap topology.Snapshot, mode labels.PairingMode, rng *rand.Rand) []Pair {
	switch mode {
	case labels.PairingIntraRack:
		return planIntraRack(snap, rng)
	case labels.PairingInterRack:
		return planInterRack(snap, rng)
	case labels.PairingInterCluster:
		return planInterCluster(snap, rng)
	default:
		return planRandom(snap, rng)
	}
}

func planRandom(snap topology.Snapshot, rng *rand.Rand) []Pair {
	nodes := lo.Map(snap.AllNodes(), func(n topology.Node, _ int) string { return n.ID })
	return resolveIndexPairs(GenerateIndexPairs(len(nodes), rng), nodes)
}

func planIntraRack(snap topology.Snapshot, rng *rand.Rand) []Pair {
	var pairs []Pair
	for _, c := range snap.Clusters {
		for _, r := range c.Racks {
			if len(r.Nodes) < 2 {
				continue
			}
			ids := lo.Map(r.Nodes, func(n topology.Node, _ int) string { return n.ID })
			pairs = append(pairs, resolveIndexPairs(GenerateIndexPairs(len(ids), rng), ids)...)
		}
	}
	return pairs
}

func planInterRack(snap topology.Snapshot, rng *rand.Rand) []Pair {
	var pairs []Pair
	for _, c := range snap.Clusters {
		racks := lo.Filter(c.Racks, func(r topology.Rack, _ int) bool { return len(r.Nodes) > 0 })
		if len(racks) < 2 {
			continue
		}
		for _, rp := range GenerateIndexPairs(len(racks), rng) {
			n0 := racks[rp.I].Nodes[rng.Intn(len(racks[rp.I].Nodes))].ID
			n1 := racks[rp.J].Nodes[rng.Intn(len(racks[rp.J].Nodes))].ID
			pairs = append(pairs, Pair{Node0: n0, Node1: n1})
		}
	}
	return pairs
}

func planInterCluster(snap topology.Snapshot, rng *rand.Rand) []Pair {
	clusters := lo.Filter(snap.Clusters, func(c topology.Cluster, _ int) bool {
		return len(allClusterNodes(c)) > 0
	})
	if len(clusters) < 2 {
		return nil
	}
	var pairs []Pair
	for _, cp := range GenerateIndexPairs(len(clusters), rng) {
		n0s := allClusterNodes(clusters[cp.I])
		n1s := allClusterNodes(clusters[cp.J])
		n0 := n0s[rng.Intn(len(n0s))]
		n1 := n1s[rng.Intn(len(n1s))]
		pairs = append(pairs, Pair{Node0: n0, Node1: n1})
	}
	return pairs
}

func allClusterNodes(c topology.Cluster) []string {
	var out []string
	for _, r := range c.Racks {
		for _, n := range r.Nodes {
			out = append(out, n.ID)
		}
	}
	return out
}

// bucketKey returns the topology bucket a node must share with its
// second-pass partner, per mode's locality rule (spec.md §4.E "Partner
// locality"): same rack for intra-rack, same cluster for inter-rack, any
// bucket ("") for inter-cluster and random.
func bucketKey(snap topology.Snapshot, mode labels.PairingMode, nodeID string) string {
	switch mode {
	case labels.PairingIntraRack:
		rack, _ := snap.RackOf(nodeID)
		return rack
	case labels.PairingInterRack:
		cluster, _ := snap.ClusterOf(nodeID)
		return cluster
	default:
		return ""
	}
}

// PlanSecondPass pairs each suspect node with a uniformly random passer from
// the same topology bucket (per mode), cycling passers when suspects
// outnumber them. Partners are shuffled once up front so that repeated
// cycling doesn't always start on the same passer (grounded on
// nccl_runner.run_nccl_random_pair_healthcheck's
// `random.shuffle(passed_nodes_list); zip(failed_nodes, itertools.cycle(...))`).
func PlanSecondPass(snap topology.Snapshot, mode labels.PairingMode, suspect, passed []string, rng *rand.Rand) []Pair {
	if len(suspect) == 0 || len(passed) == 0 {
		return nil
	}

	passedByBucket := map[string][]string{}
	for _, p := range passed {
		b := bucketKey(snap, mode, p)
		passedByBucket[b] = append(passedByBucket[b], p)
	}
	for b := range passedByBucket {
		rng.Shuffle(len(passedByBucket[b]), func(i, j int) {
			passedByBucket[b][i], passedByBucket[b][j] = passedByBucket[b][j], passedByBucket[b][i]
		})
	}

	cursor := map[string]int{}
	var pairs []Pair
	for _, s := range suspect {
		b := bucketKey(snap, mode, s)
		candidates := passedByBucket[b]
		if len(candidates) == 0 {
			continue // no known-good partner in this bucket; skip per spec.
		}
		idx := cursor[b] % len(candidates)
		cursor[b]++
		pairs = append(pairs, Pair{Node0: s, Node1: candidates[idx]})
	}
	return pairs
}
