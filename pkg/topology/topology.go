// Package topology models the Cluster -> Rack -> Node tree the Health
// Runner plans and reports against. The snapshot is immutable once built:
// callers that need fresh labels re-snapshot rather than mutate in place.
package topology

import (
	corev1 "k8s.io/api/core/v1"
)

// UnknownID is the sentinel bucket id used when a node carries neither
// topology label schema (spec.md §3 and §4.A).
const UnknownID = "unknown"

// topology label schema v1 (topology.gke.io/*) and v2
// (cloud.google.com/gce-topology-*), grounded on
// original_source/src/checker_common.py's _get_node_data_v1/_get_node_data_v2.
const (
	v1ClusterLabel = "topology.gke.io/cluster"
	v1RackLabel    = "topology.gke.io/rack"
	v1HostLabel    = "topology.gke.io/host"

	v2ClusterLabel = "cloud.google.com/gce-topology-block"
	v2RackLabel    = "cloud.google.com/gce-topology-subblock"
	v2HostLabel    = "cloud.google.com/gce-topology-host"

	gpuAllocatableKey = "nvidia.com/gpu"
)

// Node is a single cluster member.
type Node struct {
	ID      string
	Host    string
	Labels  map[string]string
	Taints  map[string]struct{}
	Ready   bool
	HasGPU  bool
}

// Rack groups nodes that share a rack-level topology id.
type Rack struct {
	ID    string
	Nodes []Node
}

// Cluster groups racks that share a cluster-level (block/SBRG) topology id.
type Cluster struct {
	ID    string
	Racks []Rack
}

// Snapshot is the immutable topology produced at the start of a run.
type Snapshot struct {
	Clusters []Cluster
}

// AllNodes flattens the snapshot into a single node list, in cluster/rack
// traversal order.
func (s Snapshot) AllNodes() []Node {
	var out []Node
	for _, c := range s.Clusters {
		for _, r := range c.Racks {
			out = append(out, r.Nodes...)
		}
	}
	return out
}

// RackOf returns the rack id a node belongs to, and whether the node was
// found at all.
func (s Snapshot) RackOf(nodeID string) (string, bool) {
	for _, c := range s.Clusters {
		for _, r := range c.Racks {
			for _, n := range r.Nodes {
				if n.ID == nodeID {
					return r.ID, true
				}
			}
		}
	}
	return "", false
}

// ClusterOf returns the cluster id a node belongs to, and whether the node
// was found at all.
func (s Snapshot) ClusterOf(nodeID string) (string, bool) {
	for _, c := range s.Clusters {
		for _, r := range c.Racks {
			for _, n := range r.Nodes {
				if n.ID == nodeID {
					return c.ID, true
				}
			}
		}
	}
	return "", false
}

// RacksByID groups racks for O(1) lookups during planning.
func (s Snapshot) RacksByID() map[string]Rack {
	m := make(map[string]Rack)
	for _, c := range s.Clusters {
		for _, r := range c.Racks {
			m[r.ID] = r
		}
	}
	return m
}

// Filters applied when building a snapshot from raw node records.
type Filters struct {
	// RequireGPU excludes nodes without an allocatable accelerator.
	RequireGPU bool
	// RequireReady excludes nodes whose Ready condition is not true.
	RequireReady bool
	// ExcludeTaintPrefix excludes nodes carrying any taint whose key has
	// this prefix (already-quarantined nodes from a previous run).
	ExcludeTaintPrefix string
	// LabelName/LabelValue, if LabelName is non-empty, restrict nodes to
	// those where Labels[LabelName] == LabelValue.
	LabelName  string
	LabelValue string
}

// HasGPU reports whether node n advertises at least one allocatable GPU.
func HasGPU(n Node) bool { return n.HasGPU }

// IsReady reports whether node n's readiness condition is positive.
func IsReady(n Node) bool { return n.Ready }

// MatchesLabel reports whether n.Labels[key] == value.
func MatchesLabel(n Node, key, value string) bool {
	return n.Labels[key] == value
}

// HasTaintPrefix reports whether any of n's taint keys start with prefix.
func HasTaintPrefix(n Node, prefix string) bool {
	if prefix == "" {
		return false
	}
	for k := range n.Taints {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// FromKubeNodes builds a node list from raw Kubernetes node objects,
// applying has-GPU / readiness / taint-prefix / label filters. Equivalent
// to checker_common.get_nodes_data + _get_nodes_under_test combined, minus
// the topology bucketing (done separately by BuildSnapshot so tests can
// exercise each stage independently).
func FromKubeNodes(kubeNodes []corev1.Node, f Filters) []Node {
	var out []Node
	for _, kn := range kubeNodes {
		n := fromKubeNode(kn)

		if f.RequireGPU && !n.HasGPU {
			continue
		}
		if f.RequireReady && !n.Ready {
			continue
		}
		if f.ExcludeTaintPrefix != "" && HasTaintPrefix(n, f.ExcludeTaintPrefix) {
			continue
		}
		if f.LabelName != "" && n.Labels[f.LabelName] != f.LabelValue {
			continue
		}
		out = append(out, n)
	}
	return out
}

func fromKubeNode(kn corev1.Node) Node {
	n := Node{
		ID:     kn.Name,
		Labels: kn.Labels,
		Taints: make(map[string]struct{}, len(kn.Spec.Taints)),
	}
	for _, t := range kn.Spec.Taints {
		n.Taints[t.Key] = struct{}{}
	}
	for _, c := range kn.Status.Conditions {
		if c.Type == corev1.NodeReady {
			n.Ready = c.Status == corev1.ConditionTrue
		}
	}
	if kn.Status.Allocatable != nil {
		if q, ok := kn.Status.Allocatable[gpuAllocatableKey]; ok {
			n.HasGPU = !q.IsZero()
		}
	}
	return n
}

// BuildSnapshot groups a flat node list into the Cluster/Rack tree. The
// schema version (v1 topology.gke.io/* vs v2 gce-topology-*) is picked from
// the first GPU node encountered and applied uniformly to every node,
// exactly as original_source/checker_common.get_nodes_data does. Nodes
// missing both schemas collapse into the single ("unknown", "unknown")
// bucket but remain testable (spec.md §3 invariant).
func BuildSnapshot(nodes []Node) Snapshot {
	clusterLabel, rackLabel, hostLabel := detectSchema(nodes)

	clusterOrder := []string{}
	clusterIdx := map[string]int{}
	rackIdx := map[string]map[string]int{}

	var snap Snapshot
	for _, n := range nodes {
		clusterID := labelOr(n.Labels, clusterLabel, UnknownID)
		rackID := labelOr(n.Labels, rackLabel, UnknownID)
		if n.Host == "" {
			n.Host = labelOr(n.Labels, hostLabel, UnknownID)
		}

		ci, ok := clusterIdx[clusterID]
		if !ok {
			snap.Clusters = append(snap.Clusters, Cluster{ID: clusterID})
			ci = len(snap.Clusters) - 1
			clusterIdx[clusterID] = ci
			rackIdx[clusterID] = map[string]int{}
			clusterOrder = append(clusterOrder, clusterID)
		}

		ri, ok := rackIdx[clusterID][rackID]
		if !ok {
			snap.Clusters[ci].Racks = append(snap.Clusters[ci].Racks, Rack{ID: rackID})
			ri = len(snap.Clusters[ci].Racks) - 1
			rackIdx[clusterID][rackID] = ri
		}

		snap.Clusters[ci].Racks[ri].Nodes = append(snap.Clusters[ci].Racks[ri].Nodes, n)
	}
	return snap
}

// detectSchema scans for the first GPU node and returns the label keys for
// whichever topology schema it carries. Falls back to v2 keys (which will
// simply miss, yielding "unknown"/"unknown") if that first GPU node carries
// neither schema, or if there is no GPU node; later GPU nodes are not
// inspected -- mirrors checker_common.get_nodes_data's fallback.
func detectSchema(nodes []Node) (cluster, rack, host string) {
	for _, n := range nodes {
		if !n.HasGPU {
			continue
		}
		if _, ok := n.Labels[v1ClusterLabel]; ok {
			return v1ClusterLabel, v1RackLabel, v1HostLabel
		}
		if _, ok := n.Labels[v2HostLabel]; ok {
			return v2ClusterLabel, v2RackLabel, v2HostLabel
		}
		// First GPU node carries neither schema: stop looking, the model
		// is topology-blind for this run.
		return v2ClusterLabel, v2RackLabel, v2HostLabel
	}
	return v2ClusterLabel, v2RackLabel, v2HostLabel
}

func labelOr(labels map[string]string, key, def string) string {
	if labels == nil {
		return def
	}
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return def
}
