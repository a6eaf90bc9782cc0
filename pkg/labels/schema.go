// Package labels is the single translation layer between the stringly-typed
// node labels/taints the control plane exchanges and the closed Go
// enumerations the rest of the Health Runner operates on. No other package
// should parse or format a raw label value.
package labels

import "fmt"

// Verdict is a node's classification after a resolver pass.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictPass
	VerdictFail
	VerdictCrash
	VerdictTimeout
	VerdictSkip
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	case VerdictCrash:
		return "crash"
	case VerdictTimeout:
		return "timeout"
	case VerdictSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParsePreResult maps the raw pre-result label value a workload writes to a
// Verdict. An absent label (empty string) means the workload never wrote a
// verdict and is treated as VerdictTimeout, per spec.
func ParsePreResult(raw string) Verdict {
	switch raw {
	case "pass":
		return VerdictPass
	case "fail":
		return VerdictFail
	case "crash":
		return VerdictCrash
	case "":
		return VerdictTimeout
	default:
		return VerdictUnknown
	}
}

// FinalLabelValue renders a Verdict as the value written to the final
// "-result" label. Only PASS, FAIL, CRASH and TIMEOUT are ever finalized;
// SKIP and UNKNOWN never reach a node label.
func FinalLabelValue(v Verdict) (string, error) {
	switch v {
	case VerdictPass:
		return "pass", nil
	case VerdictFail:
		return "fail", nil
	case VerdictCrash:
		return "crash", nil
	case VerdictTimeout:
		return "timeout", nil
	default:
		return "", fmt.Errorf("labels: verdict %v has no final label representation", v)
	}
}

// PairingMode selects how the Pair Planner forms node pairs.
type PairingMode int

const (
	PairingRandom PairingMode = iota
	PairingIntraRack
	PairingInterRack
	PairingInterCluster
)

func ParsePairingMode(raw string) (PairingMode, error) {
	switch raw {
	case "", "random":
		return PairingRandom, nil
	case "intra_rack":
		return PairingIntraRack, nil
	case "inter_rack":
		return PairingInterRack, nil
	case "inter_cluster":
		return PairingInterCluster, nil
	default:
		return PairingRandom, fmt.Errorf("labels: unknown pairing mode %q", raw)
	}
}

func (m PairingMode) String() string {
	switch m {
	case PairingIntraRack:
		return "intra_rack"
	case PairingInterRack:
		return "inter_rack"
	case PairingInterCluster:
		return "inter_cluster"
	default:
		return "random"
	}
}

// EntityKind is the level a ResultEntry describes.
type EntityKind int

const (
	EntityNode EntityKind = iota
	EntityRack
	EntityBlock
)

func (k EntityKind) String() string {
	switch k {
	case EntityRack:
		return "rack"
	case EntityBlock:
		return "block"
	default:
		return "node"
	}
}

// TaintEffect mirrors corev1.TaintEffect without importing k8s types into
// this leaf package. The driver currently taints with corev1 effects
// directly; no package in this module uses TaintEffect.
type TaintEffect int

const (
	EffectNoSchedule TaintEffect = iota
	EffectPreferNoSchedule
)

func (e TaintEffect) String() string {
	if e == EffectPreferNoSchedule {
		return "PreferNoSchedule"
	}
	return "NoSchedule"
}

// Key builders for a given check family (e.g. "nccl", "dcgm", "straggler").
// Matches spec.md §6's "aiinfra/<check>-healthcheck-*" schema verbatim.

func TestFilterKey(check string) string   { return fmt.Sprintf("aiinfra/%s-healthcheck-test", check) }
func PreResultKey(check string) string    { return fmt.Sprintf("aiinfra/%s-healthcheck-pre-result", check) }
func ResultKey(check string) string       { return fmt.Sprintf("aiinfra/%s-healthcheck-result", check) }
func RuntimeSecKey(check string) string   { return fmt.Sprintf("aiinfra/%s-healthcheck-runtime-sec", check) }
func TaintKey(check string) string        { return fmt.Sprintf("aiinfra/%s-healthcheck", check) }
func BandwidthKey(check string) string    { return fmt.Sprintf("aiinfra/%s-healthcheck-bandwidth", check) }
func SizedBandwidthKey(check, size string) string {
	return fmt.Sprintf("aiinfra/%s-healthcheck-%s-bandwidth", check, size)
}
func SizedLatencyKey(check, size string) string {
	return fmt.Sprintf("aiinfra/%s-healthcheck-%s-latency-ms", check, size)
}

// ResultLabelKeys returns the fixed set of result-carrying label keys that
// the driver clears at the start of every run (spec.md §3, "Lifecycles").
func ResultLabelKeys(check string) []string {
	return []string{
		PreResultKey(check),
		ResultKey(check),
		RuntimeSecKey(check),
		BandwidthKey(check),
	}
}
