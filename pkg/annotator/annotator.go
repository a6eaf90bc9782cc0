// Package annotator writes and clears the node labels and taints the Health
// Runner uses to hand work to workloads and read their verdicts back.
//
// Adapted from the teacher's single-purpose zombie-taint patch
// (get-node, compute a new taint/condition list, JSON merge-patch): the same
// get-then-JSON-merge-patch shape, generalized from one hardcoded taint key
// to arbitrary label keys, values, and taint effects.
package annotator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/fleethealth/health-runner/pkg/labels"
)

// Annotator applies labels and taints to nodes on behalf of the driver. Every
// operation is best-effort: failures are logged, never returned as fatal,
// per the "fire and forget" node-update policy -- a node the runner could
// not annotate is still a node whose run should proceed.
type Annotator struct {
	client kubernetes.Interface
	logger *slog.Logger
}

// New returns an Annotator wired to a real or fake clientset.
func New(client kubernetes.Interface, logger *slog.Logger) *Annotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Annotator{client: client, logger: logger}
}

// SetLabels best-effort merge-patches the given label values onto a node.
func (a *Annotator) SetLabels(ctx context.Context, nodeName string, values map[string]string) {
	if len(values) == 0 {
		return
	}
	patch := map[string]any{"metadata": map[string]any{"labels": values}}
	a.patch(ctx, nodeName, patch, "set labels")
}

// ClearLabels best-effort removes the given label keys from a node, by
// merge-patching each to null. Idempotent: clearing an absent label is a
// no-op from the API's perspective.
func (a *Annotator) ClearLabels(ctx context.Context, nodeName string, keys []string) {
	if len(keys) == 0 {
		return
	}
	nulled := make(map[string]any, len(keys))
	for _, k := range keys {
		nulled[k] = nil
	}
	patch := map[string]any{"metadata": map[string]any{"labels": nulled}}
	a.patch(ctx, nodeName, patch, "clear labels")
}

// ClearResultLabels removes the fixed set of result-carrying labels for a
// check family, ahead of a new run (spec "Lifecycles": labels from a
// previous run must never leak into the next one's verdict).
func (a *Annotator) ClearResultLabels(ctx context.Context, nodeName, check string) {
	a.ClearLabels(ctx, nodeName, labels.ResultLabelKeys(check))
}

// Taint best-effort adds a taint to a node's spec, unless one with the same
// key is already present.
func (a *Annotator) Taint(ctx context.Context, nodeName string, taint corev1.Taint) {
	node, err := a.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		a.logger.Warn("annotator: get node failed", "node", nodeName, "op", "taint", "err", err)
		return
	}
	for _, t := range node.Spec.Taints {
		if t.Key == taint.Key {
			return
		}
	}

	type specPatch struct {
		Spec struct {
			Taints []corev1.Taint `json:"taints"`
		} `json:"spec"`
	}
	sp := specPatch{}
	sp.Spec.Taints = append(node.Spec.Taints, taint)
	a.patch(ctx, nodeName, sp, "taint")
}

// Untaint best-effort removes any taint with the given key from a node's
// spec. Idempotent: a node without that taint is left untouched.
func (a *Annotator) Untaint(ctx context.Context, nodeName, taintKey string) {
	node, err := a.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		a.logger.Warn("annotator: get node failed", "node", nodeName, "op", "untaint", "err", err)
		return
	}

	filtered := make([]corev1.Taint, 0, len(node.Spec.Taints))
	for _, t := range node.Spec.Taints {
		if t.Key != taintKey {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == len(node.Spec.Taints) {
		return
	}

	type specPatch struct {
		Spec struct {
			Taints []corev1.Taint `json:"taints"`
		} `json:"spec"`
	}
	sp := specPatch{}
	sp.Spec.Taints = filtered
	a.patch(ctx, nodeName, sp, "untaint")
}

// SetCondition best-effort upserts a status condition on a node, matching on
// condition Type, for callers that report richer state than a pass/fail
// label alone. No package in this module calls it outside its tests.
func (a *Annotator) SetCondition(ctx context.Context, nodeName string, cond corev1.NodeCondition) {
	node, err := a.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		a.logger.Warn("annotator: get node failed", "node", nodeName, "op", "set condition", "err", err)
		return
	}

	type statusPatch struct {
		Status struct {
			Conditions []corev1.NodeCondition `json:"conditions"`
		} `json:"status"`
	}
	sp := statusPatch{}
	sp.Status.Conditions = upsertCondition(node.Status.Conditions, cond)
	data, err := json.Marshal(sp)
	if err != nil {
		a.logger.Warn("annotator: marshal condition patch failed", "node", nodeName, "err", err)
		return
	}
	if _, err := a.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, data, metav1.PatchOptions{}, "status",
	); err != nil {
		a.logger.Warn("annotator: patch status failed", "node", nodeName, "op", "set condition", "err", err)
	}
}

func upsertCondition(conditions []corev1.NodeCondition, c corev1.NodeCondition) []corev1.NodeCondition {
	for i, existing := range conditions {
		if existing.Type == c.Type {
			conditions[i] = c
			return conditions
		}
	}
	return append(conditions, c)
}

func (a *Annotator) patch(ctx context.Context, nodeName string, body any, op string) {
	data, err := json.Marshal(body)
	if err != nil {
		a.logger.Warn("annotator: marshal patch failed", "node", nodeName, "op", op, "err", err)
		return
	}
	if _, err := a.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, data, metav1.PatchOptions{},
	); err != nil {
		a.logger.Warn("annotator: patch failed", "node", nodeName, "op", op, "err", fmt.Errorf("%s: %w", op, err))
	}
}
