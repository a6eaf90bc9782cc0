package driver

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fleethealth/health-runner/pkg/config"
	"github.com/fleethealth/health-runner/pkg/labels"
)

const fakeManifest = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.JobName}}
spec:
  template:
    spec:
      restartPolicy: Never
      containers:
      - name: healthcheck
        image: example:{{.ImageTag}}
        env:
        - name: NODE0
          value: "{{.Env.NODE0}}"
        - name: NODE1
          value: "{{.Env.NODE1}}"
`

func gpuNode(name, cluster, rack string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				"topology.gke.io/cluster": cluster,
				"topology.gke.io/rack":    rack,
			},
		},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{"nvidia.com/gpu": resource.MustParse("8")},
			Conditions:  []corev1.NodeCondition{{Type: corev1.NodeReady, Status: corev1.ConditionTrue}},
		},
	}
}

// runFakeWorkloadOperator simulates the health-check workload's side of the
// contract: as soon as a job it owns is created, it writes a pre-result
// label on both participant nodes and marks the job succeeded, just as a
// real pod would on completion.
func runFakeWorkloadOperator(ctx context.Context, t *testing.T, client kubernetes.Interface, outcome string) {
	t.Helper()
	w, err := client.BatchV1().Jobs("default").Watch(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("watch jobs: %v", err)
	}
	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				job, ok := ev.Object.(*batchv1.Job)
				if !ok || ev.Type != watch.Added {
					continue
				}
				go completeJob(ctx, client, job, outcome)
			}
		}
	}()
}

const fakePerfManifest = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.JobName}}
spec:
  completions: {{.Env.NHOSTS}}
  template:
    spec:
      restartPolicy: Never
      containers:
      - name: sweep
        image: example:{{.ImageTag}}
        env:
        - name: NODES
          value: "{{.Env.NODES}}"
`

// runFakePerformanceOperator simulates a sweep job's workload: on job
// creation it creates a rank-0 pod bound to the level's first node, writes
// that node's pre-result label, and marks the job succeeded.
func runFakePerformanceOperator(ctx context.Context, t *testing.T, client kubernetes.Interface, namespace, outcome string) {
	t.Helper()
	w, err := client.BatchV1().Jobs(namespace).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("watch jobs: %v", err)
	}
	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				job, ok := ev.Object.(*batchv1.Job)
				if !ok || ev.Type != watch.Added {
					continue
				}
				go completePerformanceJob(ctx, client, namespace, job, outcome)
			}
		}
	}()
}

func completePerformanceJob(ctx context.Context, client kubernetes.Interface, namespace string, job *batchv1.Job, outcome string) {
	env := map[string]string{}
	for _, c := range job.Spec.Template.Spec.Containers[0].Env {
		env[c.Name] = c.Value
	}
	nodes := strings.Split(env["NODES"], ",")
	if len(nodes) == 0 || nodes[0] == "" {
		return
	}
	masterNode := nodes[0]

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      job.Name + "-0-abcde",
			Namespace: namespace,
			Labels:    map[string]string{"job-name": job.Name},
		},
		Spec: corev1.PodSpec{NodeName: masterNode},
	}
	_, _ = client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})

	patch := []byte(`{"metadata":{"labels":{"` + labels.PreResultKey("nccl") + `":"` + outcome + `"}}}`)
	_, _ = client.CoreV1().Nodes().Patch(ctx, masterNode, types.MergePatchType, patch, metav1.PatchOptions{})

	job.Status.Succeeded = 1
	_, _ = client.BatchV1().Jobs(namespace).UpdateStatus(ctx, job, metav1.UpdateOptions{})
}

func completeJob(ctx context.Context, client kubernetes.Interface, job *batchv1.Job, outcome string) {
	env := map[string]string{}
	for _, c := range job.Spec.Template.Spec.Containers[0].Env {
		env[c.Name] = c.Value
	}

	patch := []byte(`{"metadata":{"labels":{"` + labels.PreResultKey("nccl") + `":"` + outcome + `"}}}`)
	for _, nodeID := range []string{env["NODE0"], env["NODE1"]} {
		if nodeID == "" {
			continue
		}
		_, _ = client.CoreV1().Nodes().Patch(ctx, nodeID, types.MergePatchType, patch, metav1.PatchOptions{})
	}

	job.Status.Succeeded = 1
	_, _ = client.BatchV1().Jobs("default").UpdateStatus(ctx, job, metav1.UpdateOptions{})
}

// completeJobWithBandwidth behaves like completeJob but also writes an
// overall bandwidth label on both participants, the way a real NCCL
// all-reduce workload reports its measured throughput.
func completeJobWithBandwidth(ctx context.Context, client kubernetes.Interface, job *batchv1.Job, outcome string, bandwidth float64) {
	env := map[string]string{}
	for _, c := range job.Spec.Template.Spec.Containers[0].Env {
		env[c.Name] = c.Value
	}

	patch := []byte(fmt.Sprintf(`{"metadata":{"labels":{"%s":"%s","%s":"%g"}}}`,
		labels.PreResultKey("nccl"), outcome, labels.BandwidthKey("nccl"), bandwidth))
	for _, nodeID := range []string{env["NODE0"], env["NODE1"]} {
		if nodeID == "" {
			continue
		}
		_, _ = client.CoreV1().Nodes().Patch(ctx, nodeID, types.MergePatchType, patch, metav1.PatchOptions{})
	}

	job.Status.Succeeded = 1
	_, _ = client.BatchV1().Jobs("default").UpdateStatus(ctx, job, metav1.UpdateOptions{})
}

func runFakeWorkloadOperatorWithBandwidth(ctx context.Context, t *testing.T, client kubernetes.Interface, outcome string, bandwidth float64) {
	t.Helper()
	w, err := client.BatchV1().Jobs("default").Watch(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("watch jobs: %v", err)
	}
	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				job, ok := ev.Object.(*batchv1.Job)
				if !ok || ev.Type != watch.Added {
					continue
				}
				go completeJobWithBandwidth(ctx, client, job, outcome, bandwidth)
			}
		}
	}()
}

func TestDriverRunAllNodesPass(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
		gpuNode("n2", "c0", "r1"),
		gpuNode("n3", "c0", "r1"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperator(watchCtx, t, client, "pass")

	cfg := &config.Config{
		Timeout:           5 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: true,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.HealthResults) != 1 {
		t.Fatalf("got %d check results, want 1", len(report.HealthResults))
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4: %+v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Status != "pass" {
			t.Errorf("node %s status=%s, want pass", e.ID, e.Status)
		}
	}
}

func TestDriverRunSkipsSecondPassWhenNoNodePassed(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	// First pass: every job fails. Since this is the only pair and there's
	// no passed node, the driver's second-pass guard must see no healthy
	// partner and skip retesting; both nodes should end up FAIL.
	runFakeWorkloadOperator(watchCtx, t, client, "fail")

	cfg := &config.Config{
		Timeout:           3 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: true,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != "fail" {
			t.Errorf("node %s status=%s, want fail", e.ID, e.Status)
		}
	}
}

func TestDriverRunIncludesPerformanceSweepWhenConfigured(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
		gpuNode("n2", "c0", "r1"),
		gpuNode("n3", "c0", "r1"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperator(watchCtx, t, client, "pass")
	runFakePerformanceOperator(watchCtx, t, client, "default", "pass")

	cfg := &config.Config{
		Timeout:           5 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: false,
		Namespace:         "default",
		WorkloadOverrides: map[string]string{"NHOSTS": "4"},
	}
	check := Check{Name: "nccl", ManifestTemplate: fakeManifest, PerformanceManifestTemplate: fakePerfManifest}
	d := New(client, nil, cfg, check, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.HealthResults) != 2 {
		t.Fatalf("got %d check results, want 2 (node pass + block sweep)", len(report.HealthResults))
	}
	sweep := report.HealthResults[1]
	if sweep.Kind != "block" {
		t.Fatalf("got kind %q, want block", sweep.Kind)
	}
	if len(sweep.Entries) != 1 {
		t.Fatalf("got %d sweep entries, want 1 (single qualifying cluster)", len(sweep.Entries))
	}
	if sweep.Entries[0].Status != "pass" {
		t.Errorf("got sweep status %q, want pass", sweep.Entries[0].Status)
	}
}

func TestDriverRunPreservesCrashVerdict(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperator(watchCtx, t, client, "crash")

	cfg := &config.Config{
		Timeout:           3 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: true,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != "crash" {
			t.Errorf("node %s status=%s, want crash", e.ID, e.Status)
		}
	}
}

func TestDriverRunClassifiesUnfinishedJobsAsTimeout(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
	)
	// No fake operator is started: the jobs never complete, so the watcher
	// must give up at the run deadline and the driver must classify both
	// participants as timed out rather than dropping them.

	cfg := &config.Config{
		Timeout:           150 * time.Millisecond,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: true,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != "timeout" {
			t.Errorf("node %s status=%s, want timeout", e.ID, e.Status)
		}
	}
}

func TestDriverRunMarksUntestedNodeSkip(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"), // singleton rack: intra-rack pairing never touches it
		gpuNode("n1", "c0", "r1"),
		gpuNode("n2", "c0", "r1"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperator(watchCtx, t, client, "pass")

	cfg := &config.Config{
		Timeout:           3 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingIntraRack,
		SecondPassEnabled: false,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}
	var skip, pass int
	for _, e := range entries {
		switch e.Status {
		case "skip":
			skip++
			if e.ID != "n0" {
				t.Errorf("unexpected skip entry %q, want n0", e.ID)
			}
		case "pass":
			pass++
		}
	}
	if skip != 1 || pass != 2 {
		t.Fatalf("got skip=%d pass=%d, want skip=1 pass=2: %+v", skip, pass, entries)
	}
}

func TestDriverRunReportsAverageBandwidth(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
		gpuNode("n2", "c0", "r1"),
		gpuNode("n3", "c0", "r1"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperatorWithBandwidth(watchCtx, t, client, "pass", 80)

	cfg := &config.Config{
		Timeout:           5 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingIntraRack,
		SecondPassEnabled: false,
		Namespace:         "default",
	}
	d := New(client, nil, cfg, Check{Name: "nccl", ManifestTemplate: fakeManifest}, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := report.HealthResults[0].Entries
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for _, e := range entries {
		if e.Status != "pass" {
			t.Fatalf("node %s status=%s, want pass", e.ID, e.Status)
		}
		if e.Measurements["avg_bandwidth"] != 80 {
			t.Errorf("node %s avg_bandwidth=%v, want 80", e.ID, e.Measurements["avg_bandwidth"])
		}
	}
}

func TestDriverRunMarksSmallPerformanceLevelsSkip(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("n0", "c0", "r0"),
		gpuNode("n1", "c0", "r0"),
		gpuNode("n2", "c0", "r1"),
		gpuNode("n3", "c0", "r1"),
		gpuNode("n4", "c1", "r0"),
	)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	runFakeWorkloadOperator(watchCtx, t, client, "pass")
	runFakePerformanceOperator(watchCtx, t, client, "default", "pass")

	cfg := &config.Config{
		Timeout:           5 * time.Second,
		CheckInterval:     10 * time.Millisecond,
		PairingMode:       labels.PairingRandom,
		SecondPassEnabled: false,
		Namespace:         "default",
		WorkloadOverrides: map[string]string{"NHOSTS": "4"},
	}
	check := Check{Name: "nccl", ManifestTemplate: fakeManifest, PerformanceManifestTemplate: fakePerfManifest}
	d := New(client, nil, cfg, check, nil)

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.HealthResults) != 2 {
		t.Fatalf("got %d check results, want 2", len(report.HealthResults))
	}
	sweep := report.HealthResults[1]
	if len(sweep.Entries) != 2 {
		t.Fatalf("got %d sweep entries, want 2 (one launched, one skipped): %+v", len(sweep.Entries), sweep.Entries)
	}
	var gotPass, gotSkip bool
	for _, e := range sweep.Entries {
		switch e.ID {
		case "c0":
			gotPass = e.Status == "pass"
		case "c1":
			gotSkip = e.Status == "skip"
		}
	}
	if !gotPass {
		t.Errorf("expected c0 entry to be pass, got %+v", sweep.Entries)
	}
	if !gotSkip {
		t.Errorf("expected c1 entry to be skip, got %+v", sweep.Entries)
	}
}
