// Package driver is the top-level Health Runner orchestrator: it composes
// topology discovery, pair planning, job launching, job watching, result
// resolution, node annotation and results upload into one run.
//
// Grounded on
// original_source/src/health_runner/health_runner.py's run_health_check and
// nccl_runner.py's run_nccl_random_pair_healthcheck (the two-pass structure
// and post_run_cleanup list), adapted so the original's SIGALRM-based
// _TIMEOUT_MINUTES deadline becomes a context.Context carrying the run's
// global deadline, and the original's best-effort post_run_cleanup list
// becomes a mutex-guarded registry that runs exactly once, even on panic.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/fleethealth/health-runner/pkg/annotator"
	"github.com/fleethealth/health-runner/pkg/config"
	"github.com/fleethealth/health-runner/pkg/labels"
	"github.com/fleethealth/health-runner/pkg/launcher"
	"github.com/fleethealth/health-runner/pkg/planner"
	"github.com/fleethealth/health-runner/pkg/resolver"
	"github.com/fleethealth/health-runner/pkg/results"
	"github.com/fleethealth/health-runner/pkg/topology"
	"github.com/fleethealth/health-runner/pkg/watcher"
)

// defaultSweepMinNodes is the Performance Runner's node-count threshold when
// the workload didn't forward an NHOSTS override: a level with just one node
// can't run a multi-node benchmark at all.
const defaultSweepMinNodes = 2

// maxConcurrentLaunches bounds how many jobs are created at once, so a
// large sweep doesn't hammer the API server with simultaneous Creates.
const maxConcurrentLaunches = 16

// Check describes the workload being orchestrated: its label-key family and
// the manifest template used to launch it.
type Check struct {
	Name             string
	ManifestTemplate string
	// PerformanceManifestTemplate, if set, is the manifest the Performance
	// Runner launches one per qualifying topology level (spec.md §4.G). The
	// driver skips the performance sweep entirely when this is empty.
	PerformanceManifestTemplate string
}

// Driver runs one end-to-end health check pass (or two, if a second pass is
// warranted) against a cluster.
type Driver struct {
	client    kubernetes.Interface
	gcs       *storage.Client
	launcher  *launcher.Launcher
	annotator *annotator.Annotator
	cfg       *config.Config
	check     Check
	logger    *slog.Logger
	rng       *rand.Rand
}

// New wires a Driver from its dependencies.
func New(client kubernetes.Interface, gcs *storage.Client, cfg *config.Config, check Check, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		client:    client,
		gcs:       gcs,
		launcher:  launcher.New(client, cfg.Namespace, "latest", cfg.WorkflowID),
		annotator: annotator.New(client, logger),
		cfg:       cfg,
		check:     check,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run executes one full health-check cycle: snapshot, first pass, optional
// second pass, final annotation, and results upload. The returned Report
// reflects every node's final verdict regardless of whether the upload
// step succeeded.
func (d *Driver) Run(ctx context.Context) (results.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cleanups := &cleanupRegistry{logger: d.logger}
	defer cleanups.runAll(context.Background())

	snap, err := d.snapshot(ctx)
	if err != nil {
		return results.Report{}, fmt.Errorf("driver: snapshot topology: %w", err)
	}

	allNodes := snap.AllNodes()
	for _, n := range allNodes {
		d.annotator.ClearResultLabels(ctx, n.ID, d.check.Name)
	}

	firstPairs := planner.PlanFirstPass(snap, d.cfg.PairingMode, d.rng)
	tested := toSet(pairNodes(firstPairs))
	firstReadings, err := d.runPass(ctx, firstPairs, false, cleanups)
	if err != nil {
		return results.Report{}, fmt.Errorf("driver: first pass: %w", err)
	}
	firstPassed, firstFailed := resolver.ClassifyNodes(rawPreResults(firstReadings))

	passed, failed := firstPassed, firstFailed
	var secondReadings map[string]nodeReading
	if d.secondPassNeeded(firstPassed, firstFailed) {
		secondPairs := planner.PlanSecondPass(snap, d.cfg.PairingMode, firstFailed, firstPassed, d.rng)
		for _, id := range pairNodes(secondPairs) {
			tested[id] = struct{}{}
		}
		secondReadings, err = d.runPass(ctx, secondPairs, true, cleanups)
		if err != nil {
			return results.Report{}, fmt.Errorf("driver: second pass: %w", err)
		}
		secondPassed, secondFailed := resolver.ClassifyNodes(rawPreResults(secondReadings))
		passed, failed = resolver.MergePasses(firstPassed, firstFailed, secondPassed, secondFailed)
	}

	report := d.finalize(ctx, allNodes, tested, passed, failed, firstReadings, secondReadings)

	if d.check.PerformanceManifestTemplate != "" {
		minNodes := defaultSweepMinNodes
		if n, err := strconv.Atoi(d.cfg.WorkloadOverrides["NHOSTS"]); err == nil && n > 0 {
			minNodes = n
		}
		sweep, skipped := planner.PlanSweep(snap, minNodes)
		perfEntries := d.runPerformancePass(ctx, sweep)
		for _, level := range skipped {
			d.logger.Info("driver: performance level skipped, below node threshold", "level", level, "min_nodes", minNodes)
			perfEntries = append(perfEntries, results.Entry{ID: level, Status: labels.VerdictSkip.String()})
		}
		if len(perfEntries) > 0 {
			report.HealthResults = append(report.HealthResults, results.CheckResult{
				Name: d.check.Name, Kind: labels.EntityBlock.String(), Entries: perfEntries,
			})
		}
	}

	if err := results.Upload(ctx, d.gcs, d.cfg.GCSBucketName, d.cfg.WorkflowID, report, d.logger); err != nil {
		d.logger.Warn("driver: results upload failed, run result is unaffected", "err", err)
	}

	return report, nil
}

// secondPassNeeded mirrors nccl_runner.py's guard: a second pass only runs
// when it's enabled, there's something to retest, and there's a known-good
// node to retest it against.
func (d *Driver) secondPassNeeded(passed, failed []string) bool {
	return d.cfg.SecondPassEnabled && len(failed) > 0 && len(passed) > 0
}

func (d *Driver) snapshot(ctx context.Context) (topology.Snapshot, error) {
	kubeNodes, err := d.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return topology.Snapshot{}, fmt.Errorf("list nodes: %w", err)
	}
	nodes := topology.FromKubeNodes(kubeNodes.Items, topology.Filters{
		RequireGPU:         true,
		RequireReady:       true,
		ExcludeTaintPrefix: "aiinfra/",
		LabelName:          d.cfg.FilterLabelName,
		LabelValue:         d.cfg.FilterLabelValue,
	})
	return topology.BuildSnapshot(nodes), nil
}

// nodeReading is everything the resolver reads off one node immediately
// after a pass: its raw pre-result label plus whatever bandwidth/latency
// labels the workload wrote for the check's message sizes (spec.md §6,
// "aiinfra/<check>-healthcheck-{4MiB,64MiB,1G,8G,…}-bandwidth").
type nodeReading struct {
	PreResult   string
	Bandwidth   float64
	BandwidthOK bool
	Sizes       map[string]resolver.Sample
}

// readResults reads each node's pre-result label plus its bandwidth/latency
// labels in one Get, so the resolver's aggregation step (§4.F) has the raw
// material it needs without a second round of API calls.
func (d *Driver) readResults(ctx context.Context, nodeIDs []string) map[string]nodeReading {
	preKey := labels.PreResultKey(d.check.Name)
	bwKey := labels.BandwidthKey(d.check.Name)
	sizePrefix := labels.TaintKey(d.check.Name) + "-"

	out := make(map[string]nodeReading, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := d.client.CoreV1().Nodes().Get(ctx, id, metav1.GetOptions{})
		if err != nil {
			d.logger.Warn("driver: read node failed, treated as timeout", "node", id, "err", err)
			out[id] = nodeReading{}
			continue
		}

		r := nodeReading{PreResult: node.Labels[preKey], Sizes: map[string]resolver.Sample{}}
		if raw, ok := node.Labels[bwKey]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				r.Bandwidth, r.BandwidthOK = v, true
			}
		}
		for k, v := range node.Labels {
			if k == bwKey || !strings.HasPrefix(k, sizePrefix) || !strings.HasSuffix(k, "-bandwidth") {
				continue
			}
			size := strings.TrimSuffix(strings.TrimPrefix(k, sizePrefix), "-bandwidth")
			if size == "" {
				continue
			}
			bw, err := strconv.ParseFloat(v, 64)
			if err != nil {
				continue
			}
			lat := 0.0
			if latRaw, ok := node.Labels[labels.SizedLatencyKey(d.check.Name, size)]; ok {
				if l, err := strconv.ParseFloat(latRaw, 64); err == nil {
					lat = l
				}
			}
			r.Sizes[size] = resolver.Sample{Success: true, BandwidthGBs: bw, LatencyMs: lat}
		}
		out[id] = r
	}
	return out
}

// rawPreResults extracts the bare pre-result strings resolver.ClassifyNodes
// expects out of a set of readings.
func rawPreResults(readings map[string]nodeReading) map[string]string {
	out := make(map[string]string, len(readings))
	for node, r := range readings {
		out[node] = r.PreResult
	}
	return out
}

func pairNodes(pairs []planner.Pair) []string {
	out := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.Node0, p.Node1)
	}
	return out
}

// runPass launches one job per pair, waits for them all, and returns each
// participant node's label reading. Jobs are created with bounded
// concurrency; a launch failure for one pair is logged and that pair's
// nodes get a "crash" pre-result reading (resolved downstream as CRASH),
// without consuming a watch slot. Nodes whose job is still running when the deadline/context
// fires are forced to a timeout reading regardless of what their label
// says, since watcher.Wait giving up on a job is itself the authoritative
// "this pair never finished" signal (spec.md §7, scenario S4).
func (d *Driver) runPass(ctx context.Context, pairs []planner.Pair, secondPass bool, cleanups *cleanupRegistry) (map[string]nodeReading, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var (
		mu       sync.Mutex
		handles  []string
		jobNodes = make(map[string][]string, len(pairs))
		sem      = make(chan struct{}, maxConcurrentLaunches)
		wg       sync.WaitGroup
		allNodes []string
		crashed  []string
	)

	for _, p := range pairs {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			spec := launcher.Spec{
				Name:             d.check.Name,
				ManifestTemplate: d.check.ManifestTemplate,
				Env: d.workloadEnv(map[string]string{
					"NODE0":       p.Node0,
					"NODE1":       p.Node1,
					"SECOND_PASS": boolStr(secondPass),
				}),
			}
			handle, cleanup, err := d.launcher.Launch(ctx, spec)
			if err != nil {
				d.logger.Warn("driver: launch failed, pair will resolve as crash", "node0", p.Node0, "node1", p.Node1, "err", err)
				mu.Lock()
				crashed = append(crashed, p.Node0, p.Node1)
				mu.Unlock()
				return
			}
			cleanups.add(cleanup)

			mu.Lock()
			handles = append(handles, handle.JobName)
			jobNodes[handle.JobName] = []string{p.Node0, p.Node1}
			allNodes = append(allNodes, p.Node0, p.Node1)
			mu.Unlock()
		}()
	}
	wg.Wait()

	remaining := watcher.Wait(ctx, d.client, d.cfg.Namespace, handles, d.cfg.CheckInterval, d.logger)

	readings := d.readResults(ctx, allNodes)
	for _, jobName := range remaining {
		for _, node := range jobNodes[jobName] {
			d.logger.Warn("driver: node timed out waiting for job completion", "node", node, "job", jobName)
			r := readings[node]
			r.PreResult = ""
			readings[node] = r
		}
	}
	for _, node := range crashed {
		r := readings[node]
		r.PreResult = labels.VerdictCrash.String()
		readings[node] = r
	}

	return readings, nil
}

// runPerformancePass launches one job per qualifying topology level, in
// parallel, each sized to its level's full node count -- spec.md §4.G "Launch
// all invocations for a given sweep element in parallel."
func (d *Driver) runPerformancePass(ctx context.Context, elements []planner.SweepElement) []results.Entry {
	if len(elements) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		entries []results.Entry
		wg      sync.WaitGroup
		sem     = make(chan struct{}, maxConcurrentLaunches)
	)

	for _, el := range elements {
		el := el
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			entry := d.runSweepElement(ctx, el)
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return entries
}

// runSweepElement launches, waits for, resolves, and immediately tears down
// one level's job, so its label slots free up for reuse as soon as its result
// is read rather than at the end of the run. Levels run concurrently (see
// runPerformancePass), so one level's job is not necessarily deleted before
// another level's job starts.
func (d *Driver) runSweepElement(ctx context.Context, el planner.SweepElement) results.Entry {
	spec := launcher.Spec{
		Name:             fmt.Sprintf("%s-perf", d.check.Name),
		ManifestTemplate: d.check.PerformanceManifestTemplate,
		Env: d.workloadEnv(map[string]string{
			"LEVEL":  el.Level,
			"NODES":  strings.Join(el.Nodes, ","),
			"NHOSTS": strconv.Itoa(len(el.Nodes)),
		}),
	}

	handle, cleanup, err := d.launcher.Launch(ctx, spec)
	if err != nil {
		d.logger.Warn("driver: performance launch failed, level resolves as crash", "level", el.Level, "err", err)
		return results.Entry{ID: el.Level, Status: labels.VerdictCrash.String()}
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			d.logger.Warn("driver: performance cleanup failed", "level", el.Level, "err", err)
		}
	}()

	if remaining := watcher.Wait(ctx, d.client, d.cfg.Namespace, []string{handle.JobName}, d.cfg.CheckInterval, d.logger); len(remaining) > 0 {
		return results.Entry{ID: el.Level, Status: labels.VerdictTimeout.String()}
	}

	return results.Entry{ID: el.Level, Status: d.readMasterResult(ctx, handle.JobName, el)}
}

// readMasterResult finds the sweep job's rank-0 ("master") pod -- the one
// whose name carries the Indexed Job completion-index suffix identified by
// planner.IsMasterPodName -- and reads the level's verdict off that pod's
// node. Falls back to the first node in the level by construction if no pod
// can be found carrying the expected job-name label, since rank 0 is always
// assigned el.Nodes[0].
func (d *Driver) readMasterResult(ctx context.Context, jobName string, el planner.SweepElement) string {
	pods, err := d.client.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		d.logger.Warn("driver: list pods for performance job failed, treated as timeout", "job", jobName, "err", err)
		return labels.VerdictTimeout.String()
	}

	var masterNode string
	for _, p := range pods.Items {
		if planner.IsMasterPodName(p.Name) {
			masterNode = p.Spec.NodeName
			break
		}
	}
	if masterNode == "" && len(el.Nodes) > 0 {
		masterNode = el.Nodes[0]
	}
	if masterNode == "" {
		return labels.VerdictTimeout.String()
	}

	node, err := d.client.CoreV1().Nodes().Get(ctx, masterNode, metav1.GetOptions{})
	if err != nil {
		d.logger.Warn("driver: read master node failed, treated as timeout", "node", masterNode, "err", err)
		return labels.VerdictTimeout.String()
	}
	if raw := node.Labels[labels.PreResultKey(d.check.Name)]; raw != "" {
		return raw
	}
	return labels.VerdictTimeout.String()
}

// classifyFinal resolves one tested node's final verdict from its pass/fail
// set membership and the freshest raw pre-result value available for it.
// The sets only distinguish pass from not-pass (resolver.ClassifyNodes folds
// crash into failed for monotonicity purposes), so crash is recovered here
// by re-reading the raw label -- this is what keeps CRASH distinct from FAIL
// in the final report instead of collapsing into it (spec.md §4.F step 2).
// A node in neither set was tested but never reported a verdict -- absent
// pre-result means TIMEOUT, per the same step.
func classifyFinal(passedSet, failedSet map[string]struct{}, nodeID, rawPreResult string) labels.Verdict {
	if _, ok := passedSet[nodeID]; ok {
		return labels.VerdictPass
	}
	if _, ok := failedSet[nodeID]; ok {
		if labels.ParsePreResult(rawPreResult) == labels.VerdictCrash {
			return labels.VerdictCrash
		}
		return labels.VerdictFail
	}
	return labels.VerdictTimeout
}

// finalize writes each node's verdict label/taint and builds the report.
// Every node the topology snapshot considered in scope gets an entry:
// nodes never tested (no pair was ever formed for them, e.g. a singleton
// rack) are reported SKIP rather than silently dropped (spec.md §4.F edge
// case and scenario S6's sibling rule for block-level skips).
func (d *Driver) finalize(ctx context.Context, allNodes []topology.Node, tested map[string]struct{}, passed, failed []string, firstReadings, secondReadings map[string]nodeReading) results.Report {
	passedSet := toSet(passed)
	failedSet := toSet(failed)

	var entries []results.Entry
	for _, n := range allNodes {
		if _, ok := tested[n.ID]; !ok {
			entries = append(entries, results.Entry{ID: n.ID, Status: labels.VerdictSkip.String()})
			continue
		}

		first := firstReadings[n.ID]
		fresh, retested := secondReadings[n.ID]
		latest := first
		if retested {
			latest = fresh
		}

		verdict := classifyFinal(passedSet, failedSet, n.ID, latest.PreResult)

		entry := results.Entry{ID: n.ID}
		if verdict == labels.VerdictPass {
			verdict, entry.Measurements = d.aggregateMeasurements(first, fresh, retested)
		}

		value, err := labels.FinalLabelValue(verdict)
		if err != nil {
			d.logger.Warn("driver: cannot render final label", "node", n.ID, "err", err)
			continue
		}
		d.annotator.SetLabels(ctx, n.ID, map[string]string{labels.ResultKey(d.check.Name): value})

		if verdict == labels.VerdictFail || verdict == labels.VerdictCrash {
			d.annotator.Taint(ctx, n.ID, corev1.Taint{
				Key:    labels.TaintKey(d.check.Name),
				Value:  value,
				Effect: corev1.TaintEffectNoSchedule,
			})
		} else {
			d.annotator.Untaint(ctx, n.ID, labels.TaintKey(d.check.Name))
		}

		entry.Status = value
		entries = append(entries, entry)
	}

	return results.Report{
		HealthResults: []results.CheckResult{
			{Name: d.check.Name, Kind: labels.EntityNode.String(), Entries: entries},
		},
	}
}

// aggregateMeasurements implements §4.F's NCCL measurement aggregation for a
// node whose pre-result label said PASS: it averages the overall bandwidth
// and each message size's bandwidth/latency across every pass the node was
// actually tested in, and applies the >0.5-failure-rate sentinel per size.
// A size whose aggregate comes back failed drags the whole node to FAIL even
// though its pre-result label said PASS, since that label only reflects
// connectivity, not throughput.
func (d *Driver) aggregateMeasurements(first, fresh nodeReading, retested bool) (labels.Verdict, map[string]float64) {
	var overall []resolver.Sample
	if first.BandwidthOK {
		overall = append(overall, resolver.Sample{Success: true, BandwidthGBs: first.Bandwidth})
	}
	if retested && fresh.BandwidthOK {
		overall = append(overall, resolver.Sample{Success: true, BandwidthGBs: fresh.Bandwidth})
	}

	bySize := map[string][]resolver.Sample{}
	for size, s := range first.Sizes {
		bySize[size] = append(bySize[size], s)
	}
	if retested {
		for size, s := range fresh.Sizes {
			bySize[size] = append(bySize[size], s)
		}
	}
	sizeAggs := resolver.AggregateBySize(bySize)

	verdict := resolver.FinalVerdict(labels.VerdictPass, sizeAggs)

	measurements := map[string]float64{}
	if len(overall) > 0 {
		measurements["avg_bandwidth"] = resolver.AggregateSamples(overall).BandwidthGBs
	}
	for size, agg := range sizeAggs {
		measurements[size+"_bandwidth"] = agg.BandwidthGBs
		if agg.LatencyMs != 0 {
			measurements[size+"_latency_ms"] = agg.LatencyMs
		}
	}
	if len(measurements) == 0 {
		return verdict, nil
	}
	return verdict, measurements
}

// workloadEnv merges the configured HC_ENV_* overrides with a launch's own
// keys into the Env handed to the manifest template; the launch's own keys
// win when a name collides.
func (d *Driver) workloadEnv(own map[string]string) map[string]string {
	env := make(map[string]string, len(d.cfg.WorkloadOverrides)+len(own))
	for k, v := range d.cfg.WorkloadOverrides {
		env[k] = v
	}
	for k, v := range own {
		env[k] = v
	}
	return env
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

// cleanupRegistry collects every launch's cleanup closure and guarantees
// they run exactly once, even if Run panics or its context deadline fires
// mid-flight -- the invariant the original's global post_run_cleanup list
// enforced only on the happy path and the signal handler.
type cleanupRegistry struct {
	mu     sync.Mutex
	funcs  []launcher.CleanupFunc
	done   bool
	logger *slog.Logger
}

func (r *cleanupRegistry) add(f launcher.CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs = append(r.funcs, f)
}

func (r *cleanupRegistry) runAll(ctx context.Context) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	funcs := r.funcs
	r.mu.Unlock()

	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, f := range funcs {
		if err := f(ctx); err != nil {
			logger.Warn("driver: cleanup failed", "err", err)
		}
	}
}
