// Package launcher creates and tears down the Kubernetes Jobs that run a
// health check workload on a pair or group of nodes.
//
// Grounded on
// original_source/src/checker_common.py's create_k8s_objects/expand_template
// (text-template expansion of a YAML manifest) and create_job_k8s (the
// env-mapping-to-job-spec plumbing), adapted to client-go: the template is
// rendered in-process and decoded straight into a batchv1.Job rather than
// shelled out to kubectl apply.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// Spec describes one job to launch.
type Spec struct {
	// Name is a human-readable distinguisher folded into the generated job
	// name (e.g. "nccl-random-pair").
	Name string
	// ManifestTemplate is a Go text/template producing a Job manifest in
	// YAML, using {{.Field}} placeholders for the templateValues fields
	// (JobName, ImageTag, ShortGUID, WorkflowID, and Env as {{.Env.KEY}}).
	ManifestTemplate string
	// Env is forwarded into the template as .Env, mirroring the
	// "health_check.env.<K>" mappings of the original manifest expansion.
	Env map[string]string
}

// Handle identifies a launched job for later waiting/cleanup/result lookup.
type Handle struct {
	JobName string
}

// CleanupFunc deletes everything a Launch call created. Safe to call more
// than once; a second call finds nothing left to delete and is a no-op.
type CleanupFunc func(context.Context) error

// Launcher creates workload jobs in a namespace.
type Launcher struct {
	client     kubernetes.Interface
	namespace  string
	imageTag   string
	workflowID string
}

// New returns a Launcher that creates jobs in namespace.
func New(client kubernetes.Interface, namespace, imageTag, workflowID string) *Launcher {
	return &Launcher{client: client, namespace: namespace, imageTag: imageTag, workflowID: workflowID}
}

// templateValues mirrors expand_template's default_mappings: a fixed set of
// substitution values every manifest template can reference. Per-check Env
// entries live in their own .Env map and never replace these fields.
type templateValues struct {
	ShortGUID  string
	ImageTag   string
	WorkflowID string
	JobName    string
	Env        map[string]string
}

// Launch renders spec's manifest template, creates the resulting Job with
// bounded retry on transient control-plane errors, and returns a handle plus
// an idempotent cleanup closure. A persistent creation failure returns an
// error and a no-op cleanup -- the caller must record the pair as CRASH
// without having consumed a job slot.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (Handle, CleanupFunc, error) {
	jobName := fmt.Sprintf("diag-%s-%s", spec.Name, uuid.NewString()[:8])

	manifest, err := renderManifest(spec, templateValues{
		ShortGUID:  uuid.NewString()[:4],
		ImageTag:   l.imageTag,
		WorkflowID: l.workflowID,
		JobName:    jobName,
		Env:        spec.Env,
	})
	if err != nil {
		return Handle{}, noopCleanup, fmt.Errorf("launcher: render manifest: %w", err)
	}

	var job batchv1.Job
	if err := yaml.Unmarshal(manifest, &job); err != nil {
		return Handle{}, noopCleanup, fmt.Errorf("launcher: decode manifest: %w", err)
	}
	job.Name = jobName
	job.Namespace = l.namespace

	err = retry.Do(
		func() error {
			_, createErr := l.client.BatchV1().Jobs(l.namespace).Create(ctx, &job, metav1.CreateOptions{})
			return createErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return Handle{}, noopCleanup, fmt.Errorf("launcher: create job %s: %w", jobName, err)
	}

	handle := Handle{JobName: jobName}
	cleanup := func(cctx context.Context) error {
		policy := metav1.DeletePropagationForeground
		delErr := l.client.BatchV1().Jobs(l.namespace).Delete(cctx, jobName, metav1.DeleteOptions{
			PropagationPolicy: &policy,
		})
		if delErr != nil && !isNotFound(delErr) {
			return fmt.Errorf("launcher: delete job %s: %w", jobName, delErr)
		}
		return nil
	}
	return handle, cleanup, nil
}

func renderManifest(spec Spec, values templateValues) ([]byte, error) {
	tmpl, err := template.New(spec.Name).Parse(spec.ManifestTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, values); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

func noopCleanup(context.Context) error { return nil }

func isNotFound(err error) bool {
	type statusError interface {
		Status() metav1.Status
	}
	se, ok := err.(statusError)
	return ok && se.Status().Code == 404
}
