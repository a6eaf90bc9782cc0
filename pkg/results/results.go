// Package results models the final health-check report and uploads it to
// Google Cloud Storage.
//
// Grounded on
// original_source/src/checker_common.py's upload_results_to_gcs and the
// health_results proto it serializes (health_results_pb2.HealthResults):
// the same createdAt/name/kind/entry shape, expressed as plain Go structs
// with JSON tags instead of a protobuf message.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// Entry is one tested unit's outcome (a node, rack, or topology block,
// depending on the check's EntityKind).
type Entry struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	RuntimeSec   float64            `json:"runtimeSec,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

// CheckResult is one health check's full set of entries.
type CheckResult struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Entries []Entry `json:"entries"`
}

// Report is the top-level document written to the results sink.
type Report struct {
	CreatedAt     time.Time     `json:"createdAt"`
	HealthResults []CheckResult `json:"healthResults"`
}

// The default struct tags above give Report a stable, round-trippable JSON
// encoding (there is no custom MarshalJSON): ToJSON/FromJSON below
// exist only to keep that contract in one place for tests.

// ToJSON renders the report as indented JSON.
func ToJSON(r Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON parses a report previously produced by ToJSON.
func FromJSON(data []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("results: unmarshal report: %w", err)
	}
	return r, nil
}

// objectName derives the GCS object name for a run: health_results_<id>.json
// where <id> is the workflow id when set, otherwise a random 8-char
// hex string -- grounded on upload_results_to_gcs's file_postfix logic.
func objectName(workflowID string) string {
	postfix := workflowID
	if postfix == "" {
		postfix = uuid.NewString()[:8]
	}
	return fmt.Sprintf("health_results_%s.json", postfix)
}

// Upload writes the report to gs://bucket/health_results_<workflowID|random>.json.
// Errors are logged here and also returned so a caller that wants to react
// can, but per spec.md §7 the driver itself must treat a failed upload as
// non-fatal to the run -- log it and move on rather than abort.
func Upload(ctx context.Context, client *storage.Client, bucket, workflowID string, r Report, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == "" {
		logger.Warn("results: no GCS bucket configured, skipping upload")
		return nil
	}
	if client == nil {
		logger.Warn("results: no GCS client available, skipping upload")
		return nil
	}

	data, err := ToJSON(r)
	if err != nil {
		logger.Error("results: marshal report failed", "err", err)
		return fmt.Errorf("results: marshal report: %w", err)
	}

	name := objectName(workflowID)
	w := client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		logger.Error("results: write to GCS failed", "bucket", bucket, "object", name, "err", err)
		_ = w.Close()
		return fmt.Errorf("results: write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		logger.Error("results: close GCS writer failed", "bucket", bucket, "object", name, "err", err)
		return fmt.Errorf("results: close object %s: %w", name, err)
	}

	logger.Info("results: uploaded", "bucket", bucket, "object", name)
	return nil
}
