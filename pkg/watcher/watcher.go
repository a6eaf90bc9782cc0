// Package watcher polls Kubernetes Jobs until they finish or a deadline
// passes. Grounded on
// original_source/src/checker_common.py's wait_till_jobs_complete: list
// namespaced jobs every tick, move a job out of the remaining set once it
// reports succeeded>=1 or failed>=1, and give up at the deadline.
package watcher

import (
	"context"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Wait polls until every job in handles is terminal, the deadline passes, or
// ctx is canceled -- whichever comes first. It returns the handles still
// running when it stopped (empty when everything finished in time).
//
// Transient control-plane errors on a single poll are logged and retried on
// the next tick rather than aborting the wait.
func Wait(ctx context.Context, client kubernetes.Interface, namespace string, handles []string, pollInterval time.Duration, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}
	remaining := make(map[string]struct{}, len(handles))
	for _, h := range handles {
		remaining[h] = struct{}{}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if len(remaining) == 0 {
			return nil
		}

		jobs, err := client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			logger.Warn("watcher: list jobs failed, retrying next tick", "err", err)
		} else {
			for _, job := range jobs.Items {
				if _, tracked := remaining[job.Name]; !tracked {
					continue
				}
				switch {
				case job.Status.Succeeded >= 1:
					delete(remaining, job.Name)
				case job.Status.Failed >= 1:
					delete(remaining, job.Name)
				}
			}
		}

		if len(remaining) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return remainingKeys(remaining)
		case <-ticker.C:
		}
	}
}

func remainingKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
