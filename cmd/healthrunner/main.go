// healthrunner runs a cluster-wide GPU health check sweep and reports
// per-node pass/fail verdicts, adapting the teacher's single-purpose
// straggler-detector agent into a standalone orchestrator CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/fleethealth/health-runner/pkg/config"
	"github.com/fleethealth/health-runner/pkg/driver"
)

var manifestPath string
var perfManifestPath string
var checkName string

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "healthrunner",
		Short: "Orchestrates GPU fleet health checks and reports node verdicts",
	}
	root.PersistentFlags().StringVar(&checkName, "check", "nccl", "health check family (used for the aiinfra/<check>-healthcheck-* label keys)")
	root.PersistentFlags().StringVar(&manifestPath, "manifest", "", "path to the workload Job manifest template")
	root.PersistentFlags().StringVar(&perfManifestPath, "performance-manifest", "", "path to the performance-sweep Job manifest template (optional; sweep is skipped if unset)")

	root.AddCommand(runCmd(), configCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one health-check sweep against the current cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(cmd.Context())
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration and exit, without touching the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", *cfg)
			return nil
		},
	}
}

func runHealthCheck(parent context.Context) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest template: %w", err)
	}

	var perfManifest string
	if perfManifestPath != "" {
		perfManifest, err = loadManifest(perfManifestPath)
		if err != nil {
			return fmt.Errorf("load performance manifest template: %w", err)
		}
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return fmt.Errorf("load in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("create clientset: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gcs, err := storage.NewClient(ctx)
	if err != nil {
		slog.Warn("failed to create GCS client, results upload will be skipped", "err", err)
		gcs = nil
	}

	check := driver.Check{Name: checkName, ManifestTemplate: manifest, PerformanceManifestTemplate: perfManifest}
	d := driver.New(client, gcs, cfg, check, slog.Default())

	slog.Info("health runner starting", "check", checkName, "pairing_mode", cfg.PairingMode, "timeout", cfg.Timeout)
	report, err := d.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	total := 0
	if len(report.HealthResults) > 0 {
		total = len(report.HealthResults[0].Entries)
	}
	slog.Info("health runner finished", "nodes_reported", total)
	return nil
}

func loadManifest(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("--manifest is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
