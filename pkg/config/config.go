// Package config loads the Health Runner's configuration from environment
// variables (and, optionally, a YAML file) via viper -- the configuration
// layer this module's ambient stack adds on top of the teacher's own
// bare os.Getenv/strconv style, since the driver has far more knobs than a
// single pulse threshold.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fleethealth/health-runner/pkg/labels"
)

// Error is returned for a missing required key or an invalid value --
// always fatal, per the "misconfiguration aborts the run" policy.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}

// Config is the Health Runner's fully resolved, typed configuration.
type Config struct {
	SleepTime         time.Duration
	Timeout           time.Duration
	CheckInterval     time.Duration
	PairingMode       labels.PairingMode
	SecondPassEnabled bool
	FilterLabelName   string
	FilterLabelValue  string
	GCSBucketName     string
	WorkflowID        string
	Namespace         string
	// WorkloadOverrides are arbitrary HC_ENV_* values forwarded verbatim to
	// a launched workload's env mappings (spec.md §6).
	WorkloadOverrides map[string]string
}

const envPrefix = "HC_ENV_"

// Load reads configuration from the process environment (and, if present, a
// YAML config file on the search path) into a Config. A missing
// GCS_BUCKET_NAME or an unrecognized PAIRING_MODE is a fatal *Error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("health-runner")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/health-runner")
	v.AutomaticEnv()

	v.SetDefault("SLEEP_TIME_MINUTES", 0)
	v.SetDefault("TIMEOUT_MINUTES", 60)
	v.SetDefault("CHECK_INTERVAL_SECONDS", 30)
	v.SetDefault("PAIRING_MODE", "random")
	v.SetDefault("SECOND_PASS_ENABLED", true)
	v.SetDefault("NAMESPACE", "default")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	mode, err := labels.ParsePairingMode(v.GetString("PAIRING_MODE"))
	if err != nil {
		return nil, &Error{Key: "PAIRING_MODE", Reason: err.Error()}
	}

	bucket := v.GetString("GCS_BUCKET_NAME")
	if bucket == "" {
		return nil, &Error{Key: "GCS_BUCKET_NAME", Reason: "required, not set"}
	}

	return &Config{
		SleepTime:         time.Duration(v.GetInt("SLEEP_TIME_MINUTES")) * time.Minute,
		Timeout:           time.Duration(v.GetInt("TIMEOUT_MINUTES")) * time.Minute,
		CheckInterval:     time.Duration(v.GetInt("CHECK_INTERVAL_SECONDS")) * time.Second,
		PairingMode:       mode,
		SecondPassEnabled: v.GetBool("SECOND_PASS_ENABLED"),
		FilterLabelName:   v.GetString("FILTER_LABEL_NAME"),
		FilterLabelValue:  v.GetString("FILTER_LABEL_VALUE"),
		GCSBucketName:     bucket,
		WorkflowID:        v.GetString("WORKFLOW_ID"),
		Namespace:         v.GetString("NAMESPACE"),
		WorkloadOverrides: workloadOverrides(os.Environ()),
	}, nil
}

// workloadOverrides collects every HC_ENV_<NAME>=<value> environment
// variable into a map keyed by <NAME>, forwarded as-is to launched
// workloads. Grounded on
// original_source/src/health_runner/health_runner.py's handling of
// per-check env_mappings, generalized to a single process-wide prefix scan
// since this module has no protobuf config to carry per-check overrides.
// Scans os.Environ() directly rather than viper's key registry, since
// viper only tracks env vars it was told about in advance.
func workloadOverrides(environ []string) map[string]string {
	overrides := map[string]string{}
	for _, kv := range environ {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, envPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, envPrefix)
		if name == "" {
			continue
		}
		overrides[name] = val
	}
	return overrides
}
