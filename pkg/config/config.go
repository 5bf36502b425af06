// SPDX-License-Identifier: Apache-2.0

// Package config defines the control plane's ComponentConfig and loads
// it from a YAML file with environment-variable overrides: a cobra
// root command per binary, flags bound through pflag, and a typed
// config struct read from disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"sigs.k8s.io/yaml"

	"github.com/infralink/control-plane/internal/autoscaling/hpa"
	"github.com/infralink/control-plane/internal/metrics"
	"github.com/infralink/control-plane/internal/store"
	"github.com/infralink/control-plane/pkg/log"
)

// ComponentConfig is the control plane's process-wide configuration: one
// file drives every controller's tunables.
type ComponentConfig struct {
	LogFormat log.Format `json:"logFormat,omitempty"`
	LogLevel  log.Level  `json:"logLevel,omitempty"`

	Store       StoreConfig       `json:"store,omitempty"`
	Scheduler   SchedulerConfig   `json:"scheduler,omitempty"`
	HPA         HPAConfig         `json:"hpa,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Workers     WorkersConfig     `json:"workers,omitempty"`
	ShutdownGraceSeconds int      `json:"shutdownGraceSeconds,omitempty"`
	RequestTimeoutSeconds int     `json:"requestTimeoutSeconds,omitempty"`
}

// StoreConfig configures the Object Store.
type StoreConfig struct {
	WatchHistorySize int `json:"watchHistorySize,omitempty"`
}

// SchedulerConfig configures the Scheduler.
type SchedulerConfig struct {
	BindRetries int `json:"bindRetries,omitempty"`
}

// HPAConfig configures the HPA loop.
type HPAConfig struct {
	SyncIntervalSeconds int `json:"syncIntervalSeconds,omitempty"`
}

// MetricsConfig configures the Metrics Collector.
type MetricsConfig struct {
	CollectionIntervalSeconds int `json:"collectionIntervalSeconds,omitempty"`
	RetentionMinutes          int `json:"retentionMinutes,omitempty"`
}

// WorkersConfig sets per-controller worker-pool sizes.
type WorkersConfig struct {
	Scheduler int `json:"scheduler,omitempty"`
	HPA       int `json:"hpa,omitempty"`
	Volume    int `json:"volume,omitempty"`
	Registry  int `json:"registry,omitempty"`
	GC        int `json:"gc,omitempty"`
	Kubelet   int `json:"kubelet,omitempty"`
}

// Default returns a ComponentConfig with every tunable at its
// documented default.
func Default() ComponentConfig {
	return ComponentConfig{
		LogFormat:             log.FormatJSON,
		LogLevel:              log.LevelInfo,
		Store:                 StoreConfig{WatchHistorySize: store.DefaultWatchHistorySize},
		Scheduler:             SchedulerConfig{BindRetries: 3},
		HPA:                   HPAConfig{SyncIntervalSeconds: int(hpa.DefaultSyncInterval / time.Second)},
		Metrics:               MetricsConfig{CollectionIntervalSeconds: int(metrics.DefaultCollectionInterval / time.Second), RetentionMinutes: int(metrics.DefaultRetentionPeriod / time.Minute)},
		Workers:               WorkersConfig{Scheduler: 4, HPA: 2, Volume: 2, Registry: 2, GC: 1, Kubelet: 4},
		ShutdownGraceSeconds:  10,
		RequestTimeoutSeconds: 30,
	}
}

// envPrefix namespaces the environment-variable overrides applied to
// flags the user did not set explicitly.
const envPrefix = "CONTROLPLANE"

// Load reads path (if non-empty) as YAML into a ComponentConfig seeded
// with Default(), then lets any already-bound pflag.FlagSet override
// individual fields from CONTROLPLANE_* environment variables for flags
// the user did not pass explicitly.
func Load(path string, flags *pflag.FlagSet) (ComponentConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if flags != nil {
		if err := bindEnv(flags); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// bindEnv applies CONTROLPLANE_<FLAG_NAME> environment overrides onto
// flags the caller did not set explicitly.
func bindEnv(flags *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	var errs []string
	flags.VisitAll(func(f *pflag.Flag) {
		name := strings.ReplaceAll(f.Name, "-", "_")
		if !f.Changed && v.IsSet(name) {
			if err := flags.Set(f.Name, fmt.Sprintf("%v", v.Get(name))); err != nil {
				errs = append(errs, err.Error())
			}
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("binding environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}
