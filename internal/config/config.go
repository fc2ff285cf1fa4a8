// Package config loads daemon configuration: compiled defaults, then
// an optional YAML file, then SITEWATCH_ environment variables, each
// layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"sitewatch/internal/dedup"
	"sitewatch/internal/evidence"
	"sitewatch/internal/events"
	"sitewatch/internal/logging"
	"sitewatch/internal/notify"
	"sitewatch/internal/pipeline"
)

const envPrefix = "SITEWATCH_"

// Config is the full daemon configuration tree.
type Config struct {
	Log      logging.Config       `koanf:"log"`
	Database DatabaseConfig       `koanf:"database"`
	Server   events.ServerConfig  `koanf:"server"`
	Pipeline PipelineConfig       `koanf:"pipeline"`
	Source   SourceConfig         `koanf:"source"`
	Dedup    dedup.Config         `koanf:"dedup"`
	Severity dedup.SeverityPolicy `koanf:"severity"`
	Evidence evidence.Config      `koanf:"evidence"`
	Telegram notify.Config        `koanf:"telegram"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// PipelineConfig tunes the scheduler and camera workers.
type PipelineConfig struct {
	MaxConcurrentCameras int           `koanf:"max_concurrent_cameras"`
	RetryBudget          int           `koanf:"retry_budget"`
	ReconcileInterval    time.Duration `koanf:"reconcile_interval"`
	FrameInterval        time.Duration `koanf:"frame_interval"`
	InferenceTimeout     time.Duration `koanf:"inference_timeout"`
	DrainTimeout         time.Duration `koanf:"drain_timeout"`
	BackoffBase          time.Duration `koanf:"backoff_base"`
	BackoffCap           time.Duration `koanf:"backoff_cap"`
}

// SourceConfig tunes the HTTP frame source adapter.
type SourceConfig struct {
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	sched := pipeline.DefaultSchedulerConfig()
	return Config{
		Log:      logging.DefaultConfig(),
		Database: DatabaseConfig{Path: "data/sitewatch.db"},
		Server:   events.DefaultServerConfig(),
		Pipeline: PipelineConfig{
			MaxConcurrentCameras: sched.MaxConcurrentCameras,
			RetryBudget:          sched.RetryBudget,
			ReconcileInterval:    sched.ReconcileInterval,
			FrameInterval:        sched.Worker.FrameInterval,
			InferenceTimeout:     sched.Worker.InferenceTimeout,
			DrainTimeout:         sched.Worker.DrainTimeout,
			BackoffBase:          sched.Backoff.Base,
			BackoffCap:           sched.Backoff.Cap,
		},
		Source: SourceConfig{
			ReadTimeout:       10 * time.Second,
			ReconnectAttempts: 5,
		},
		Dedup:    dedup.DefaultConfig(),
		Severity: dedup.DefaultSeverityPolicy(),
		Evidence: evidence.DefaultConfig(),
		Telegram: notify.DefaultConfig(),
	}
}

// Load layers defaults, the YAML file at path (skipped when missing)
// and SITEWATCH_ environment variables. Env keys use double
// underscores as level separators: SITEWATCH_SERVER__ADDR=:9090.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Pipeline.MaxConcurrentCameras < 1 {
		return fmt.Errorf("pipeline.max_concurrent_cameras must be at least 1")
	}
	if c.Pipeline.RetryBudget < 0 {
		return fmt.Errorf("pipeline.retry_budget cannot be negative")
	}
	if c.Pipeline.FrameInterval <= 0 {
		return fmt.Errorf("pipeline.frame_interval must be positive")
	}
	if c.Pipeline.InferenceTimeout <= 0 {
		return fmt.Errorf("pipeline.inference_timeout must be positive")
	}
	if c.Pipeline.BackoffBase <= 0 || c.Pipeline.BackoffCap < c.Pipeline.BackoffBase {
		return fmt.Errorf("pipeline backoff bounds invalid: base %v, cap %v",
			c.Pipeline.BackoffBase, c.Pipeline.BackoffCap)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	return nil
}

// SchedulerConfig maps the flat tuning section onto the pipeline's
// nested config.
func (c Config) SchedulerConfig() pipeline.SchedulerConfig {
	return pipeline.SchedulerConfig{
		MaxConcurrentCameras: c.Pipeline.MaxConcurrentCameras,
		RetryBudget:          c.Pipeline.RetryBudget,
		ReconcileInterval:    c.Pipeline.ReconcileInterval,
		Backoff: pipeline.Backoff{
			Base: c.Pipeline.BackoffBase,
			Cap:  c.Pipeline.BackoffCap,
		},
		Worker: pipeline.WorkerConfig{
			FrameInterval:    c.Pipeline.FrameInterval,
			InferenceTimeout: c.Pipeline.InferenceTimeout,
			DrainTimeout:     c.Pipeline.DrainTimeout,
		},
	}
}
