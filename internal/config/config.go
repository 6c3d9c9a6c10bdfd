// Package config loads the engine's configuration: defaults applied
// first, a YAML file layered on top, then environment variable
// overrides, mirroring the teacher's three-stage config pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ssw-telemetry/cleanengine/pkg/cleanup"
	"github.com/ssw-telemetry/cleanengine/pkg/errors"
	"github.com/ssw-telemetry/cleanengine/pkg/jobctx"
	"github.com/ssw-telemetry/cleanengine/pkg/tracing"
)

// AppConfig holds process identity and logging settings.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ServerConfig configures the optional admin HTTP surface.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// LockConfig configures output lock-file behavior.
type LockConfig struct {
	StaleAge time.Duration `yaml:"stale_age"`
}

// EngineConfig is the root configuration for a cleanengine run.
type EngineConfig struct {
	App     AppConfig      `yaml:"app"`
	Server  ServerConfig   `yaml:"server"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Tracing tracing.Config `yaml:"tracing"`
	Limits  jobctx.Limits  `yaml:"limits"`
	Disk    cleanup.Config `yaml:"disk"`
	Lock    LockConfig     `yaml:"lock"`
}

// DefaultConfig returns the engine's documented defaults.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		App: AppConfig{
			Name:        "cleanengine",
			Environment: "production",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8089,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "cleanengine",
		},
		Tracing: tracing.DefaultConfig(),
		Limits:  jobctx.DefaultLimits(),
		Disk:    cleanup.DefaultConfig(),
		Lock: LockConfig{
			StaleAge: time.Hour,
		},
	}
}

// Load builds an EngineConfig: defaults, then configFile (if non-empty),
// then environment overrides (prefix CLEANENGINE_), then validation.
func Load(configFile string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, errors.NewCritical(errors.CodeConfigInvalid, "config", "load",
				fmt.Sprintf("failed to read config file %s", configFile)).Wrap(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewCritical(errors.CodeConfigInvalid, "config", "load",
				fmt.Sprintf("failed to parse config file %s", configFile)).Wrap(err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *EngineConfig) {
	cfg.App.Name = getEnvString("CLEANENGINE_APP_NAME", cfg.App.Name)
	cfg.App.Environment = getEnvString("CLEANENGINE_ENVIRONMENT", cfg.App.Environment)
	cfg.App.LogLevel = getEnvString("CLEANENGINE_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("CLEANENGINE_LOG_FORMAT", cfg.App.LogFormat)

	cfg.Server.Enabled = getEnvBool("CLEANENGINE_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("CLEANENGINE_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("CLEANENGINE_SERVER_PORT", cfg.Server.Port)

	cfg.Metrics.Enabled = getEnvBool("CLEANENGINE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnvString("CLEANENGINE_METRICS_PATH", cfg.Metrics.Path)
	cfg.Metrics.Namespace = getEnvString("CLEANENGINE_METRICS_NAMESPACE", cfg.Metrics.Namespace)

	cfg.Tracing.Enabled = getEnvBool("CLEANENGINE_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("CLEANENGINE_TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.ServiceName = getEnvString("CLEANENGINE_TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.SampleRate = getEnvFloat("CLEANENGINE_TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Limits.ChunkSize = getEnvInt("CLEANENGINE_CHUNK_SIZE", cfg.Limits.ChunkSize)
	cfg.Limits.MinChunkSize = getEnvInt("CLEANENGINE_MIN_CHUNK_SIZE", cfg.Limits.MinChunkSize)
	cfg.Limits.MaxChunkSize = getEnvInt("CLEANENGINE_MAX_CHUNK_SIZE", cfg.Limits.MaxChunkSize)
	cfg.Limits.MaxMemKeys = getEnvInt("CLEANENGINE_MAX_MEM_KEYS", cfg.Limits.MaxMemKeys)
	cfg.Limits.HighWatermark = getEnvFloat("CLEANENGINE_HIGH_WATERMARK", cfg.Limits.HighWatermark)
	cfg.Limits.LowWatermark = getEnvFloat("CLEANENGINE_LOW_WATERMARK", cfg.Limits.LowWatermark)
	cfg.Limits.HardCap = getEnvFloat("CLEANENGINE_HARD_CAP", cfg.Limits.HardCap)
	cfg.Limits.DeadlineSeconds = getEnvInt("CLEANENGINE_DEADLINE_SECONDS", cfg.Limits.DeadlineSeconds)

	cfg.Disk.MinFreeBytes = getEnvUint64("CLEANENGINE_MIN_FREE_BYTES", cfg.Disk.MinFreeBytes)
	cfg.Disk.MinFreePercent = getEnvFloat("CLEANENGINE_MIN_FREE_PERCENT", cfg.Disk.MinFreePercent)

	cfg.Lock.StaleAge = getEnvDuration("CLEANENGINE_LOCK_STALE_AGE", cfg.Lock.StaleAge)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate checks the config for internally-inconsistent values before a
// job is accepted.
func Validate(cfg *EngineConfig) error {
	var problems []string

	if cfg.Limits.ChunkSize <= 0 {
		problems = append(problems, "limits.chunk_size must be positive")
	}
	if cfg.Limits.MinChunkSize <= 0 || cfg.Limits.MaxChunkSize < cfg.Limits.MinChunkSize {
		problems = append(problems, "limits.min_chunk_size/max_chunk_size are inconsistent")
	}
	if cfg.Limits.ChunkSize < cfg.Limits.MinChunkSize || cfg.Limits.ChunkSize > cfg.Limits.MaxChunkSize {
		problems = append(problems, "limits.chunk_size must be within [min_chunk_size, max_chunk_size]")
	}
	if cfg.Limits.HighWatermark <= cfg.Limits.LowWatermark {
		problems = append(problems, "limits.high_watermark must exceed limits.low_watermark")
	}
	if cfg.Limits.HardCap <= cfg.Limits.HighWatermark {
		problems = append(problems, "limits.hard_cap must exceed limits.high_watermark")
	}
	if cfg.Limits.HardCap <= 0 || cfg.Limits.HardCap > 1 {
		problems = append(problems, "limits.hard_cap must be in (0, 1]")
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		problems = append(problems, "server.port must be a valid TCP port")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint is required when tracing.enabled is true")
	}

	if len(problems) > 0 {
		return errors.NewCritical(errors.CodeConfigValidation, "config", "validate",
			fmt.Sprintf("%d configuration problem(s): %v", len(problems), problems))
	}
	return nil
}
