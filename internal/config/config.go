// Package config handles loading, validating, and applying
// configuration for the reconciler.  Configuration is read from a YAML
// file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/reconcile/internal/provider"
	"github.com/terrpan/reconcile/internal/provider/docker"
	"github.com/terrpan/reconcile/internal/provider/gcp"
	"github.com/terrpan/reconcile/internal/provider/memory"
	"github.com/terrpan/reconcile/internal/state"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	// Declarations is the path to the resource declarations file.
	Declarations string `yaml:"declarations"`

	State    StateConfig    `yaml:"state"`
	Provider ProviderConfig `yaml:"provider"`
	Run      RunConfig      `yaml:"run"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// State store
// ---------------------------------------------------------------------------

// StateConfig selects and configures the state backend.
type StateConfig struct {
	// Backend: "file" (default) or "memory".  The memory backend keeps
	// no state between runs and exists for experimentation and tests.
	Backend string `yaml:"backend"`

	// Path is the state directory for the file backend.
	// Default: ".reconcile/state".
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects and configures the resource backend.
type ProviderConfig struct {
	// Type selects the backend: "memory" (default), "docker", "gcp".
	Type string `yaml:"type"`

	// Memory holds memory-backend settings.  Only read when Type == "memory".
	Memory MemoryProviderConfig `yaml:"memory"`

	// GCP holds Compute Engine settings.  Only read when Type == "gcp".
	GCP GCPProviderConfig `yaml:"gcp"`
}

// MemoryProviderConfig holds memory-backend settings.
type MemoryProviderConfig struct {
	// Types lists the resource types the memory backend serves.
	// Default: ["mem_object"].
	Types []string `yaml:"types"`

	// Immutable maps a resource type to the attribute keys that force a
	// replacement when changed.
	Immutable map[string][]string `yaml:"immutable"`

	// CreateBeforeDestroy lists resource types replaced
	// create-then-delete instead of the default delete-then-create.
	CreateBeforeDestroy []string `yaml:"create_before_destroy"`
}

// GCPProviderConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPProviderConfig struct {
	// Project is the GCP project ID (required when provider.type == "gcp").
	Project string `yaml:"project"`

	// Zone is the GCP zone for instances (required).
	Zone string `yaml:"zone"`
}

// ---------------------------------------------------------------------------
// Run tuning
// ---------------------------------------------------------------------------

// RunConfig tunes plan execution.
type RunConfig struct {
	// Parallelism bounds concurrent provider operations.  Default: 10.
	Parallelism int `yaml:"parallelism"`

	// MaxAttempts bounds provider calls per operation including
	// retries.  Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// DefaultTimeout is the per-change deadline used when the provider
	// does not declare one, as a Go duration string.  Default: "30m".
	DefaultTimeout string `yaml:"default_timeout"`
}

// ChangeTimeout returns the parsed per-change timeout.  Validate
// guarantees the field parses.
func (r RunConfig) ChangeTimeout() time.Duration {
	d, err := time.ParseDuration(r.DefaultTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	// Default: "" (uses OTEL env vars).
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Metrics server
// ---------------------------------------------------------------------------

// MetricsConfig controls the Prometheus /metrics + /healthz listener
// that runs for the duration of apply and destroy.
type MetricsConfig struct {
	// Enabled starts the listener.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address.  Default: ":9090".
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Declarations == "" {
		c.Declarations = "resources.yaml"
	}
	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Path == "" {
		c.State.Path = ".reconcile/state"
	}
	if c.Provider.Type == "" {
		c.Provider.Type = "memory"
	}
	if len(c.Provider.Memory.Types) == 0 {
		c.Provider.Memory.Types = []string{"mem_object"}
	}
	if c.Run.Parallelism == 0 {
		c.Run.Parallelism = 10
	}
	if c.Run.MaxAttempts == 0 {
		c.Run.MaxAttempts = 5
	}
	if c.Run.DefaultTimeout == "" {
		c.Run.DefaultTimeout = "30m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.State.Backend {
	case "file", "memory":
		// OK
	default:
		return fmt.Errorf("state.backend %q is not supported (supported: file, memory)", c.State.Backend)
	}

	switch c.Provider.Type {
	case "memory", "docker":
		// OK
	case "gcp":
		if c.Provider.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if c.Provider.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("provider.type %q is not supported (supported: memory, docker, gcp)", c.Provider.Type)
	}

	if c.Run.Parallelism < 1 {
		return fmt.Errorf("run.parallelism must be at least 1, got %d", c.Run.Parallelism)
	}
	if c.Run.MaxAttempts < 1 {
		return fmt.Errorf("run.max_attempts must be at least 1, got %d", c.Run.MaxAttempts)
	}
	if _, err := time.ParseDuration(c.Run.DefaultTimeout); err != nil {
		return fmt.Errorf("run.default_timeout: invalid duration %q: %w", c.Run.DefaultTimeout, err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStore creates the state backend selected by state.backend.
func (c *Config) NewStore() (state.Store, error) {
	switch c.State.Backend {
	case "file":
		return state.NewFileStore(c.State.Path)
	case "memory":
		return state.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}
}

// NewRegistry creates the provider registry for the backend selected by
// provider.type.  The returned closer releases backend clients and may
// be nil.
func (c *Config) NewRegistry(ctx context.Context, logger *slog.Logger) (*provider.Registry, func() error, error) {
	registry := provider.NewRegistry()

	switch c.Provider.Type {
	case "memory":
		p := memory.New(memory.Config{
			Immutable:           c.Provider.Memory.Immutable,
			CreateBeforeDestroy: c.Provider.Memory.CreateBeforeDestroy,
		}, logger)
		for _, rt := range c.Provider.Memory.Types {
			registry.Register(rt, p)
		}
		return registry, nil, nil

	case "docker":
		p, err := docker.New(ctx, logger)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(docker.TypeContainer, p)
		registry.Register(docker.TypeVolume, p)
		return registry, nil, nil

	case "gcp":
		p, err := gcp.New(ctx, gcp.Config{
			Project: c.Provider.GCP.Project,
			Zone:    c.Provider.GCP.Zone,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		registry.Register(gcp.TypeInstance, p)
		return registry, p.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported provider type: %s", c.Provider.Type)
	}
}
