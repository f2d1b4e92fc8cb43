package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/reconcile/internal/config"
	"github.com/terrpan/reconcile/internal/executor"
	"github.com/terrpan/reconcile/internal/graph"
	"github.com/terrpan/reconcile/internal/health"
	otelsetup "github.com/terrpan/reconcile/internal/otel"
	"github.com/terrpan/reconcile/internal/reconciler"
	"github.com/terrpan/reconcile/internal/state"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

// Exit codes: 0 on success (including empty plans), 1 when changes
// failed or were skipped, 2 on validation, cycle and lock errors.
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitError carries an explicit process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var eerr *exitError
	if errors.As(err, &eerr) {
		return eerr.code
	}

	var verr *graph.ValidationError
	var cerr *graph.CycleError
	var lerr *state.LockError
	if errors.As(err, &verr) || errors.As(err, &cerr) || errors.As(err, &lerr) {
		return 2
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Declarative resource reconciler -- plan and apply desired infrastructure state",
	Long: `reconcile reads a set of declared resources, compares them against the
recorded state of what was previously applied, and drives a pluggable
provider (memory, Docker, GCP) to converge reality on the declaration.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the changes an apply would make, without making them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runPlan(ctx)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the declared resources, creating, updating and deleting as needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runApply(ctx)
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Delete every resource recorded in state, in reverse dependency order",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runDestroy(ctx)
	},
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Declaration and state overrides
	f.StringVar(&flagOverrides.Declarations, "declarations", "", "Path to resource declarations file")
	f.StringVar(&flagOverrides.State.Backend, "state-backend", "", "State backend (file, memory)")
	f.StringVar(&flagOverrides.State.Path, "state-path", "", "State directory for the file backend")

	// Provider overrides
	f.StringVar(&flagOverrides.Provider.Type, "provider", "", "Provider (memory, docker, gcp)")
	f.StringVar(&flagOverrides.Provider.GCP.Project, "gcp-project", "", "GCP project ID")
	f.StringVar(&flagOverrides.Provider.GCP.Zone, "gcp-zone", "", "GCP zone")

	// Run overrides
	f.IntVar(&flagOverrides.Run.Parallelism, "parallelism", 0, "Maximum concurrent provider operations")
	f.IntVar(&flagOverrides.Run.MaxAttempts, "max-attempts", 0, "Provider calls per change including retries")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(planCmd, applyCmd, destroyCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Declarations != "" {
		cfg.Declarations = flagOverrides.Declarations
	}
	if flagOverrides.State.Backend != "" {
		cfg.State.Backend = flagOverrides.State.Backend
	}
	if flagOverrides.State.Path != "" {
		cfg.State.Path = flagOverrides.State.Path
	}
	if flagOverrides.Provider.Type != "" {
		cfg.Provider.Type = flagOverrides.Provider.Type
	}
	if flagOverrides.Provider.GCP.Project != "" {
		cfg.Provider.GCP.Project = flagOverrides.Provider.GCP.Project
	}
	if flagOverrides.Provider.GCP.Zone != "" {
		cfg.Provider.GCP.Zone = flagOverrides.Provider.GCP.Zone
	}
	if flagOverrides.Run.Parallelism != 0 {
		cfg.Run.Parallelism = flagOverrides.Run.Parallelism
	}
	if flagOverrides.Run.MaxAttempts != 0 {
		cfg.Run.MaxAttempts = flagOverrides.Run.MaxAttempts
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// app holds everything a command needs after setup.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	rec    *reconciler.Reconciler
	close  func()
}

func setup(ctx context.Context) (*app, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, &exitError{code: 2, err: fmt.Errorf("loading config: %w", err)}
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: 2, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("declarations", cfg.Declarations),
		slog.String("provider", cfg.Provider.Type),
		slog.String("stateBackend", cfg.State.Backend),
		slog.Int("parallelism", cfg.Run.Parallelism),
	)

	var cleanups []func()
	closeAll := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// ---------------------------------------------------------------
	// 3. Initialize OpenTelemetry
	// ---------------------------------------------------------------
	otelCfg := otelsetup.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	}
	if cfg.Metrics.Enabled {
		otelCfg.PrometheusPort = metricsPort(cfg.Metrics.Addr)
	}
	otelShutdown, err := otelsetup.SetupOTelSDK(ctx, "reconcile", otelCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	cleanups = append(cleanups, func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	})

	// ---------------------------------------------------------------
	// 4. Start metrics server
	// ---------------------------------------------------------------
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.Handler(cfg.Provider.Type, cfg.State.Backend))

		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// ---------------------------------------------------------------
	// 5. Create state store and provider registry
	// ---------------------------------------------------------------
	store, err := cfg.NewStore()
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	registry, closer, err := cfg.NewRegistry(ctx, logger)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("initializing provider: %w", err)
	}
	if closer != nil {
		cleanups = append(cleanups, func() {
			if err := closer(); err != nil {
				logger.Warn("closing provider", slog.String("error", err.Error()))
			}
		})
	}

	// ---------------------------------------------------------------
	// 6. Create reconciler
	// ---------------------------------------------------------------
	rec := reconciler.New(reconciler.Config{
		Registry:       registry,
		Store:          store,
		Parallelism:    cfg.Run.Parallelism,
		MaxAttempts:    cfg.Run.MaxAttempts,
		DefaultTimeout: cfg.Run.ChangeTimeout(),
		Logger:         logger,
	})

	return &app{cfg: cfg, logger: logger, rec: rec, close: closeAll}, nil
}

func runPlan(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	decls, err := config.LoadDeclarations(a.cfg.Declarations)
	if err != nil {
		return err
	}

	p, err := a.rec.Plan(ctx, decls)
	if err != nil {
		return err
	}

	p.Render(os.Stdout)
	return nil
}

func runApply(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	decls, err := config.LoadDeclarations(a.cfg.Declarations)
	if err != nil {
		return err
	}

	p, report, err := a.rec.Apply(ctx, decls)
	if err != nil {
		return err
	}

	p.Render(os.Stdout)
	return renderReport(report)
}

func runDestroy(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	p, report, err := a.rec.Destroy(ctx)
	if err != nil {
		return err
	}

	p.Render(os.Stdout)
	return renderReport(report)
}

func renderReport(report *executor.Report) error {
	report.Render(os.Stdout)
	if report.Failed() {
		return &exitError{code: 1, err: errors.New("run finished with failed or skipped changes")}
	}
	return nil
}

// metricsPort extracts the port from a listen address like ":9090".
func metricsPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 9090
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 9090
	}
	return port
}
