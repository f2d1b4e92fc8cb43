// Package reconciler wires the reconciliation pipeline: lock the state
// store, snapshot it, diff the desired graph against it, order the
// changes into a plan, and hand the plan to the executor.  It is the
// backend-agnostic layer the CLI commands call into; everything
// provider- or store-specific arrives injected.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/reconcile/internal/diff"
	"github.com/terrpan/reconcile/internal/executor"
	"github.com/terrpan/reconcile/internal/graph"
	"github.com/terrpan/reconcile/internal/plan"
	"github.com/terrpan/reconcile/internal/provider"
	"github.com/terrpan/reconcile/internal/state"
)

// Config holds the reconciler's collaborators and tuning knobs.
type Config struct {
	Registry *provider.Registry
	Store    state.Store

	// Parallelism bounds concurrent provider operations.
	Parallelism int

	// MaxAttempts bounds provider calls per operation including retries.
	MaxAttempts int

	// DefaultTimeout is the per-change deadline for providers that do
	// not declare one.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// Reconciler runs plan/apply/destroy pipelines.
type Reconciler struct {
	registry *provider.Registry
	store    state.Store
	differ   *diff.Differ
	exec     *executor.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reconciler{
		registry: cfg.Registry,
		store:    cfg.Store,
		differ:   diff.New(cfg.Registry, cfg.Logger.WithGroup("diff")),
		exec: executor.New(executor.Config{
			Registry:       cfg.Registry,
			Store:          cfg.Store,
			MaxParallelism: cfg.Parallelism,
			MaxAttempts:    cfg.MaxAttempts,
			DefaultTimeout: cfg.DefaultTimeout,
			Logger:         cfg.Logger.WithGroup("executor"),
		}),
		logger: cfg.Logger,
		tracer: otel.Tracer("reconcile/reconciler"),
	}
}

// Plan computes the execution plan for decls without applying anything.
// The store lock is held only while the snapshot is read.
func (r *Reconciler) Plan(ctx context.Context, decls []graph.Declaration) (*plan.Plan, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Plan")
	defer span.End()

	g, err := graph.Build(decls)
	if err != nil {
		return nil, err
	}

	unlock, err := r.store.Lock(ctx, lockOwner())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			r.logger.Warn("releasing state lock", slog.String("error", err.Error()))
		}
	}()

	return r.planLocked(ctx, g)
}

// Apply computes and executes the plan for decls.  The store lock is
// held for the whole run.
func (r *Reconciler) Apply(ctx context.Context, decls []graph.Declaration) (*plan.Plan, *executor.Report, error) {
	g, err := graph.Build(decls)
	if err != nil {
		return nil, nil, err
	}
	return r.run(ctx, "reconciler.Apply", g)
}

// Destroy plans against an empty desired graph, deleting every resource
// recorded in state in reverse dependency order.
func (r *Reconciler) Destroy(ctx context.Context) (*plan.Plan, *executor.Report, error) {
	return r.run(ctx, "reconciler.Destroy", graph.Empty())
}

func (r *Reconciler) run(ctx context.Context, spanName string, g *graph.Graph) (*plan.Plan, *executor.Report, error) {
	ctx, span := r.tracer.Start(ctx, spanName)
	defer span.End()

	unlock, err := r.store.Lock(ctx, lockOwner())
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			r.logger.Warn("releasing state lock", slog.String("error", err.Error()))
		}
	}()

	p, err := r.planLocked(ctx, g)
	if err != nil {
		return nil, nil, err
	}

	span.SetAttributes(attribute.Int("plan.changes", len(p.Nodes)))

	report, err := r.exec.Execute(ctx, p)
	if err != nil {
		return p, nil, err
	}
	return p, report, nil
}

// planLocked runs the snapshot-diff-order pipeline.  Caller holds the
// store lock.
func (r *Reconciler) planLocked(ctx context.Context, g *graph.Graph) (*plan.Plan, error) {
	snapshot, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	changes, err := r.differ.Diff(ctx, g, snapshot)
	if err != nil {
		return nil, err
	}

	p, err := plan.Build(changes)
	if err != nil {
		return nil, err
	}

	s := p.Summary()
	r.logger.Info("plan computed",
		slog.Int("create", s.Create),
		slog.Int("update", s.Update),
		slog.Int("replace", s.Replace),
		slog.Int("delete", s.Delete),
		slog.Int("noop", s.NoOp),
	)
	return p, nil
}

// lockOwner identifies this run in lock-contention errors.
func lockOwner() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname + "/" + uuid.NewString()[:8]
}
