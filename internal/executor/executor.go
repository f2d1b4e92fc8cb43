// Package executor walks an execution plan and applies each change
// through the provider registry, honoring the plan's dependency order
// with a bounded worker pool.  State is committed per change, never
// batched, so a mid-run failure keeps every already-applied resource
// correctly recorded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/reconcile/internal/diff"
	"github.com/terrpan/reconcile/internal/graph"
	"github.com/terrpan/reconcile/internal/plan"
	"github.com/terrpan/reconcile/internal/provider"
	"github.com/terrpan/reconcile/internal/state"
)

// Outcome is the terminal state of one change.
type Outcome int

const (
	// OutcomeNoOp means nothing needed to change.
	OutcomeNoOp Outcome = iota
	// OutcomeApplied means the change committed successfully.
	OutcomeApplied
	// OutcomeFailed means the change failed permanently (after
	// exhausting retries, or on a non-retryable error).
	OutcomeFailed
	// OutcomeSkipped means the change was never attempted because a
	// dependency failed or the run was cancelled.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "no-op"
	case OutcomeApplied:
		return "applied"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TimeoutError marks a change that exceeded its per-change deadline.
// A timed-out change is a permanent failure, never retried.
type TimeoutError struct {
	Identity graph.Identity
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("change %s timed out after %s", e.Identity, e.After)
}

// Result is the terminal record of one change.
type Result struct {
	Action  diff.Action
	Outcome Outcome

	// Err is set for failed changes.
	Err error

	// BlockedBy names the direct dependencies whose failure caused a
	// skip.
	BlockedBy []graph.Identity

	// Attempts counts provider calls including retries.
	Attempts int

	DispatchedAt time.Time
	CompletedAt  time.Time
}

// Report is the terminal outcome of one run: every resource's result,
// plus run metadata.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Results  map[graph.Identity]Result
}

// Failed reports whether any change failed or was skipped.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed || res.Outcome == OutcomeSkipped {
			return true
		}
	}
	return false
}

// Render writes a per-resource outcome listing to w.
func (r *Report) Render(w io.Writer) {
	ids := make([]graph.Identity, 0, len(r.Results))
	for id := range r.Results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var applied, failed, skipped, noop int
	for _, id := range ids {
		res := r.Results[id]
		switch res.Outcome {
		case OutcomeApplied:
			applied++
			fmt.Fprintf(w, "%s: %s (%s)\n", id, res.Outcome, res.Action)
		case OutcomeFailed:
			failed++
			fmt.Fprintf(w, "%s: %s (%s): %v\n", id, res.Outcome, res.Action, res.Err)
		case OutcomeSkipped:
			skipped++
			if len(res.BlockedBy) > 0 {
				fmt.Fprintf(w, "%s: %s (blocked by %s)\n", id, res.Outcome, addrList(res.BlockedBy))
			} else {
				fmt.Fprintf(w, "%s: %s\n", id, res.Outcome)
			}
		case OutcomeNoOp:
			noop++
			fmt.Fprintf(w, "%s: %s\n", id, res.Outcome)
		}
	}
	fmt.Fprintf(w, "\nApply: %d applied, %d failed, %d skipped, %d unchanged.\n", applied, failed, skipped, noop)
}

func addrList(ids []graph.Identity) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += ", "
		}
		s += id.String()
	}
	return s
}

// Config holds the executor's collaborators and tuning knobs.
type Config struct {
	Registry *provider.Registry
	Store    state.Store

	// MaxParallelism bounds concurrent provider operations.
	// Default: 10.
	MaxParallelism int

	// MaxAttempts bounds provider calls per operation, counting the
	// first try.  Default: 5.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the retry backoff.
	// Defaults: 1s base, 30s cap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DefaultTimeout is the per-change deadline used when the provider
	// does not declare one.  Default: 30m.
	DefaultTimeout time.Duration

	Logger *slog.Logger
}

// Executor applies plans.
type Executor struct {
	registry       *provider.Registry
	store          state.Store
	maxParallelism int
	maxAttempts    int
	backoffBase    time.Duration
	backoffCap     time.Duration
	defaultTimeout time.Duration
	logger         *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	changesApplied metric.Int64Counter
	changesFailed  metric.Int64Counter
	changesSkipped metric.Int64Counter
	retries        metric.Int64Counter
	changeDuration metric.Float64Histogram
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}

	e := &Executor{
		registry:       cfg.Registry,
		store:          cfg.Store,
		maxParallelism: cfg.MaxParallelism,
		maxAttempts:    cfg.MaxAttempts,
		backoffBase:    cfg.BackoffBase,
		backoffCap:     cfg.BackoffCap,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
		tracer:         otel.Tracer("reconcile/executor"),
		meter:          otel.Meter("reconcile/executor"),
	}

	// Initialize metrics (errors are logged but not fatal).
	var err error
	e.changesApplied, err = e.meter.Int64Counter(
		"reconcile.changes.applied",
		metric.WithDescription("Total number of changes applied"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create changesApplied counter", slog.String("error", err.Error()))
	}

	e.changesFailed, err = e.meter.Int64Counter(
		"reconcile.changes.failed",
		metric.WithDescription("Total number of changes that failed permanently"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create changesFailed counter", slog.String("error", err.Error()))
	}

	e.changesSkipped, err = e.meter.Int64Counter(
		"reconcile.changes.skipped",
		metric.WithDescription("Total number of changes skipped because a dependency failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create changesSkipped counter", slog.String("error", err.Error()))
	}

	e.retries, err = e.meter.Int64Counter(
		"reconcile.provider.retries",
		metric.WithDescription("Total number of retried provider calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create retries counter", slog.String("error", err.Error()))
	}

	e.changeDuration, err = e.meter.Float64Histogram(
		"reconcile.change.duration",
		metric.WithDescription("Time to apply a single change (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 30, 60, 300, 1800),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create changeDuration histogram", slog.String("error", err.Error()))
	}

	return e
}

// node tracks one scheduled change during execution.  done is closed
// after the result is recorded, which is the happens-before edge
// dependents wait on.
type node struct {
	planned *plan.Node
	done    chan struct{}
}

// Execute walks the plan.  It always returns a complete report: one
// result per change, even when the run is cancelled mid-flight.  The
// error return is reserved for infrastructure faults (state commits
// failing), not for individual change failures -- inspect the report
// for those.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*Report, error) {
	report := &Report{
		RunID:   uuid.NewString(),
		Started: time.Now().UTC(),
		Results: make(map[graph.Identity]Result, len(p.Nodes)),
	}

	ctx, span := e.tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("plan.changes", len(p.Nodes)),
	)

	e.logger.Info("starting run",
		slog.String("runID", report.RunID),
		slog.Int("changes", len(p.Nodes)),
		slog.Int("parallelism", e.maxParallelism),
	)

	nodes := make(map[graph.Identity]*node, len(p.Nodes))
	for _, pn := range p.Nodes {
		nodes[pn.Change.Identity] = &node{planned: pn, done: make(chan struct{})}
	}

	outputs := newLiveOutputs(p)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.maxParallelism)
	)

	record := func(id graph.Identity, res Result) {
		mu.Lock()
		report.Results[id] = res
		mu.Unlock()
	}

	for _, pn := range p.Nodes {
		n := nodes[pn.Change.Identity]
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			defer close(n.done)

			res := e.runChange(ctx, n, nodes, outputs, report, &mu, sem)
			record(n.planned.Change.Identity, res)
		}(n)
	}
	wg.Wait()

	report.Finished = time.Now().UTC()
	e.logger.Info("run finished",
		slog.String("runID", report.RunID),
		slog.Bool("failed", report.Failed()),
		slog.Duration("duration", report.Finished.Sub(report.Started)),
	)
	return report, nil
}

// runChange waits for the change's dependencies, then dispatches it.
func (e *Executor) runChange(ctx context.Context, n *node, nodes map[graph.Identity]*node, outputs *liveOutputs, report *Report, mu *sync.Mutex, sem chan struct{}) Result {
	change := n.planned.Change
	res := Result{Action: change.Action}

	// Wait for every dependency to reach a terminal outcome.
	var blockedBy []graph.Identity
	for _, depID := range n.planned.DependsOn {
		dep, ok := nodes[depID]
		if !ok {
			continue
		}
		<-dep.done

		mu.Lock()
		depRes := report.Results[depID]
		mu.Unlock()
		if depRes.Outcome == OutcomeFailed || depRes.Outcome == OutcomeSkipped {
			blockedBy = append(blockedBy, depID)
		}
	}
	if len(blockedBy) > 0 {
		sort.Slice(blockedBy, func(i, j int) bool { return blockedBy[i].String() < blockedBy[j].String() })
		res.Outcome = OutcomeSkipped
		res.BlockedBy = blockedBy
		res.CompletedAt = time.Now().UTC()
		if e.changesSkipped != nil {
			e.changesSkipped.Add(ctx, 1)
		}
		e.logger.Warn("change skipped",
			slog.String("resource", change.Identity.String()),
			slog.String("blockedBy", addrList(blockedBy)),
		)
		return res
	}

	if change.Action == diff.ActionNoOp {
		res.Outcome = OutcomeNoOp
		res.CompletedAt = time.Now().UTC()
		return res
	}

	// Cancellation gate: a signalled run dispatches nothing new, but
	// in-flight changes (already past this point) run to completion.
	if ctx.Err() != nil {
		res.Outcome = OutcomeSkipped
		res.Err = ctx.Err()
		res.CompletedAt = time.Now().UTC()
		if e.changesSkipped != nil {
			e.changesSkipped.Add(ctx, 1)
		}
		return res
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	if ctx.Err() != nil {
		res.Outcome = OutcomeSkipped
		res.Err = ctx.Err()
		res.CompletedAt = time.Now().UTC()
		if e.changesSkipped != nil {
			e.changesSkipped.Add(ctx, 1)
		}
		return res
	}

	return e.dispatch(ctx, change, outputs)
}

// dispatch applies one change through the provider, with the
// per-change timeout and retry policy, and commits the state record.
func (e *Executor) dispatch(ctx context.Context, change diff.Change, outputs *liveOutputs) Result {
	res := Result{Action: change.Action, DispatchedAt: time.Now().UTC()}

	ctx, span := e.tracer.Start(ctx, "executor.dispatch",
		trace.WithAttributes(
			attribute.String("resource", change.Identity.String()),
			attribute.String("action", change.Action.String()),
		))
	defer span.End()

	// In-flight changes complete even when the run is cancelled:
	// aborting mid-provider-call would leave the remote resource in an
	// unknown state.  The per-change timeout is the only deadline.
	timeout := e.registry.TimeoutFor(change.Identity.Type, e.defaultTimeout)
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	e.logger.Info("applying change",
		slog.String("resource", change.Identity.String()),
		slog.String("action", change.Action.String()),
	)

	attempts, err := e.applyChange(opCtx, change, outputs)
	res.Attempts = attempts
	res.CompletedAt = time.Now().UTC()

	duration := res.CompletedAt.Sub(res.DispatchedAt).Seconds()
	if e.changeDuration != nil {
		e.changeDuration.Record(ctx, duration, metric.WithAttributes(attribute.String("action", change.Action.String())))
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Identity: change.Identity, After: timeout}
		}
		res.Outcome = OutcomeFailed
		res.Err = err
		if e.changesFailed != nil {
			e.changesFailed.Add(ctx, 1)
		}
		span.RecordError(err)
		e.logger.Error("change failed",
			slog.String("resource", change.Identity.String()),
			slog.String("action", change.Action.String()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return res
	}

	res.Outcome = OutcomeApplied
	if e.changesApplied != nil {
		e.changesApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("action", change.Action.String())))
	}
	e.logger.Info("change applied",
		slog.String("resource", change.Identity.String()),
		slog.String("action", change.Action.String()),
	)
	return res
}

// applyChange performs the provider calls for one change and commits
// the resulting state.  Returns the number of provider calls made.
func (e *Executor) applyChange(ctx context.Context, change diff.Change, outputs *liveOutputs) (int, error) {
	p, err := e.registry.For(change.Identity.Type)
	if err != nil {
		return 0, err
	}

	switch change.Action {
	case diff.ActionCreate:
		return e.applyCreate(ctx, p, change, outputs)
	case diff.ActionUpdate:
		return e.applyUpdate(ctx, p, change, outputs)
	case diff.ActionReplace:
		return e.applyReplace(ctx, p, change, outputs)
	case diff.ActionDelete:
		return e.applyDelete(ctx, p, change, outputs)
	default:
		return 0, fmt.Errorf("unexpected action %s for %s", change.Action, change.Identity)
	}
}

func (e *Executor) applyCreate(ctx context.Context, p provider.Provider, change diff.Change, outputs *liveOutputs) (int, error) {
	attrs, err := e.resolve(change, outputs)
	if err != nil {
		return 0, err
	}

	var providerID string
	var observed map[string]any
	attempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
		var callErr error
		providerID, observed, callErr = p.Create(ctx, change.Identity.Type, attrs)
		return callErr
	})
	if err != nil {
		return attempts, fmt.Errorf("creating %s: %w", change.Identity, err)
	}

	return attempts, e.commit(ctx, change, providerID, attrs, observed, outputs)
}

func (e *Executor) applyUpdate(ctx context.Context, p provider.Provider, change diff.Change, outputs *liveOutputs) (int, error) {
	attrs, err := e.resolve(change, outputs)
	if err != nil {
		return 0, err
	}

	var observed map[string]any
	attempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
		var callErr error
		observed, callErr = p.Update(ctx, change.Identity.Type, change.Old.ProviderID, change.Old.Attributes, attrs)
		return callErr
	})
	if err != nil {
		return attempts, fmt.Errorf("updating %s: %w", change.Identity, err)
	}

	return attempts, e.commit(ctx, change, change.Old.ProviderID, attrs, observed, outputs)
}

// applyReplace executes both halves of a replacement as one unit.
// Default order is delete-then-create; providers opt into
// create-before-destroy for zero-downtime semantics.
func (e *Executor) applyReplace(ctx context.Context, p provider.Provider, change diff.Change, outputs *liveOutputs) (int, error) {
	attrs, err := e.resolve(change, outputs)
	if err != nil {
		return 0, err
	}

	if change.CreateBeforeDestroy {
		var providerID string
		var observed map[string]any
		attempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
			var callErr error
			providerID, observed, callErr = p.Create(ctx, change.Identity.Type, attrs)
			return callErr
		})
		if err != nil {
			return attempts, fmt.Errorf("replacing %s (create phase): %w", change.Identity, err)
		}
		if err := e.commit(ctx, change, providerID, attrs, observed, outputs); err != nil {
			return attempts, err
		}

		deleteAttempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
			return p.Delete(ctx, change.Identity.Type, change.Old.ProviderID)
		})
		attempts += deleteAttempts
		if err != nil {
			return attempts, fmt.Errorf("replacing %s (delete phase): %w", change.Identity, err)
		}
		return attempts, nil
	}

	attempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
		return p.Delete(ctx, change.Identity.Type, change.Old.ProviderID)
	})
	if err != nil {
		return attempts, fmt.Errorf("replacing %s (delete phase): %w", change.Identity, err)
	}
	// The old resource is gone; drop its record before the create so a
	// crash between the halves never claims the old resource exists.
	if err := e.store.Delete(ctx, change.Identity); err != nil {
		return attempts, fmt.Errorf("replacing %s: %w", change.Identity, err)
	}
	outputs.remove(change.Identity)

	var providerID string
	var observed map[string]any
	createAttempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
		var callErr error
		providerID, observed, callErr = p.Create(ctx, change.Identity.Type, attrs)
		return callErr
	})
	attempts += createAttempts
	if err != nil {
		return attempts, fmt.Errorf("replacing %s (create phase): %w", change.Identity, err)
	}

	return attempts, e.commit(ctx, change, providerID, attrs, observed, outputs)
}

func (e *Executor) applyDelete(ctx context.Context, p provider.Provider, change diff.Change, outputs *liveOutputs) (int, error) {
	attempts, err := e.withRetry(ctx, change.Identity, func(ctx context.Context) error {
		return p.Delete(ctx, change.Identity.Type, change.Old.ProviderID)
	})
	if err != nil {
		return attempts, fmt.Errorf("deleting %s: %w", change.Identity, err)
	}

	if err := e.store.Delete(ctx, change.Identity); err != nil {
		return attempts, fmt.Errorf("deleting %s from state: %w", change.Identity, err)
	}
	outputs.remove(change.Identity)
	return attempts, nil
}

// resolve re-resolves the change's attributes against live outputs.
// By the time a change dispatches, every dependency has committed, so
// an unresolved reference here is a dependency-ordering bug.
func (e *Executor) resolve(change diff.Change, outputs *liveOutputs) (map[string]any, error) {
	attrs, complete := graph.ResolveAttributes(change.Desired.Attributes, outputs)
	if !complete {
		return nil, fmt.Errorf("applying %s: reference did not resolve after dependencies applied", change.Identity)
	}
	return diff.NormalizeAttrs(attrs), nil
}

// commit writes the post-apply state record and publishes the observed
// outputs for dependent changes.
func (e *Executor) commit(ctx context.Context, change diff.Change, providerID string, attrs, observed map[string]any, outputs *liveOutputs) error {
	rec := state.Record{
		Identity:     change.Identity,
		ProviderID:   providerID,
		Attributes:   attrs,
		Outputs:      diff.NormalizeAttrs(observed),
		Dependencies: change.Dependencies,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := e.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("committing state for %s: %w", change.Identity, err)
	}
	outputs.set(change.Identity, rec.Outputs)
	return nil
}

// withRetry runs op, retrying provider errors marked retryable with
// bounded exponential backoff.  Returns the number of attempts made.
func (e *Executor) withRetry(ctx context.Context, id graph.Identity, op func(context.Context) error) (int, error) {
	backoff := gax.Backoff{
		Initial:    e.backoffBase,
		Max:        e.backoffCap,
		Multiplier: 2,
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return attempt, nil
		}
		if !provider.Retryable(err) || attempt >= e.maxAttempts {
			return attempt, err
		}

		pause := backoff.Pause()
		if e.retries != nil {
			e.retries.Add(ctx, 1)
		}
		e.logger.Warn("retrying provider call",
			slog.String("resource", id.String()),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", pause),
			slog.String("error", err.Error()),
		)
		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			return attempt, sleepErr
		}
	}
}

// liveOutputs is the reference-resolution source during a run: the
// committed outputs from previous runs, overlaid by the outputs of
// changes applied in this run.
type liveOutputs struct {
	mu      sync.Mutex
	outputs map[graph.Identity]map[string]any
}

var _ graph.OutputSource = (*liveOutputs)(nil)

func newLiveOutputs(p *plan.Plan) *liveOutputs {
	l := &liveOutputs{outputs: make(map[graph.Identity]map[string]any, len(p.Nodes))}
	for _, n := range p.Nodes {
		if n.Change.Old != nil {
			l.outputs[n.Change.Identity] = n.Change.Old.Outputs
		}
	}
	return l
}

// Output implements graph.OutputSource.
func (l *liveOutputs) Output(id graph.Identity, path []string) (any, bool) {
	l.mu.Lock()
	out, ok := l.outputs[id]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}
	return graph.LookupPath(any(out), path)
}

func (l *liveOutputs) set(id graph.Identity, out map[string]any) {
	l.mu.Lock()
	l.outputs[id] = out
	l.mu.Unlock()
}

func (l *liveOutputs) remove(id graph.Identity) {
	l.mu.Lock()
	delete(l.outputs, id)
	l.mu.Unlock()
}
