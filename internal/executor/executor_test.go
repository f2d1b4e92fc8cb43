package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/reconcile/internal/diff"
	"github.com/terrpan/reconcile/internal/graph"
	"github.com/terrpan/reconcile/internal/plan"
	"github.com/terrpan/reconcile/internal/provider"
	"github.com/terrpan/reconcile/internal/state"
)

// ---------------------------------------------------------------------------
// Mock provider
// ---------------------------------------------------------------------------

// mockProvider identifies resources by their "name" attribute and
// records every call.  Failures are queued per call key ("create/a",
// "delete/prov-a") and popped in order, so a test can script
// fail-fail-succeed sequences.
type mockProvider struct {
	mu       sync.Mutex
	calls    []string
	failures map[string][]error
	hang     map[string]chan struct{}
	timeout  time.Duration
}

var (
	_ provider.Provider        = (*mockProvider)(nil)
	_ provider.TimeoutProvider = (*mockProvider)(nil)
)

func newMockProvider() *mockProvider {
	return &mockProvider{
		failures: make(map[string][]error),
		hang:     make(map[string]chan struct{}),
	}
}

func (m *mockProvider) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockProvider) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockProvider) failNext(key string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = append(m.failures[key], errs...)
}

func (m *mockProvider) hangOn(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.hang[key] = ch
	return ch
}

func (m *mockProvider) popFailure(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.failures[key]
	if len(q) == 0 {
		return nil
	}
	m.failures[key] = q[1:]
	return q[0]
}

func (m *mockProvider) wait(ctx context.Context, key string) error {
	m.mu.Lock()
	ch := m.hang[key]
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockProvider) Create(ctx context.Context, _ string, attrs map[string]any) (string, map[string]any, error) {
	name, _ := attrs["name"].(string)
	m.record("create " + name)
	if err := m.wait(ctx, "create/"+name); err != nil {
		return "", nil, err
	}
	if err := m.popFailure("create/" + name); err != nil {
		return "", nil, err
	}
	outputs := map[string]any{"id": "prov-" + name}
	for k, v := range attrs {
		outputs[k] = v
	}
	return "prov-" + name, outputs, nil
}

func (m *mockProvider) Read(context.Context, string, string) (map[string]any, error) {
	panic("executor must not call Read")
}

func (m *mockProvider) Update(ctx context.Context, _ string, providerID string, _, new map[string]any) (map[string]any, error) {
	name, _ := new["name"].(string)
	m.record("update " + name)
	if err := m.popFailure("update/" + name); err != nil {
		return nil, err
	}
	outputs := map[string]any{"id": providerID}
	for k, v := range new {
		outputs[k] = v
	}
	return outputs, nil
}

func (m *mockProvider) Delete(ctx context.Context, _ string, providerID string) error {
	m.record("delete " + providerID)
	if err := m.wait(ctx, "delete/"+providerID); err != nil {
		return err
	}
	return m.popFailure("delete/" + providerID)
}

func (m *mockProvider) DiffStrategy(string, map[string]any, map[string]any) (provider.Decision, error) {
	panic("executor must not call DiffStrategy")
}

func (m *mockProvider) Timeout(string) time.Duration {
	return m.timeout
}

// ---------------------------------------------------------------------------
// Change helpers
// ---------------------------------------------------------------------------

func id(name string) graph.Identity {
	return graph.Identity{Type: "mem_object", Name: name}
}

func mustRef(addr string) graph.Value {
	r, ok, err := graph.ParseReference("${" + addr + "}")
	if err != nil || !ok {
		panic("bad test reference: " + addr)
	}
	return r
}

func desired(name string, attrs map[string]graph.Value) *graph.Resource {
	all := map[string]graph.Value{"name": graph.Literal{V: name}}
	for k, v := range attrs {
		all[k] = v
	}
	return &graph.Resource{Identity: id(name), Attributes: all}
}

func createChange(name string, attrs map[string]graph.Value, deps ...graph.Identity) diff.Change {
	return diff.Change{
		Identity:     id(name),
		Action:       diff.ActionCreate,
		Desired:      desired(name, attrs),
		Dependencies: deps,
	}
}

func noopChange(name string) diff.Change {
	return diff.Change{
		Identity: id(name),
		Action:   diff.ActionNoOp,
		Desired:  desired(name, nil),
		Old:      &state.Record{Identity: id(name), ProviderID: "prov-" + name},
	}
}

func mustPlan(t *testing.T, changes ...diff.Change) *plan.Plan {
	t.Helper()
	p, err := plan.Build(changes)
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ExecutorSuite struct {
	suite.Suite
	ctx      context.Context
	mock     *mockProvider
	registry *provider.Registry
	store    *state.MemStore
	exec     *Executor
}

func (s *ExecutorSuite) SetupTest() {
	s.ctx = context.Background()
	s.mock = newMockProvider()
	s.registry = provider.NewRegistry()
	s.registry.Register("mem_object", s.mock)
	s.store = state.NewMemStore()
	s.exec = s.newExecutor(Config{})
}

func (s *ExecutorSuite) newExecutor(cfg Config) *Executor {
	cfg.Registry = s.registry
	cfg.Store = s.store
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Millisecond
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg)
}

func TestExecutorSuite(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

// ---------------------------------------------------------------------------
// Dependency ordering and reference flow
// ---------------------------------------------------------------------------

func (s *ExecutorSuite) TestIndependentCreatesThenDependent() {
	p := mustPlan(s.T(),
		createChange("l", nil),
		createChange("r", nil),
		createChange("p", map[string]graph.Value{
			"l_id": mustRef("mem_object.l.id"),
			"r_id": mustRef("mem_object.r.id"),
		}, id("l"), id("r")),
	)

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	require.False(s.T(), report.Failed())

	for _, name := range []string{"l", "r", "p"} {
		assert.Equal(s.T(), OutcomeApplied, report.Results[id(name)].Outcome, name)
	}

	// p may only dispatch after both parents committed.
	pRes := report.Results[id("p")]
	assert.False(s.T(), pRes.DispatchedAt.Before(report.Results[id("l")].CompletedAt))
	assert.False(s.T(), pRes.DispatchedAt.Before(report.Results[id("r")].CompletedAt))

	// The reference resolved from the parent's live outputs.
	snapshot, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), snapshot, 3)
	assert.Equal(s.T(), "prov-l", snapshot[id("p")].Attributes["l_id"])
	assert.Equal(s.T(), "prov-r", snapshot[id("p")].Attributes["r_id"])
}

func (s *ExecutorSuite) TestAllNoOpRunTouchesNothing() {
	p := mustPlan(s.T(), noopChange("a"), noopChange("b"))

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	assert.False(s.T(), report.Failed())
	assert.Equal(s.T(), OutcomeNoOp, report.Results[id("a")].Outcome)
	assert.Equal(s.T(), OutcomeNoOp, report.Results[id("b")].Outcome)
	assert.Empty(s.T(), s.mock.recorded())
}

func (s *ExecutorSuite) TestUnresolvedReferenceFailsChange() {
	// A reference whose target is not in the plan cannot resolve; the
	// change must fail rather than apply a nil value.
	p := mustPlan(s.T(), createChange("p", map[string]graph.Value{
		"ghost_id": mustRef("mem_object.ghost.id"),
	}))

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	res := report.Results[id("p")]
	assert.Equal(s.T(), OutcomeFailed, res.Outcome)
	assert.ErrorContains(s.T(), res.Err, "reference did not resolve")
	assert.Empty(s.T(), s.mock.recorded())
}

// ---------------------------------------------------------------------------
// Failure propagation
// ---------------------------------------------------------------------------

func (s *ExecutorSuite) TestPermanentFailureSkipsDependents() {
	s.mock.failNext("create/a", &provider.Error{Op: "create", Err: errors.New("quota exceeded")})

	p := mustPlan(s.T(),
		createChange("a", nil),
		createChange("b", nil, id("a")),
		createChange("c", nil, id("b")),
		createChange("d", nil),
	)

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	assert.True(s.T(), report.Failed())

	a := report.Results[id("a")]
	assert.Equal(s.T(), OutcomeFailed, a.Outcome)
	assert.Equal(s.T(), 1, a.Attempts)

	b := report.Results[id("b")]
	assert.Equal(s.T(), OutcomeSkipped, b.Outcome)
	assert.Equal(s.T(), []graph.Identity{id("a")}, b.BlockedBy)

	c := report.Results[id("c")]
	assert.Equal(s.T(), OutcomeSkipped, c.Outcome)
	assert.Equal(s.T(), []graph.Identity{id("b")}, c.BlockedBy)

	// The independent branch still applies.
	assert.Equal(s.T(), OutcomeApplied, report.Results[id("d")].Outcome)
	assert.Equal(s.T(), []graph.Identity{id("d")}, s.store.Identities())
}

func (s *ExecutorSuite) TestRetryableErrorIsRetried() {
	transient := &provider.Error{Op: "create", Retryable: true, Err: errors.New("rate limited")}
	s.mock.failNext("create/a", transient, transient)

	p := mustPlan(s.T(), createChange("a", nil))

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)

	a := report.Results[id("a")]
	assert.Equal(s.T(), OutcomeApplied, a.Outcome)
	assert.Equal(s.T(), 3, a.Attempts)
	assert.Equal(s.T(), []graph.Identity{id("a")}, s.store.Identities())
}

func (s *ExecutorSuite) TestRetriesExhausted() {
	transient := &provider.Error{Op: "create", Retryable: true, Err: errors.New("rate limited")}
	s.mock.failNext("create/a", transient, transient, transient)

	exec := s.newExecutor(Config{MaxAttempts: 2})
	p := mustPlan(s.T(), createChange("a", nil))

	report, err := exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)

	a := report.Results[id("a")]
	assert.Equal(s.T(), OutcomeFailed, a.Outcome)
	assert.Equal(s.T(), 2, a.Attempts)
	assert.True(s.T(), provider.Retryable(a.Err))
	assert.Empty(s.T(), s.store.Identities())
}

func (s *ExecutorSuite) TestTimeoutIsPermanentFailure() {
	s.mock.timeout = 20 * time.Millisecond
	s.mock.hangOn("create/a") // never closed: only the deadline ends the call

	p := mustPlan(s.T(), createChange("a", nil))

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)

	a := report.Results[id("a")]
	assert.Equal(s.T(), OutcomeFailed, a.Outcome)
	var terr *TimeoutError
	require.ErrorAs(s.T(), a.Err, &terr)
	assert.Equal(s.T(), id("a"), terr.Identity)
	assert.Empty(s.T(), s.store.Identities())
}

// ---------------------------------------------------------------------------
// Replacement and deletion
// ---------------------------------------------------------------------------

func (s *ExecutorSuite) TestReplaceDeletesThenCreates() {
	old := state.Record{Identity: id("a"), ProviderID: "prov-old"}
	require.NoError(s.T(), s.store.Commit(s.ctx, old))

	p := mustPlan(s.T(), diff.Change{
		Identity: id("a"),
		Action:   diff.ActionReplace,
		Old:      &old,
		Desired:  desired("a", nil),
	})

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), OutcomeApplied, report.Results[id("a")].Outcome)
	assert.Equal(s.T(), []string{"delete prov-old", "create a"}, s.mock.recorded())

	snapshot, err := s.store.Load(s.ctx)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "prov-a", snapshot[id("a")].ProviderID)
}

func (s *ExecutorSuite) TestReplaceCreateBeforeDestroy() {
	old := state.Record{Identity: id("a"), ProviderID: "prov-old"}
	require.NoError(s.T(), s.store.Commit(s.ctx, old))

	p := mustPlan(s.T(), diff.Change{
		Identity:            id("a"),
		Action:              diff.ActionReplace,
		Old:                 &old,
		Desired:             desired("a", nil),
		CreateBeforeDestroy: true,
	})

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), OutcomeApplied, report.Results[id("a")].Outcome)
	assert.Equal(s.T(), []string{"create a", "delete prov-old"}, s.mock.recorded())
}

func (s *ExecutorSuite) TestDeleteRemovesStateRecord() {
	old := state.Record{Identity: id("a"), ProviderID: "prov-a"}
	require.NoError(s.T(), s.store.Commit(s.ctx, old))

	p := mustPlan(s.T(), diff.Change{
		Identity: id("a"),
		Action:   diff.ActionDelete,
		Old:      &old,
	})

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), OutcomeApplied, report.Results[id("a")].Outcome)
	assert.Equal(s.T(), []string{"delete prov-a"}, s.mock.recorded())
	assert.Empty(s.T(), s.store.Identities())
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func (s *ExecutorSuite) TestCancellationStopsNewDispatch() {
	gate := s.mock.hangOn("create/a")

	exec := s.newExecutor(Config{})
	p := mustPlan(s.T(),
		createChange("a", nil),
		createChange("b", nil, id("a")),
	)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan *Report, 1)
	go func() {
		report, err := exec.Execute(ctx, p)
		require.NoError(s.T(), err)
		done <- report
	}()

	// Wait until a is in flight, then cancel the run and let a finish.
	require.Eventually(s.T(), func() bool {
		return len(s.mock.recorded()) == 1
	}, time.Second, time.Millisecond)
	cancel()
	close(gate)

	report := <-done
	assert.Equal(s.T(), OutcomeApplied, report.Results[id("a")].Outcome)
	assert.Equal(s.T(), OutcomeSkipped, report.Results[id("b")].Outcome)
	assert.Equal(s.T(), []graph.Identity{id("a")}, s.store.Identities())
}

// ---------------------------------------------------------------------------
// Report
// ---------------------------------------------------------------------------

func (s *ExecutorSuite) TestReportRender() {
	s.mock.failNext("create/a", &provider.Error{Op: "create", Err: errors.New("boom")})

	p := mustPlan(s.T(),
		createChange("a", nil),
		createChange("b", nil, id("a")),
		createChange("c", nil),
	)

	report, err := s.exec.Execute(s.ctx, p)
	require.NoError(s.T(), err)

	var sb strings.Builder
	report.Render(&sb)
	out := sb.String()
	assert.Contains(s.T(), out, "mem_object.a: failed")
	assert.Contains(s.T(), out, "mem_object.b: skipped (blocked by mem_object.a)")
	assert.Contains(s.T(), out, "mem_object.c: applied (create)")
	assert.Contains(s.T(), out, "1 applied, 1 failed, 1 skipped")
}
