package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/provider"
)

// fakeProvider is a scriptable in-memory provider. failures maps an address
// key ("type.name") to the number of times its create should fail before
// succeeding; permanent addresses always fail with a non-retryable error.
type fakeProvider struct {
	mu        sync.Mutex
	applied   []string
	deleted   []string
	failures  map[string]int
	permanent map[string]bool

	// When set, Create announces its key on createStarted and then blocks
	// until a tick arrives on createGate.
	createStarted chan string
	createGate    chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failures:  make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (p *fakeProvider) key(typ, name string) string {
	return fmt.Sprintf("%s.%s", typ, name)
}

func (p *fakeProvider) Read(ctx context.Context, req *provider.ReadRequest) (*provider.ReadResponse, error) {
	return nil, provider.ErrNotFound
}

func (p *fakeProvider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.CreateResponse, error) {
	if p.createStarted != nil {
		p.createStarted <- p.key(req.Type, req.Name)
	}
	if p.createGate != nil {
		<-p.createGate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.key(req.Type, req.Name)
	if p.permanent[key] {
		return nil, Permanent(errors.New("boom"))
	}
	if p.failures[key] > 0 {
		p.failures[key]--
		return nil, Transient(errors.New("throttled"))
	}

	p.applied = append(p.applied, key)
	attrs := make(map[string]any, len(req.Attributes)+1)
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	attrs["id"] = "fake-" + req.Name
	return &provider.CreateResponse{Attributes: attrs}, nil
}

func (p *fakeProvider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.applied = append(p.applied, p.key(req.Type, req.Name))
	attrs := make(map[string]any, len(req.Attributes)+1)
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	attrs["id"] = req.ID
	return &provider.UpdateResponse{Attributes: attrs}, nil
}

func (p *fakeProvider) Delete(ctx context.Context, req *provider.DeleteRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deleted = append(p.deleted, p.key(req.Type, req.Name))
	return nil
}

func (p *fakeProvider) appliedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.applied...)
}

func (p *fakeProvider) deletedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.deleted...)
}

func newFakeEngine(fake *fakeProvider) *Engine {
	reg := provider.NewRegistry()
	reg.Register("fake", func() provider.Interface { return fake })
	if err := reg.Load("fake"); err != nil {
		panic(err)
	}
	eng := NewEngine(reg)
	eng.Retry = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return eng
}

func createChange(name string, deps ...string) *ir.Change {
	return &ir.Change{
		Address: "fake:Thing." + name,
		Action:  ir.ActionCreate,
		Desired: &ir.Resource{
			Type:       "fake:Thing",
			Name:       name,
			Provider:   "fake",
			Properties: map[string]any{"name": name},
		},
		Dependencies: deps,
	}
}

func TestApply_Create(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("one")},
		Summary: &ir.PlanSummary{Create: 1},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	require.Len(t, state.Resources, 1)
	assert.Equal(t, "fake-one", state.Resources[0].Outputs["id"])
	assert.Equal(t, map[string]any{"name": "one"}, state.Resources[0].Inputs)

	entry := result.Entry("fake:Thing.one")
	require.NotNil(t, entry)
	assert.Equal(t, StatusApplied, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
}

func TestApply_DependencyOrdering(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{
			createChange("child", "fake:Thing.parent"),
			createChange("parent"),
		},
		Summary: &ir.PlanSummary{Create: 2},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	order := fake.appliedOrder()
	require.Len(t, order, 2)
	assert.Equal(t, "fake:Thing.parent", order[0])
	assert.Equal(t, "fake:Thing.child", order[1])
}

func TestApply_ConvergingBranches(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	// A certificate chain and an independent load balancer converge on one
	// DNS record that needs both.
	plan := &ir.Plan{
		Changes: []*ir.Change{
			createChange("dns", "fake:Thing.validation", "fake:Thing.lb"),
			createChange("lb"),
			createChange("validation", "fake:Thing.record"),
			createChange("record", "fake:Thing.cert"),
			createChange("cert"),
		},
		Summary: &ir.PlanSummary{Create: 5},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	order := fake.appliedOrder()
	require.Len(t, order, 5)
	pos := make(map[string]int, len(order))
	for i, addr := range order {
		pos[addr] = i
	}
	assert.Less(t, pos["fake:Thing.cert"], pos["fake:Thing.record"])
	assert.Less(t, pos["fake:Thing.record"], pos["fake:Thing.validation"])
	assert.Less(t, pos["fake:Thing.validation"], pos["fake:Thing.dns"])
	assert.Less(t, pos["fake:Thing.lb"], pos["fake:Thing.dns"])
}

func TestApply_ResolvesReferences(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	child := createChange("child", "fake:Thing.parent")
	child.Desired.Properties = map[string]any{
		"parentId": "ref://fake:Thing/parent/id",
	}

	plan := &ir.Plan{
		Changes: []*ir.Change{child, createChange("parent")},
		Summary: &ir.PlanSummary{Create: 2},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	rec := state.Resource("fake:Thing.child")
	require.NotNil(t, rec)
	// Outputs carry the resolved value; inputs keep the raw reference so
	// later plans diff against the declaration, not a point-in-time value.
	assert.Equal(t, "fake-parent", rec.Outputs["parentId"])
	assert.Equal(t, "ref://fake:Thing/parent/id", rec.Inputs["parentId"])
}

func TestApply_TransientErrorRetried(t *testing.T) {
	fake := newFakeProvider()
	fake.failures["fake:Thing.flaky"] = 2
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("flaky")},
		Summary: &ir.PlanSummary{Create: 1},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	entry := result.Entry("fake:Thing.flaky")
	require.NotNil(t, entry)
	assert.Equal(t, StatusApplied, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
}

func TestApply_PermanentErrorNotRetried(t *testing.T) {
	fake := newFakeProvider()
	fake.permanent["fake:Thing.broken"] = true
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("broken")},
		Summary: &ir.PlanSummary{Create: 1},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)

	entry := result.Entry("fake:Thing.broken")
	require.NotNil(t, entry)
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Error(t, result.Err())
}

func TestApply_FailurePropagatesAsSkip(t *testing.T) {
	fake := newFakeProvider()
	fake.permanent["fake:Thing.parent"] = true
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{
			createChange("parent"),
			createChange("child", "fake:Thing.parent"),
			createChange("grandchild", "fake:Thing.child"),
			createChange("unrelated"),
		},
		Summary: &ir.PlanSummary{Create: 4},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, result.Entry("fake:Thing.parent").Status)
	assert.Equal(t, StatusSkipped, result.Entry("fake:Thing.child").Status)
	assert.Equal(t, StatusSkipped, result.Entry("fake:Thing.grandchild").Status)
	assert.Equal(t, StatusApplied, result.Entry("fake:Thing.unrelated").Status)

	err = result.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 of 4 change(s) not applied")

	// The failed branch never reached the provider, the healthy one did.
	assert.Equal(t, []string{"fake:Thing.unrelated"}, fake.appliedOrder())
	require.Len(t, state.Resources, 1)
}

func TestApply_DeleteRemovesFromState(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{
			{
				Address: "fake:Thing.app",
				Action:  ir.ActionDelete,
				Prior: &ir.ResourceState{
					Type:     "fake:Thing",
					Name:     "app",
					Provider: "fake",
					Outputs:  map[string]any{"id": "fake-app"},
				},
			},
		},
		Summary: &ir.PlanSummary{Delete: 1},
	}
	state := &ir.State{
		Version: ir.StateVersion,
		Resources: []*ir.ResourceState{
			{Type: "fake:Thing", Name: "app", Provider: "fake"},
		},
	}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Empty(t, state.Resources)
	assert.Equal(t, []string{"fake:Thing.app"}, fake.deletedOrder())
}

func TestApply_DestroyOrdering(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	// base's delete depends on app's delete: dependents drain first.
	plan := &ir.Plan{
		Changes: []*ir.Change{
			{
				Address: "fake:Thing.app",
				Action:  ir.ActionDelete,
				Prior:   &ir.ResourceState{Type: "fake:Thing", Name: "app", Provider: "fake"},
			},
			{
				Address:      "fake:Thing.base",
				Action:       ir.ActionDelete,
				Prior:        &ir.ResourceState{Type: "fake:Thing", Name: "base", Provider: "fake"},
				Dependencies: []string{"fake:Thing.app"},
			},
		},
		Summary: &ir.PlanSummary{Delete: 2},
	}
	state := &ir.State{
		Version: ir.StateVersion,
		Resources: []*ir.ResourceState{
			{Type: "fake:Thing", Name: "app", Provider: "fake"},
			{Type: "fake:Thing", Name: "base", Provider: "fake"},
		},
	}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, []string{"fake:Thing.app", "fake:Thing.base"}, fake.deletedOrder())
}

func TestApply_CommitAfterEveryEntry(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	var commits int
	commit := func(ctx context.Context, st *ir.State) error {
		commits++
		return nil
	}

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("one"), createChange("two", "fake:Thing.one")},
		Summary: &ir.PlanSummary{Create: 2},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{Commit: commit})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	// One commit per entry plus the final walk-level commit.
	assert.Equal(t, 3, commits)
}

func TestApply_PartialFailureKeepsSuccesses(t *testing.T) {
	fake := newFakeProvider()
	fake.permanent["fake:Thing.bad"] = true
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("good"), createChange("bad")},
		Summary: &ir.PlanSummary{Create: 2},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.Error(t, result.Err())

	require.NotNil(t, state.Resource("fake:Thing.good"))
	assert.Nil(t, state.Resource("fake:Thing.bad"))
}

func TestApply_CancelledRunLeavesUnstartedPending(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("never")},
		Summary: &ir.PlanSummary{Create: 1},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(ctx, plan, state, ApplyOptions{})
	require.NoError(t, err)

	entry := result.Entry("fake:Thing.never")
	require.NotNil(t, entry)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Empty(t, fake.appliedOrder())
	assert.Error(t, result.Err())
}

func TestApply_CancelMidRunStopsQueuedEntries(t *testing.T) {
	fake := newFakeProvider()
	fake.createStarted = make(chan string, 8)
	fake.createGate = make(chan struct{})
	eng := newFakeEngine(fake)
	eng.Parallelism = 1

	plan := &ir.Plan{
		Changes: []*ir.Change{
			createChange("a"), createChange("b"), createChange("c"),
			createChange("d"), createChange("e"),
		},
		Summary: &ir.PlanSummary{Create: 5},
	}
	state := &ir.State{Version: ir.StateVersion}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type applyReturn struct {
		result *ApplyResult
		err    error
	}
	done := make(chan applyReturn, 1)
	go func() {
		result, err := eng.Apply(ctx, plan, state, ApplyOptions{})
		done <- applyReturn{result, err}
	}()

	// One entry holds the single worker slot mid-call; the rest are queued.
	first := <-fake.createStarted
	cancel()
	fake.createGate <- struct{}{}

	ret := <-done
	require.NoError(t, ret.err)

	// Only the in-flight entry finished; its result was still committed.
	applied := 0
	for _, entry := range ret.result.Entries {
		switch entry.Status {
		case StatusApplied:
			applied++
			assert.Equal(t, first, entry.Address)
		default:
			assert.Equal(t, StatusPending, entry.Status)
		}
	}
	assert.Equal(t, 1, applied)
	require.Len(t, state.Resources, 1)
	assert.Equal(t, first, state.Resources[0].Addr())
}

func TestApply_ParallelIndependentEntries(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)
	eng.Parallelism = 4

	var changes []*ir.Change
	for i := 0; i < 8; i++ {
		changes = append(changes, createChange(fmt.Sprintf("r%d", i)))
	}
	plan := &ir.Plan{Changes: changes, Summary: &ir.PlanSummary{Create: 8}}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Len(t, state.Resources, 8)
}

func TestApply_OutputsResolved(t *testing.T) {
	fake := newFakeProvider()
	eng := newFakeEngine(fake)

	plan := &ir.Plan{
		Changes: []*ir.Change{createChange("one")},
		Summary: &ir.PlanSummary{Create: 1},
		Outputs: map[string]any{
			"thing_id": "ref://fake:Thing/one/id",
			"constant": "hello",
		},
	}
	state := &ir.State{Version: ir.StateVersion}

	result, err := eng.Apply(context.Background(), plan, state, ApplyOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, "fake-one", state.Outputs["thing_id"])
	assert.Equal(t, "hello", state.Outputs["constant"])
}
