package engine

import (
	"fmt"
	"reflect"
	"time"

	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/logging"
	"github.com/convergo-io/convergo/internal/provider"
)

// Engine turns desired configuration plus recorded state into an ordered
// change-set, and executes change-sets against providers.
type Engine struct {
	registry    *provider.Registry
	Parallelism int          // bound on concurrent provider calls during apply
	Retry       *RetryPolicy // nil means DefaultRetryPolicy
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: DefaultParallelism,
	}
}

// CreatePlan diffs the desired configuration against recorded state and
// produces a change-set: creates and updates in dependency order followed
// by deletes of state-only resources in reverse dependency order.
func (e *Engine) CreatePlan(cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	resources := ExpandResources(cfg.Resources)
	logging.Debug("creating plan", "resources", len(resources), "state_resources", len(state.Resources))

	graph, err := BuildGraph(resources)
	if err != nil {
		return nil, err
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.Change{},
		Summary:  &ir.PlanSummary{},
		Outputs:  cfg.Outputs,
	}

	stateMap := make(map[string]*ir.ResourceState, len(state.Resources))
	for _, res := range state.Resources {
		stateMap[res.Addr()] = res
	}
	desiredMap := make(map[string]*ir.Resource, len(resources))
	for _, res := range resources {
		desiredMap[res.Addr()] = res
	}

	for _, addr := range graph.CreationOrder() {
		res := desiredMap[addr]
		desired := normalizeMap(res.Properties)
		prior := stateMap[addr]

		if prior == nil {
			plan.Changes = append(plan.Changes, &ir.Change{
				Address:      addr,
				Action:       ir.ActionCreate,
				Desired:      res,
				Diff:         buildCreateDiff(desired),
				Dependencies: graph.Dependencies(addr),
			})
			plan.Summary.Create++
			continue
		}

		diff := buildAttributeDiff(normalizeMap(prior.Inputs), desired)
		if res.Lifecycle != nil {
			diff = filterIgnoredChanges(diff, res.Lifecycle.IgnoreChanges)
		}
		if len(diff) == 0 {
			plan.Summary.NoOp++
			continue
		}

		plan.Changes = append(plan.Changes, &ir.Change{
			Address:      addr,
			Action:       ir.ActionUpdate,
			Desired:      res,
			Prior:        prior,
			Diff:         diff,
			Dependencies: graph.Dependencies(addr),
		})
		plan.Summary.Update++
	}

	// Resources present in state but no longer declared are deleted, in
	// reverse dependency order derived from the recorded dependency lists.
	var orphaned []*ir.ResourceState
	for _, res := range state.Resources {
		if _, ok := desiredMap[res.Addr()]; !ok {
			orphaned = append(orphaned, res)
		}
	}
	if len(orphaned) > 0 {
		deletes, err := e.deleteChanges(orphaned)
		if err != nil {
			return nil, err
		}
		plan.Changes = append(plan.Changes, deletes...)
		plan.Summary.Delete += len(deletes)
	}

	return plan, nil
}

// CreateDestroyPlan produces a change-set that removes every resource in
// state, honoring preventDestroy declarations still present in the config.
func (e *Engine) CreateDestroyPlan(cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	protected := make(map[string]bool)
	if cfg != nil {
		for _, res := range ExpandResources(cfg.Resources) {
			if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
				protected[res.Addr()] = true
			}
		}
	}
	for _, res := range state.Resources {
		if protected[res.Addr()] {
			return nil, fmt.Errorf("resource %s has preventDestroy set but destroy was requested", res.Addr())
		}
	}

	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.Change{},
		Summary:  &ir.PlanSummary{},
	}

	deletes, err := e.deleteChanges(state.Resources)
	if err != nil {
		return nil, err
	}
	plan.Changes = deletes
	plan.Summary.Delete = len(deletes)

	return plan, nil
}

// deleteChanges orders delete entries by the reverse of the recorded
// dependency graph. A delete entry's Dependencies are the addresses of the
// resources that depend on it: those must be gone first.
func (e *Engine) deleteChanges(resources []*ir.ResourceState) ([]*ir.Change, error) {
	graph, err := BuildGraphFromState(resources)
	if err != nil {
		return nil, err
	}

	stateMap := make(map[string]*ir.ResourceState, len(resources))
	for _, res := range resources {
		stateMap[res.Addr()] = res
	}

	var changes []*ir.Change
	for _, addr := range graph.DestructionOrder() {
		res, ok := stateMap[addr]
		if !ok {
			// Dangling dependency target kept only for ordering.
			continue
		}
		changes = append(changes, &ir.Change{
			Address:      addr,
			Action:       ir.ActionDelete,
			Prior:        res,
			Diff:         buildDeleteDiff(res.Inputs),
			Dependencies: graph.Dependents(addr),
		})
	}
	return changes, nil
}

// buildAttributeDiff compares prior and desired attribute maps key by key.
func buildAttributeDiff(prior, desired map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.AttributeDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.AttributeDiff{Before: priorVal, Action: "delete"}
		case !reflect.DeepEqual(priorVal, desiredVal):
			diff[k] = &ir.AttributeDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func filterIgnoredChanges(diff map[string]*ir.AttributeDiff, ignore []string) map[string]*ir.AttributeDiff {
	if len(ignore) == 0 {
		return diff
	}
	ignoreSet := make(map[string]bool, len(ignore))
	for _, attr := range ignore {
		ignoreSet[attr] = true
	}
	out := make(map[string]*ir.AttributeDiff)
	for k, d := range diff {
		if !ignoreSet[k] {
			out[k] = d
		}
	}
	return out
}

func buildCreateDiff(props map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.AttributeDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.AttributeDiff{Before: v, Action: "delete"}
	}
	return diff
}

// normalizeMap coerces evaluator output (which may contain map[any]any and
// mixed numeric widths) into plain map[string]any trees with float64 numbers,
// the same shape a JSON round-trip of the state document produces, so
// structural comparison behaves.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return out
	case map[string]any:
		return normalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeValue(v)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}
