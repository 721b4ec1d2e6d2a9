package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convergo-io/convergo/internal/ir"
	"github.com/convergo-io/convergo/internal/logging"
	"github.com/convergo-io/convergo/internal/provider"
)

// EntryStatus is the lifecycle status of one change-set entry during apply.
type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusInProgress EntryStatus = "in_progress"
	StatusApplied    EntryStatus = "applied"
	StatusFailed     EntryStatus = "failed"
	StatusSkipped    EntryStatus = "skipped"
)

// EntryResult records the outcome of one change-set entry.
type EntryResult struct {
	Address  string
	Action   ir.Action
	Status   EntryStatus
	Attempts int
	Duration time.Duration
	Err      error
}

// ApplyResult is the full per-entry report of an apply walk.
type ApplyResult struct {
	Entries []*EntryResult // plan order
}

// Entry returns the result for addr, or nil.
func (r *ApplyResult) Entry(addr string) *EntryResult {
	for _, e := range r.Entries {
		if e.Address == addr {
			return e
		}
	}
	return nil
}

// Err aggregates every entry that did not reach Applied into a single
// partial-failure error, or returns nil when the walk fully succeeded.
func (r *ApplyResult) Err() error {
	var errs []error
	for _, e := range r.Entries {
		if e.Status == StatusApplied {
			continue
		}
		cause := e.Err
		if cause == nil {
			cause = fmt.Errorf("not applied")
		}
		errs = append(errs, fmt.Errorf("%s (%s): %w", e.Address, e.Status, cause))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d change(s) not applied: %w", len(errs), len(r.Entries), errors.Join(errs...))
}

// ApplyEvent is a progress notification emitted while walking a change-set.
type ApplyEvent struct {
	Address  string
	Action   ir.Action
	Status   EntryStatus
	Attempts int
	Duration time.Duration
	Err      error
}

type ApplyCallback func(event ApplyEvent)

// CommitFunc persists the state document. It is invoked after every entry
// that mutates state, so a crash mid-run leaves the persisted state
// consistent with whatever was actually applied remotely.
type CommitFunc func(ctx context.Context, state *ir.State) error

// ApplyOptions tunes one apply walk.
type ApplyOptions struct {
	Callback ApplyCallback
	Commit   CommitFunc
}

// Apply walks the change-set, running independent entries concurrently. An
// entry starts only after every entry it depends on has reached a terminal
// status; if a dependency did not reach Applied the entry is Skipped. On
// cancellation, not-yet-started entries stay Pending while in-flight
// provider calls are allowed to finish and their results are committed.
//
// Apply mutates state in place as entries complete. The returned result
// reports every entry; the error return covers only walk-level failures,
// so callers must also check ApplyResult.Err.
func (e *Engine) Apply(ctx context.Context, plan *ir.Plan, state *ir.State, opts ApplyOptions) (*ApplyResult, error) {
	policy := e.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	result := &ApplyResult{}
	results := make(map[string]*EntryResult, len(plan.Changes))
	changeMap := make(map[string]*ir.Change, len(plan.Changes))
	for _, c := range plan.Changes {
		er := &EntryResult{Address: c.Address, Action: c.Action, Status: StatusPending}
		results[c.Address] = er
		result.Entries = append(result.Entries, er)
		changeMap[c.Address] = c
	}

	// Dependencies on resources outside the change-set are already
	// satisfied; only edges between entries gate execution.
	deps := make(map[string][]string, len(plan.Changes))
	for _, c := range plan.Changes {
		for _, dep := range c.Dependencies {
			if _, ok := changeMap[dep]; ok {
				deps[c.Address] = append(deps[c.Address], dep)
			}
		}
	}

	var (
		mu       sync.Mutex
		cond     = sync.NewCond(&mu)
		stateMu  sync.Mutex
		resolved = newResolvedTable()
		sem      = make(chan struct{}, parallelism)
		wg       sync.WaitGroup
	)

	emit := func(ev ApplyEvent) {
		if opts.Callback != nil {
			opts.Callback(ev)
		}
	}

	// Wake gated entries when the run is cancelled so they can bail out.
	wakeDone := make(chan struct{})
	defer close(wakeDone)
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			cond.Broadcast()
			mu.Unlock()
		case <-wakeDone:
		}
	}()

	lookup := func(addr, attr string) (any, bool) {
		if v, ok := resolved.lookup(addr, attr); ok {
			return v, true
		}
		stateMu.Lock()
		defer stateMu.Unlock()
		if rec := state.Resource(addr); rec != nil {
			if attr == "" {
				return rec.Outputs, true
			}
			if v, ok := rec.Outputs[attr]; ok {
				return v, true
			}
			if v, ok := rec.Inputs[attr]; ok {
				return v, true
			}
		}
		return nil, false
	}

	for _, change := range plan.Changes {
		wg.Add(1)
		go func(c *ir.Change) {
			defer wg.Done()
			er := results[c.Address]

			mu.Lock()
			for {
				if ctx.Err() != nil {
					// Never started; leave it Pending.
					mu.Unlock()
					return
				}
				ready := true
				var blocked string
				for _, dep := range deps[c.Address] {
					switch results[dep].Status {
					case StatusApplied:
					case StatusFailed, StatusSkipped:
						blocked = dep
					default:
						ready = false
					}
					if blocked != "" {
						break
					}
				}
				if blocked != "" {
					er.Status = StatusSkipped
					er.Err = fmt.Errorf("dependency %s was not applied", blocked)
					mu.Unlock()
					cond.Broadcast()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusSkipped, Err: er.Err})
					return
				}
				if ready {
					break
				}
				cond.Wait()
			}
			er.Status = StatusInProgress
			mu.Unlock()

			// Cancellation must also stop entries queued for a worker slot,
			// not just entries still waiting on dependencies.
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				er.Status = StatusPending
				mu.Unlock()
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				mu.Lock()
				er.Status = StatusPending
				mu.Unlock()
				return
			}

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: StatusInProgress})

			attempts, err := e.applyEntry(ctx, c, state, &stateMu, resolved, lookup, policy, opts.Commit)

			mu.Lock()
			er.Attempts = attempts
			er.Duration = time.Since(start)
			if err != nil {
				er.Status = StatusFailed
				er.Err = err
			} else {
				er.Status = StatusApplied
			}
			mu.Unlock()
			cond.Broadcast()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: er.Status, Attempts: attempts, Duration: er.Duration, Err: err})
		}(change)
	}

	wg.Wait()

	// Output expressions may reference computed attributes; resolve what we
	// can now that the walk is done.
	if len(plan.Outputs) > 0 {
		outputs := make(map[string]any, len(plan.Outputs))
		for k, v := range plan.Outputs {
			if rv, err := resolveRefs(normalizeValue(v), lookup); err == nil {
				outputs[k] = rv
			} else {
				outputs[k] = v
			}
		}
		stateMu.Lock()
		state.Outputs = outputs
		stateMu.Unlock()
	}

	if opts.Commit != nil {
		stateMu.Lock()
		err := opts.Commit(context.WithoutCancel(ctx), state)
		stateMu.Unlock()
		if err != nil {
			return result, fmt.Errorf("failed to commit state: %w", err)
		}
	}

	return result, nil
}

// applyEntry performs one remote operation and commits the state mutation.
// In-flight work runs on a non-cancelable child context so that a cancelled
// run never abandons a remote call midway; the per-resource timeout still
// bounds it.
func (e *Engine) applyEntry(
	ctx context.Context,
	c *ir.Change,
	state *ir.State,
	stateMu *sync.Mutex,
	resolved *resolvedTable,
	lookup attrLookup,
	policy *RetryPolicy,
	commit CommitFunc,
) (int, error) {
	logging.Debug("applying change", "address", c.Address, "action", c.Action)

	timeout := DefaultTimeout
	if c.Desired != nil && c.Desired.Timeout != "" {
		if d, err := time.ParseDuration(c.Desired.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	provName := ""
	switch {
	case c.Desired != nil:
		provName = c.Desired.Provider
	case c.Prior != nil:
		provName = c.Prior.Provider
	}
	prov, err := e.registry.Get(provName)
	if err != nil {
		return 0, err
	}

	switch c.Action {
	case ir.ActionCreate, ir.ActionUpdate:
		attrs, err := resolveAttrs(normalizeMap(c.Desired.Properties), lookup)
		if err != nil {
			return 0, err
		}

		var outputs map[string]any
		var attempts int
		if c.Action == ir.ActionCreate {
			attempts, err = RetryWithBackoff(opCtx, policy, func() error {
				resp, callErr := prov.Create(opCtx, &provider.CreateRequest{
					Type:       c.Desired.Type,
					Name:       c.Desired.Name,
					Attributes: attrs,
				})
				if callErr != nil {
					return callErr
				}
				outputs = resp.Attributes
				return nil
			}, IsTransient)
		} else {
			var id string
			var prior map[string]any
			if c.Prior != nil {
				prior = c.Prior.Outputs
				id = stringAttr(prior, "id")
			}
			attempts, err = RetryWithBackoff(opCtx, policy, func() error {
				resp, callErr := prov.Update(opCtx, &provider.UpdateRequest{
					Type:       c.Desired.Type,
					Name:       c.Desired.Name,
					ID:         id,
					Attributes: attrs,
					Prior:      prior,
				})
				if callErr != nil {
					return callErr
				}
				outputs = resp.Attributes
				return nil
			}, IsTransient)
		}
		if err != nil {
			return attempts, fmt.Errorf("%s failed for %s: %w", c.Action, c.Address, err)
		}

		rec := &ir.ResourceState{
			Type:         c.Desired.Type,
			Name:         c.Desired.Name,
			Provider:     provName,
			Inputs:       normalizeMap(c.Desired.Properties),
			Outputs:      outputs,
			Dependencies: c.Dependencies,
		}

		stateMu.Lock()
		state.Upsert(rec)
		if commit != nil {
			if commitErr := commit(opCtx, state); commitErr != nil {
				stateMu.Unlock()
				return attempts, fmt.Errorf("applied %s but failed to commit state: %w", c.Address, commitErr)
			}
		}
		stateMu.Unlock()

		resolved.publish(c.Address, outputs)
		return attempts, nil

	case ir.ActionDelete:
		var id string
		var prior map[string]any
		if c.Prior != nil {
			prior = c.Prior.Outputs
			id = stringAttr(prior, "id")
		}
		attempts, err := RetryWithBackoff(opCtx, policy, func() error {
			return prov.Delete(opCtx, &provider.DeleteRequest{
				Type:  c.Prior.Type,
				Name:  c.Prior.Name,
				ID:    id,
				Prior: prior,
			})
		}, IsTransient)
		if err != nil {
			return attempts, fmt.Errorf("delete failed for %s: %w", c.Address, err)
		}

		stateMu.Lock()
		state.Remove(c.Address)
		if commit != nil {
			if commitErr := commit(opCtx, state); commitErr != nil {
				stateMu.Unlock()
				return attempts, fmt.Errorf("deleted %s but failed to commit state: %w", c.Address, commitErr)
			}
		}
		stateMu.Unlock()
		return attempts, nil

	default:
		return 0, nil
	}
}

// resolveAttrs resolves every reference inside an attribute map.
func resolveAttrs(attrs map[string]any, lookup attrLookup) (map[string]any, error) {
	resolved, err := resolveRefs(attrs, lookup)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved attributes are not a map")
	}
	return out, nil
}

func stringAttr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// resolvedTable holds computed attributes published by applied entries,
// indexed by node address. Dependents read from it instead of re-scanning
// state on every reference lookup.
type resolvedTable struct {
	mu     sync.RWMutex
	values map[string]map[string]any
}

func newResolvedTable() *resolvedTable {
	return &resolvedTable{values: make(map[string]map[string]any)}
}

func (t *resolvedTable) publish(addr string, attrs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values[addr] = attrs
}

func (t *resolvedTable) lookup(addr, attr string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	attrs, ok := t.values[addr]
	if !ok {
		return nil, false
	}
	if attr == "" {
		return attrs, true
	}
	v, ok := attrs[attr]
	return v, ok
}
