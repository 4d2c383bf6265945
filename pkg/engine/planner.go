package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/converge-dev/converge/pkg/state"
	"github.com/converge-dev/converge/pkg/telemetry"
)

// PlanOptions controls how a plan is computed.
type PlanOptions struct {
	// Refresh re-reads every recorded resource from its provider before
	// diffing, so the plan is computed against observed reality instead of
	// the last-applied record.
	Refresh bool

	// Destroy plans the deletion of every recorded resource, dependents
	// strictly before their dependencies.
	Destroy bool
}

// Planner diffs the desired graph against the state store and produces the
// wave-ordered set of actions that converges the two. Planning never touches
// external systems unless Refresh is requested; the plan itself is a pure
// function of graph and records.
type Planner struct {
	store    state.Store
	registry *Registry
	log      *telemetry.Logger
}

// NewPlanner creates a planner over the given store. The registry is only
// consulted for Refresh reads and may be nil otherwise.
func NewPlanner(store state.Store, registry *Registry, logger *telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Planner{
		store:    store,
		registry: registry,
		log:      logger.NewComponentLogger("planner"),
	}
}

// Plan computes the actions for one run. The returned plan orders actions by
// ascending wave; every action's wave is strictly greater than the wave in
// which each of its dependencies' outputs become available.
func (p *Planner) Plan(ctx context.Context, g *Graph, opts PlanOptions) (*Plan, error) {
	records, err := p.loadRecords(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Refresh {
		if err := p.refresh(ctx, records); err != nil {
			return nil, err
		}
	}

	if opts.Destroy {
		return p.planDestroy(g, records)
	}
	return p.planApply(g, records)
}

// loadRecords reads the full record set into a map keyed by node ID.
func (p *Planner) loadRecords(ctx context.Context) (map[string]*state.Record, error) {
	list, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state records: %w", err)
	}
	records := make(map[string]*state.Record, len(list))
	for _, rec := range list {
		records[rec.NodeID] = rec
	}
	return records, nil
}

// refresh replaces each record's attribute basis with what the provider
// observes right now. A resource the provider no longer sees is dropped from
// the record set, so the plan recreates it.
func (p *Planner) refresh(ctx context.Context, records map[string]*state.Record) error {
	if p.registry == nil {
		return fmt.Errorf("refresh requested but no provider registry configured")
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := records[id]
		provider, err := p.registry.Get(rec.Type)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", id, err)
		}
		observed, err := provider.Read(ctx, id)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", id, err)
		}
		if observed == nil {
			p.log.WithNodeID(id).Debug("recorded resource no longer observed")
			delete(records, id)
			continue
		}
		rec.Attributes = observed
	}
	return nil
}

// planApply classifies every declared node, expands replaces, schedules
// deletes of undeclared records, and assigns waves.
func (p *Planner) planApply(g *Graph, records map[string]*state.Record) (*Plan, error) {
	plan := &Plan{}

	// Orphaned records: resources in state that are no longer declared.
	// Nothing declared can depend on them, so they are deleted in the first
	// wave alongside the roots.
	orphans := make([]string, 0)
	for id := range records {
		if g.Node(id) == nil {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		rec := records[id]
		plan.Actions = append(plan.Actions, Action{
			NodeID: id,
			Node:   &ResourceNode{Type: rec.Type, Name: rec.Name},
			Op:     OpDelete,
			Wave:   0,
			Reason: "resource no longer declared",
		})
		plan.Summary.ToDelete++
	}

	// outputWave maps each declared node to the wave after which its outputs
	// are available to dependents.
	outputWave := make(map[string]int, g.Len())

	// dirty marks nodes whose outputs will be produced fresh this run.
	// References to them cannot be value-compared against dependents'
	// records; the dependent must re-apply once the new outputs exist.
	dirty := make(map[string]bool, g.Len())

	for _, id := range topoOrder(g) {
		n := g.Node(id)

		start := 0
		for _, dep := range g.Dependencies(id) {
			if w := outputWave[dep]; w+1 > start {
				start = w + 1
			}
		}

		rec := records[id]
		if rec == nil {
			plan.Actions = append(plan.Actions, Action{
				NodeID: id,
				Node:   n,
				Op:     OpCreate,
				Wave:   start,
				Reason: "no existing record",
			})
			plan.Summary.ToCreate++
			outputWave[id] = start
			dirty[id] = true
			continue
		}

		diff := p.diff(n, rec, records, dirty)
		if len(diff) == 0 {
			plan.Actions = append(plan.Actions, Action{
				NodeID: id,
				Node:   n,
				Op:     OpNoop,
				Wave:   start,
				Reason: "desired state matches record",
			})
			plan.Summary.NoChange++
			outputWave[id] = start
			continue
		}

		if replaceKeys := forcedKeys(diff); len(replaceKeys) > 0 {
			reason := fmt.Sprintf("immutable attribute changed: %s", strings.Join(replaceKeys, ", "))
			if n.Lifecycle.CreateBeforeDestroy {
				// New instance first, old instance torn down one wave later.
				// Dependents key off the create wave.
				plan.Actions = append(plan.Actions,
					Action{NodeID: id, Node: n, Op: OpCreate, Wave: start, Reason: reason, Diff: diff, PartOfReplace: true},
					Action{NodeID: id, Node: n, Op: OpDelete, Wave: start + 1, Reason: reason, PartOfReplace: true},
				)
				outputWave[id] = start
			} else {
				plan.Actions = append(plan.Actions,
					Action{NodeID: id, Node: n, Op: OpDelete, Wave: start, Reason: reason, PartOfReplace: true},
					Action{NodeID: id, Node: n, Op: OpCreate, Wave: start + 1, Reason: reason, Diff: diff, PartOfReplace: true},
				)
				outputWave[id] = start + 1
			}
			plan.Summary.ToReplace++
			dirty[id] = true
			continue
		}

		keys := make([]string, 0, len(diff))
		for _, c := range diff {
			keys = append(keys, c.Key)
		}
		plan.Actions = append(plan.Actions, Action{
			NodeID: id,
			Node:   n,
			Op:     OpUpdate,
			Wave:   start,
			Reason: fmt.Sprintf("attributes diverged: %s", strings.Join(keys, ", ")),
			Diff:   diff,
		})
		plan.Summary.ToUpdate++
		outputWave[id] = start
	}

	sortActions(plan.Actions)
	p.log.Debugf("planned %d actions (%d create, %d update, %d delete, %d replace, %d noop)",
		len(plan.Actions), plan.Summary.ToCreate, plan.Summary.ToUpdate,
		plan.Summary.ToDelete, plan.Summary.ToReplace, plan.Summary.NoChange)
	return plan, nil
}

// planDestroy schedules a delete for every recorded resource, dependents
// strictly before the nodes they depend on. Declared nodes without records
// need no action.
func (p *Planner) planDestroy(g *Graph, records map[string]*state.Record) (*Plan, error) {
	plan := &Plan{}

	// deleteWave is the inverse of the apply order: a node is deleted only
	// after everything that depends on it is gone.
	deleteWave := make(map[string]int, g.Len())
	order := topoOrder(g)
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		wave := 0
		for _, dep := range g.Dependents(id) {
			// A dependent with a record must be deleted a wave earlier; a
			// dependent without one still propagates ordering from its own
			// dependents.
			w := deleteWave[dep]
			if _, exists := records[dep]; exists {
				w++
			}
			if w > wave {
				wave = w
			}
		}
		deleteWave[id] = wave

		if _, exists := records[id]; !exists {
			continue
		}
		plan.Actions = append(plan.Actions, Action{
			NodeID: id,
			Node:   g.Node(id),
			Op:     OpDelete,
			Wave:   wave,
			Reason: "destroy requested",
		})
		plan.Summary.ToDelete++
	}

	// Records with no declared node have no known dependents; they go in the
	// first wave.
	orphans := make([]string, 0)
	for id := range records {
		if g.Node(id) == nil {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		rec := records[id]
		plan.Actions = append(plan.Actions, Action{
			NodeID: id,
			Node:   &ResourceNode{Type: rec.Type, Name: rec.Name},
			Op:     OpDelete,
			Wave:   0,
			Reason: "destroy requested",
		})
		plan.Summary.ToDelete++
	}

	sortActions(plan.Actions)
	return plan, nil
}

// diff compares a node's resolved desired attributes against its record.
// Reference values resolve from the referenced node's recorded outputs; a
// reference whose target has no recorded output yet, or whose target is
// being created or replaced this run, counts as changed, since the value can
// only be known after the target is applied.
func (p *Planner) diff(n *ResourceNode, rec *state.Record, records map[string]*state.Record, dirty map[string]bool) []AttributeChange {
	var changes []AttributeChange

	keys := make(map[string]struct{}, len(n.Desired)+len(rec.Attributes))
	for k := range n.Desired {
		keys[k] = struct{}{}
	}
	for k := range rec.Attributes {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		desired, inDesired := n.Desired[key]
		before, inRecord := rec.Attributes[key]

		resolved, ok := resolveValue(desired, records)
		after := resolved
		changed := false
		switch {
		case !inDesired || !inRecord:
			changed = true
		case referencesDirty(desired, dirty):
			// The recorded value matches the old instance's outputs; the
			// new value exists only after the target is applied.
			changed = true
			after = desired
		case !ok:
			changed = true
		default:
			changed = !reflect.DeepEqual(resolved, before)
		}
		if !changed {
			continue
		}

		change := AttributeChange{Key: key, ForcesReplace: n.Lifecycle.Immutable(key)}
		if inRecord {
			change.Before = before
		}
		if inDesired {
			change.After = after
		}
		changes = append(changes, change)
	}
	return changes
}

// referencesDirty reports whether the value contains a reference to a node
// whose outputs are produced fresh this run.
func referencesDirty(v any, dirty map[string]bool) bool {
	for _, ref := range collectReferences(v) {
		if dirty[ref.NodeID] {
			return true
		}
	}
	return false
}

// resolveValue substitutes recorded outputs for references, recursing through
// maps and slices. The second return is false when any contained reference
// cannot be resolved from the records.
func resolveValue(v any, records map[string]*state.Record) (any, bool) {
	switch val := v.(type) {
	case Reference:
		rec, exists := records[val.NodeID]
		if !exists {
			return val, false
		}
		out, exists := rec.Outputs[val.OutputKey]
		if !exists {
			return val, false
		}
		return out, true
	case *Reference:
		if val == nil {
			return nil, true
		}
		return resolveValue(*val, records)
	case map[string]any:
		out := make(map[string]any, len(val))
		resolved := true
		for k, item := range val {
			r, ok := resolveValue(item, records)
			if !ok {
				resolved = false
			}
			out[k] = r
		}
		return out, resolved
	case []any:
		out := make([]any, len(val))
		resolved := true
		for i, item := range val {
			r, ok := resolveValue(item, records)
			if !ok {
				resolved = false
			}
			out[i] = r
		}
		return out, resolved
	default:
		return v, true
	}
}

// forcedKeys returns the keys of changes that force a replace, in diff order.
func forcedKeys(diff []AttributeChange) []string {
	var keys []string
	for _, c := range diff {
		if c.ForcesReplace {
			keys = append(keys, c.Key)
		}
	}
	return keys
}

// topoOrder returns the node IDs in a topological order that preserves
// declaration order among ready nodes, so plans are deterministic. The graph
// is acyclic by construction.
func topoOrder(g *Graph) []string {
	indegree := make(map[string]int, g.Len())
	for _, n := range g.Nodes() {
		indegree[n.ID()] = len(g.Dependencies(n.ID()))
	}

	order := make([]string, 0, g.Len())
	done := make(map[string]bool, g.Len())
	for len(order) < g.Len() {
		for _, n := range g.Nodes() {
			id := n.ID()
			if done[id] || indegree[id] != 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for _, dep := range g.Dependents(id) {
				indegree[dep]--
			}
		}
	}
	return order
}

// sortActions orders actions by ascending wave, stable within a wave.
func sortActions(actions []Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Wave < actions[j].Wave
	})
}
