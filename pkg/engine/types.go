package engine

import (
	"fmt"
	"time"
)

// Reference is a desired-attribute value that resolves to another node's
// output at execution time. References are produced by the configuration
// front end; the engine only resolves them, it never evaluates expressions.
type Reference struct {
	// NodeID is the identity of the node producing the output.
	NodeID string `json:"node_id"`

	// OutputKey is the output attribute to read.
	OutputKey string `json:"output_key"`
}

func (r Reference) String() string {
	return fmt.Sprintf("${%s.%s}", r.NodeID, r.OutputKey)
}

// Lifecycle carries the per-node policy flags the planner and executor
// consult when an in-place update is not possible.
type Lifecycle struct {
	// CreateBeforeDestroy orders the replacement create strictly before the
	// delete of the old instance. Default is delete-then-create.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// ImmutableKeys lists desired-attribute keys that cannot be changed in
	// place; a diff on any of them forces a replace instead of an update.
	ImmutableKeys []string `json:"immutable_keys,omitempty"`
}

// Immutable returns true if key is declared immutable.
func (l Lifecycle) Immutable(key string) bool {
	for _, k := range l.ImmutableKeys {
		if k == key {
			return true
		}
	}
	return false
}

// WaitCondition is a post-apply predicate a node must satisfy before its
// dependents may proceed. The executor polls it with exponential backoff
// after the provider operation returns. This is how asynchronous readiness
// (certificate issuance, DNS propagation) is modeled uniformly for every
// resource type.
type WaitCondition struct {
	// OutputKey is the observed attribute to poll.
	OutputKey string `json:"output_key"`

	// Expect is the value the attribute must reach.
	Expect string `json:"expect"`

	// Interval is the initial poll interval. Zero means the executor
	// default.
	Interval time.Duration `json:"interval,omitempty"`

	// Timeout is the total time allowed for convergence. Zero means the
	// executor default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ResourceNode is the typed description of one managed resource: its
// identity, desired attributes, and edges to the rest of the graph. Desired
// attribute values are either literals or Reference values.
type ResourceNode struct {
	// Type is the resource type, e.g. "bucket" or "dns_record". It selects
	// the provider that handles the node.
	Type string `json:"type"`

	// Name is the logical name, unique per type within a graph.
	Name string `json:"name"`

	// Desired is the declared target configuration.
	Desired map[string]any `json:"desired"`

	// Observed is the last-read actual configuration, nil until the
	// resource has been read or applied.
	Observed map[string]any `json:"observed,omitempty"`

	// DependsOn lists explicit dependency node IDs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Lifecycle holds the node's replacement policy.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`

	// Wait, if set, gates dependents until the condition is satisfied.
	Wait *WaitCondition `json:"wait,omitempty"`
}

// ID returns the node's identity within a graph: "type.name".
func (n *ResourceNode) ID() string {
	return n.Type + "." + n.Name
}

// Edge is a directed dependency: To depends on From.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Graph is the validated DAG over a set of resource nodes. It is produced
// by BuildGraph and is immutable afterwards.
type Graph struct {
	nodes map[string]*ResourceNode

	// order preserves declaration order for deterministic planning.
	order []string

	edges        []Edge
	dependencies map[string][]string
	dependents   map[string][]string
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *ResourceNode {
	return g.nodes[id]
}

// Nodes returns all nodes in declaration order.
func (g *Graph) Nodes() []*ResourceNode {
	out := make([]*ResourceNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// Edges returns every dependency edge.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Dependencies returns the IDs the given node depends on, deduplicated, in
// first-seen order.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Dependents returns the IDs that depend on the given node.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// AttributeChange describes one differing desired-attribute key.
type AttributeChange struct {
	// Key is the attribute key.
	Key string `json:"key"`

	// Before is the last-applied value, nil when the key is new.
	Before any `json:"before,omitempty"`

	// After is the desired value, nil when the key was removed.
	After any `json:"after,omitempty"`

	// ForcesReplace is true when the key is immutable on its node.
	ForcesReplace bool `json:"forces_replace,omitempty"`
}

// Action is one entry of a plan: an operation on a node, assigned to an
// execution wave. A replace is always expanded into a delete action and a
// create action on the same node, never a single atomic op.
type Action struct {
	// NodeID is the target node identity.
	NodeID string `json:"node_id"`

	// Node is the declared node. For deletes of resources that are no
	// longer declared it is a synthetic node carrying only identity.
	Node *ResourceNode `json:"-"`

	// Op is the operation to perform.
	Op Op `json:"op"`

	// Wave is the execution batch index. Always strictly greater than the
	// wave of every action the node depends on.
	Wave int `json:"wave"`

	// Reason explains why the planner chose this operation.
	Reason string `json:"reason"`

	// Diff lists the attribute changes behind an update or replace.
	Diff []AttributeChange `json:"diff,omitempty"`

	// PartOfReplace marks the two halves of an expanded replace.
	PartOfReplace bool `json:"part_of_replace,omitempty"`
}

// Plan is the ordered set of actions for one run. Plans are transient:
// rebuilt on every invocation, never persisted as authority.
type Plan struct {
	// Actions in execution order: ascending wave, declaration order within
	// a wave.
	Actions []Action `json:"actions"`

	// Summary counts actions by kind.
	Summary PlanSummary `json:"summary"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToDelete  int `json:"to_delete"`
	ToReplace int `json:"to_replace"`
	NoChange  int `json:"no_change"`
}

// IsEmpty returns true if the plan performs no mutations.
func (p *Plan) IsEmpty() bool {
	s := p.Summary
	return s.ToCreate == 0 && s.ToUpdate == 0 && s.ToDelete == 0 && s.ToReplace == 0
}

// Waves groups the actions by wave index, preserving intra-wave order.
func (p *Plan) Waves() [][]*Action {
	max := -1
	for i := range p.Actions {
		if p.Actions[i].Wave > max {
			max = p.Actions[i].Wave
		}
	}
	waves := make([][]*Action, max+1)
	for i := range p.Actions {
		a := &p.Actions[i]
		waves[a.Wave] = append(waves[a.Wave], a)
	}
	return waves
}

// NodeResult is one node's terminal outcome in a run report.
type NodeResult struct {
	// NodeID is the node identity.
	NodeID string `json:"node_id"`

	// Op is the operation that was planned for the node.
	Op Op `json:"op"`

	// Status is the terminal status the node reached.
	Status NodeStatus `json:"status"`

	// Err holds the failure or block cause, nil on success.
	Err error `json:"-"`

	// Duration is how long the node's operation took, including waits.
	Duration time.Duration `json:"duration"`
}

// Report is the structured result of an apply run, suitable for a thin CLI
// or logging layer to render.
type Report struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`

	// Status is the overall outcome.
	Status RunStatus `json:"status"`

	// Results holds one entry per planned node, in plan order.
	Results []NodeResult `json:"results"`

	// StartedAt and Duration time the run.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded returns true iff every node reached applied or noop.
func (r *Report) Succeeded() bool {
	return r.Status == RunStatusSucceeded
}

// Result returns the result entry for a node, or nil.
func (r *Report) Result(nodeID string) *NodeResult {
	for i := range r.Results {
		if r.Results[i].NodeID == nodeID {
			return &r.Results[i]
		}
	}
	return nil
}
