package engine

import "fmt"

// Op represents the operation a plan action performs on a resource.
type Op string

const (
	// OpCreate indicates a new resource will be created.
	OpCreate Op = "create"

	// OpUpdate indicates an existing resource will be updated in place.
	OpUpdate Op = "update"

	// OpDelete indicates an existing resource will be destroyed.
	OpDelete Op = "delete"

	// OpNoop indicates the resource already matches its desired state.
	OpNoop Op = "noop"
)

// IsMutating returns true if the operation changes external state.
func (o Op) IsMutating() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// Validate checks if the operation is valid.
func (o Op) Validate() error {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// NodeStatus represents the terminal status of a node after an apply run.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been dispatched yet.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates a provider operation is in flight.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusApplied indicates the node converged to its desired state.
	NodeStatusApplied NodeStatus = "applied"

	// NodeStatusNoop indicates the node already matched its desired state
	// and no provider call was made.
	NodeStatusNoop NodeStatus = "noop"

	// NodeStatusFailed indicates the node's operation ended in a terminal
	// failure. Its prior state record, if any, is left untouched.
	NodeStatusFailed NodeStatus = "failed"

	// NodeStatusBlocked indicates the node was never dispatched because a
	// node it depends on, directly or transitively, failed.
	NodeStatusBlocked NodeStatus = "blocked"
)

// IsTerminal returns true if the status represents a final state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusApplied || s == NodeStatusNoop ||
		s == NodeStatusFailed || s == NodeStatusBlocked
}

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusApplied,
		NodeStatusNoop, NodeStatusFailed, NodeStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// RunStatus represents the overall outcome of an apply run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every node ended applied or noop.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one node ended failed or blocked.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before completion.
	// Nodes already terminal keep their state record updates.
	RunStatusCancelled RunStatus = "cancelled"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EdgeKind distinguishes how a dependency edge was derived.
type EdgeKind string

const (
	// EdgeExplicit is an edge declared via a node's depends_on list.
	EdgeExplicit EdgeKind = "explicit"

	// EdgeReference is an edge implied by an attribute referencing another
	// node's output.
	EdgeReference EdgeKind = "reference"
)
