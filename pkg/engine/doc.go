// Package engine implements the core reconciliation pipeline: a resource
// graph is built from declared nodes, diffed against the last-applied state
// to produce an ordered plan, and the plan is executed wave by wave against
// pluggable resource providers.
//
// The pipeline has four stages:
//
//	BuildGraph -> Planner.Plan -> Executor.Apply -> Report
//
// BuildGraph derives a DAG from explicit dependencies and attribute
// references and rejects cycles and dangling references before any side
// effect can occur. The Planner is a pure function of the graph and the
// state store contents; it classifies every node as create, update, replace,
// delete, or no-op and assigns each action to an execution wave such that a
// node's wave is always strictly greater than the waves of everything it
// depends on. The Executor walks the plan one wave at a time, running the
// actions of a wave concurrently under a bounded worker pool, polling wait
// conditions until a resource has converged, and recording terminal outcomes
// in the state store. Failures are contained: a failed node blocks its
// transitive dependents but independent subgraphs continue.
//
// Providers are external collaborators registered per resource type; the
// engine never special-cases a resource type beyond the lifecycle policy and
// wait condition carried on the node itself.
package engine
