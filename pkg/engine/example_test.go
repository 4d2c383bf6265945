package engine_test

import (
	"context"
	"time"

	"github.com/converge-dev/converge/pkg/engine"
	"github.com/converge-dev/converge/pkg/state"
)

// Example_pipeline demonstrates how the core types compose: declared nodes
// become a graph, the graph and the state store produce a plan, and the plan
// drives providers wave by wave.
func Example_pipeline() {
	// 1. Declare resources. Attribute values are literals or references to
	// another node's outputs.
	bucket := &engine.ResourceNode{
		Type:    "bucket",
		Name:    "site",
		Desired: map[string]any{"name": "site"},
		Lifecycle: engine.Lifecycle{
			ImmutableKeys: []string{"name"},
		},
	}
	policy := &engine.ResourceNode{
		Type: "bucket_policy",
		Name: "site",
		Desired: map[string]any{
			"bucket": engine.Reference{NodeID: "bucket.site", OutputKey: "arn"},
		},
	}
	cert := &engine.ResourceNode{
		Type:    "certificate",
		Name:    "site",
		Desired: map[string]any{"domain": "www.example.com"},
		Lifecycle: engine.Lifecycle{
			CreateBeforeDestroy: true,
			ImmutableKeys:       []string{"domain"},
		},
		Wait: &engine.WaitCondition{
			OutputKey: "status",
			Expect:    "ISSUED",
			Interval:  5 * time.Second,
			Timeout:   10 * time.Minute,
		},
	}

	// 2. Build the graph. Cycles and dangling references fail here, before
	// any side effect.
	g, err := engine.BuildGraph([]*engine.ResourceNode{bucket, policy, cert})
	if err != nil {
		panic(err)
	}

	// 3. Plan against the state store. The planner is a pure function of
	// graph and records; the first run plans a create for every node.
	store := state.NewMemoryStore()
	planner := engine.NewPlanner(store, nil, nil)
	plan, err := planner.Plan(context.Background(), g, engine.PlanOptions{})
	if err != nil {
		panic(err)
	}

	// 4. Inspect the plan. The bucket and certificate share the first wave;
	// the policy follows its reference one wave later.
	for _, wave := range plan.Waves() {
		for _, action := range wave {
			_ = action.Reason
		}
	}

	// 5. Apply with a provider registry. Executor.Apply takes the advisory
	// run lock, dispatches each wave through a bounded worker pool, and
	// returns a report with one terminal result per node.
	registry := engine.NewRegistry()
	executor := engine.NewExecutor(store, registry, engine.ExecutorOptions{
		Concurrency: 4,
	})
	_, _, _ = g, plan, executor
}

// Example_errorClassification demonstrates how providers classify failures
// for the executor's retry logic.
func Example_errorClassification() {
	transientErr := engine.NewTransientError("create", "bucket.site", "connection reset", nil)
	throttledErr := engine.NewThrottledError("create", "bucket.site", "rate limited", nil)
	permanentErr := engine.NewPermanentError("create", "bucket.site", "access denied", nil)

	canRetry := engine.IsRetryable(transientErr)   // retried with exponential backoff
	backsOff := engine.IsThrottled(throttledErr)   // retried from a longer base delay
	failsFast := !engine.IsRetryable(permanentErr) // fails the node on the first attempt

	_, _, _ = canRetry, backsOff, failsFast
}

// Example_statusChecks demonstrates the status enums.
func Example_statusChecks() {
	op := engine.OpDelete
	mutates := op.IsMutating() // creates, updates and deletes touch external state

	status := engine.NodeStatusBlocked
	terminal := status.IsTerminal() // blocked is a final outcome, the node was never dispatched

	_, _ = mutates, terminal
}
