package engine

import (
	"context"
	"testing"

	"github.com/converge-dev/converge/pkg/state"
)

func putRecord(t *testing.T, store state.Store, rec *state.Record) {
	t.Helper()
	rec.Version = 1
	if err := store.Put(context.Background(), rec); err != nil {
		t.Fatalf("failed to seed record %s: %v", rec.NodeID, err)
	}
}

func mustGraph(t *testing.T, nodes ...*ResourceNode) *Graph {
	t.Helper()
	g, err := BuildGraph(nodes)
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	return g
}

func mustPlan(t *testing.T, store state.Store, g *Graph, opts PlanOptions) *Plan {
	t.Helper()
	planner := NewPlanner(store, nil, nil)
	plan, err := planner.Plan(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func findAction(t *testing.T, plan *Plan, nodeID string, op Op) *Action {
	t.Helper()
	for i := range plan.Actions {
		a := &plan.Actions[i]
		if a.NodeID == nodeID && a.Op == op {
			return a
		}
	}
	t.Fatalf("no %s action for %s in plan: %+v", op, nodeID, plan.Actions)
	return nil
}

func TestPlanCreatesChainInWaveOrder(t *testing.T) {
	bucket := node("bucket", "site", map[string]any{"name": "site"})
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
	})
	cdn := node("cdn_distribution", "site", map[string]any{
		"origin": Reference{NodeID: "bucket_policy.site", OutputKey: "arn"},
	})
	g := mustGraph(t, bucket, policy, cdn)

	plan := mustPlan(t, state.NewMemoryStore(), g, PlanOptions{})

	if plan.Summary.ToCreate != 3 {
		t.Fatalf("expected 3 creates, got %+v", plan.Summary)
	}
	wantWaves := map[string]int{
		"bucket.site":           0,
		"bucket_policy.site":    1,
		"cdn_distribution.site": 2,
	}
	for id, wave := range wantWaves {
		if a := findAction(t, plan, id, OpCreate); a.Wave != wave {
			t.Errorf("%s: expected wave %d, got %d", id, wave, a.Wave)
		}
	}
}

func TestPlanWaveStrictlyAfterDependencies(t *testing.T) {
	a := node("bucket", "a", nil)
	b := node("bucket", "b", map[string]any{
		"peer": Reference{NodeID: "bucket.a", OutputKey: "arn"},
	})
	c := node("bucket", "c", map[string]any{
		"one": Reference{NodeID: "bucket.a", OutputKey: "arn"},
		"two": Reference{NodeID: "bucket.b", OutputKey: "arn"},
	})
	g := mustGraph(t, a, b, c)

	plan := mustPlan(t, state.NewMemoryStore(), g, PlanOptions{})

	waves := make(map[string]int)
	for _, act := range plan.Actions {
		waves[act.NodeID] = act.Wave
	}
	for _, act := range plan.Actions {
		for _, dep := range g.Dependencies(act.NodeID) {
			if act.Wave <= waves[dep] {
				t.Errorf("%s at wave %d not after dependency %s at wave %d",
					act.NodeID, act.Wave, dep, waves[dep])
			}
		}
	}
}

func TestPlanNoopWhenRecordMatches(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "bucket.site",
		Type:       "bucket",
		Name:       "site",
		Attributes: map[string]any{"name": "site"},
		Outputs:    map[string]any{"arn": "arn:static:bucket:site"},
	})

	g := mustGraph(t, node("bucket", "site", map[string]any{"name": "site"}))
	plan := mustPlan(t, store, g, PlanOptions{})

	if !plan.IsEmpty() {
		t.Fatalf("expected empty plan, got %+v", plan.Summary)
	}
	if a := findAction(t, plan, "bucket.site", OpNoop); a.Reason == "" {
		t.Error("noop action should carry a reason")
	}
}

func TestPlanUpdateOnAttributeDrift(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "bucket.site",
		Type:       "bucket",
		Name:       "site",
		Attributes: map[string]any{"name": "site", "versioning": false},
	})

	g := mustGraph(t, node("bucket", "site", map[string]any{"name": "site", "versioning": true}))
	plan := mustPlan(t, store, g, PlanOptions{})

	a := findAction(t, plan, "bucket.site", OpUpdate)
	if len(a.Diff) != 1 || a.Diff[0].Key != "versioning" {
		t.Errorf("unexpected diff: %+v", a.Diff)
	}
	if a.Diff[0].Before != false || a.Diff[0].After != true {
		t.Errorf("unexpected before/after: %+v", a.Diff[0])
	}
}

func TestPlanResolvedReferenceIsNoop(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "bucket.site",
		Type:       "bucket",
		Name:       "site",
		Attributes: map[string]any{"name": "site"},
		Outputs:    map[string]any{"arn": "arn:static:bucket:site"},
	})
	putRecord(t, store, &state.Record{
		NodeID:     "bucket_policy.site",
		Type:       "bucket_policy",
		Name:       "site",
		Attributes: map[string]any{"bucket": "arn:static:bucket:site"},
	})

	bucket := node("bucket", "site", map[string]any{"name": "site"})
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
	})
	g := mustGraph(t, bucket, policy)

	plan := mustPlan(t, store, g, PlanOptions{})
	if !plan.IsEmpty() {
		t.Fatalf("references resolved from outputs should plan clean, got %+v", plan.Summary)
	}
}

func TestPlanReplaceDeleteThenCreate(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "bucket.site",
		Type:       "bucket",
		Name:       "site",
		Attributes: map[string]any{"name": "old"},
		Outputs:    map[string]any{"arn": "arn:old"},
	})

	bucket := node("bucket", "site", map[string]any{"name": "new"})
	bucket.Lifecycle.ImmutableKeys = []string{"name"}
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
	})
	g := mustGraph(t, bucket, policy)

	plan := mustPlan(t, store, g, PlanOptions{})

	del := findAction(t, plan, "bucket.site", OpDelete)
	create := findAction(t, plan, "bucket.site", OpCreate)
	dependent := findAction(t, plan, "bucket_policy.site", OpCreate)

	if plan.Summary.ToReplace != 1 {
		t.Errorf("expected 1 replace, got %+v", plan.Summary)
	}
	if del.Wave != 0 || create.Wave != 1 {
		t.Errorf("delete-then-create should occupy waves 0 and 1, got %d and %d", del.Wave, create.Wave)
	}
	if dependent.Wave != 2 {
		t.Errorf("dependent must run after the new instance exists, got wave %d", dependent.Wave)
	}
	if !del.PartOfReplace || !create.PartOfReplace {
		t.Error("both halves must be marked as part of a replace")
	}
}

func TestPlanReplaceCreateBeforeDestroy(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "certificate.site",
		Type:       "certificate",
		Name:       "site",
		Attributes: map[string]any{"domain": "old.example"},
		Outputs:    map[string]any{"arn": "arn:old"},
	})

	cert := node("certificate", "site", map[string]any{"domain": "new.example"})
	cert.Lifecycle.ImmutableKeys = []string{"domain"}
	cert.Lifecycle.CreateBeforeDestroy = true
	cdn := node("cdn_distribution", "site", map[string]any{
		"certificate": Reference{NodeID: "certificate.site", OutputKey: "arn"},
	})
	g := mustGraph(t, cert, cdn)

	plan := mustPlan(t, store, g, PlanOptions{})

	create := findAction(t, plan, "certificate.site", OpCreate)
	del := findAction(t, plan, "certificate.site", OpDelete)
	dependent := findAction(t, plan, "cdn_distribution.site", OpCreate)

	if create.Wave != 0 || del.Wave != 1 {
		t.Errorf("create-before-destroy should create at wave 0 and delete at wave 1, got %d and %d",
			create.Wave, del.Wave)
	}
	if dependent.Wave != 1 {
		t.Errorf("dependent keys off the create wave, expected wave 1, got %d", dependent.Wave)
	}
}

func TestPlanReplaceForcesDependentUpdate(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "certificate.site",
		Type:       "certificate",
		Name:       "site",
		Attributes: map[string]any{"domain": "old.example"},
		Outputs:    map[string]any{"arn": "arn:old"},
	})
	putRecord(t, store, &state.Record{
		NodeID:     "cdn_distribution.site",
		Type:       "cdn_distribution",
		Name:       "site",
		Attributes: map[string]any{"certificate": "arn:old"},
	})

	cert := node("certificate", "site", map[string]any{"domain": "new.example"})
	cert.Lifecycle.ImmutableKeys = []string{"domain"}
	cdn := node("cdn_distribution", "site", map[string]any{
		"certificate": Reference{NodeID: "certificate.site", OutputKey: "arn"},
	})
	g := mustGraph(t, cert, cdn)

	plan := mustPlan(t, store, g, PlanOptions{})

	// The distribution's record matches the old certificate's outputs, but
	// those belong to an instance the replace is about to destroy. The
	// reference only has a value once the replacement is applied, so the
	// distribution must be re-applied after it.
	create := findAction(t, plan, "certificate.site", OpCreate)
	dependent := findAction(t, plan, "cdn_distribution.site", OpUpdate)

	if dependent.Wave <= create.Wave {
		t.Errorf("dependent at wave %d must follow the replacement create at wave %d",
			dependent.Wave, create.Wave)
	}
	if len(dependent.Diff) != 1 || dependent.Diff[0].Key != "certificate" {
		t.Errorf("unexpected diff: %+v", dependent.Diff)
	}
}

func TestPlanDeletesOrphanedRecords(t *testing.T) {
	store := state.NewMemoryStore()
	putRecord(t, store, &state.Record{
		NodeID:     "bucket.old",
		Type:       "bucket",
		Name:       "old",
		Attributes: map[string]any{"name": "old"},
	})

	g := mustGraph(t, node("bucket", "site", map[string]any{"name": "site"}))
	plan := mustPlan(t, store, g, PlanOptions{})

	del := findAction(t, plan, "bucket.old", OpDelete)
	if del.Wave != 0 {
		t.Errorf("orphan delete should run in the first wave, got %d", del.Wave)
	}
	if del.Node.Type != "bucket" {
		t.Errorf("orphan delete should carry a synthetic node, got %+v", del.Node)
	}
	findAction(t, plan, "bucket.site", OpCreate)
}

func TestPlanDestroyReversesDependencyOrder(t *testing.T) {
	store := state.NewMemoryStore()
	for _, id := range []struct{ typ, name string }{
		{"bucket", "site"}, {"bucket_policy", "site"}, {"cdn_distribution", "site"},
	} {
		putRecord(t, store, &state.Record{
			NodeID:     id.typ + "." + id.name,
			Type:       id.typ,
			Name:       id.name,
			Attributes: map[string]any{},
		})
	}

	bucket := node("bucket", "site", nil)
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
	})
	cdn := node("cdn_distribution", "site", map[string]any{
		"origin": Reference{NodeID: "bucket_policy.site", OutputKey: "arn"},
	})
	g := mustGraph(t, bucket, policy, cdn)

	plan := mustPlan(t, store, g, PlanOptions{Destroy: true})

	if plan.Summary.ToDelete != 3 {
		t.Fatalf("expected 3 deletes, got %+v", plan.Summary)
	}
	cdnDel := findAction(t, plan, "cdn_distribution.site", OpDelete)
	policyDel := findAction(t, plan, "bucket_policy.site", OpDelete)
	bucketDel := findAction(t, plan, "bucket.site", OpDelete)
	if !(cdnDel.Wave < policyDel.Wave && policyDel.Wave < bucketDel.Wave) {
		t.Errorf("destroy must delete dependents first: cdn=%d policy=%d bucket=%d",
			cdnDel.Wave, policyDel.Wave, bucketDel.Wave)
	}
}

func TestPlanDeterministicOrderWithinWave(t *testing.T) {
	nodes := []*ResourceNode{
		node("bucket", "c", nil),
		node("bucket", "a", nil),
		node("bucket", "b", nil),
	}
	g := mustGraph(t, nodes...)

	first := mustPlan(t, state.NewMemoryStore(), g, PlanOptions{})
	for i := 0; i < 5; i++ {
		again := mustPlan(t, state.NewMemoryStore(), g, PlanOptions{})
		for j := range first.Actions {
			if first.Actions[j].NodeID != again.Actions[j].NodeID {
				t.Fatalf("plan order not deterministic: %v vs %v", first.Actions, again.Actions)
			}
		}
	}
	if first.Actions[0].NodeID != "bucket.c" {
		t.Errorf("independent nodes should keep declaration order, got %s first", first.Actions[0].NodeID)
	}
}
