package engine

import (
	"errors"
	"testing"
)

func node(typ, name string, desired map[string]any) *ResourceNode {
	return &ResourceNode{Type: typ, Name: name, Desired: desired}
}

func TestBuildGraphEdges(t *testing.T) {
	bucket := node("bucket", "site", map[string]any{"name": "site"})
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
	})
	cdn := node("cdn_distribution", "site", nil)
	cdn.DependsOn = []string{"bucket.site"}

	g, err := BuildGraph([]*ResourceNode{bucket, policy, cdn})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}

	if g.Len() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Len())
	}
	if len(g.Edges()) != 2 {
		t.Errorf("expected 2 edges, got %d", len(g.Edges()))
	}

	deps := g.Dependencies("bucket_policy.site")
	if len(deps) != 1 || deps[0] != "bucket.site" {
		t.Errorf("unexpected policy dependencies: %v", deps)
	}
	dependents := g.Dependents("bucket.site")
	if len(dependents) != 2 {
		t.Errorf("expected 2 dependents of the bucket, got %v", dependents)
	}
}

func TestBuildGraphDeduplicatesEdges(t *testing.T) {
	bucket := node("bucket", "site", nil)
	policy := node("bucket_policy", "site", map[string]any{
		"bucket": Reference{NodeID: "bucket.site", OutputKey: "arn"},
		"target": Reference{NodeID: "bucket.site", OutputKey: "domain"},
	})
	policy.DependsOn = []string{"bucket.site"}

	g, err := BuildGraph([]*ResourceNode{bucket, policy})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	if got := len(g.Dependencies("bucket_policy.site")); got != 1 {
		t.Errorf("expected deduplicated dependency list, got %d entries", got)
	}
}

func TestBuildGraphNestedReferences(t *testing.T) {
	bucket := node("bucket", "site", nil)
	cdn := node("cdn_distribution", "site", map[string]any{
		"origins": []any{
			map[string]any{
				"domain": Reference{NodeID: "bucket.site", OutputKey: "domain"},
			},
		},
	})

	g, err := BuildGraph([]*ResourceNode{bucket, cdn})
	if err != nil {
		t.Fatalf("BuildGraph failed: %v", err)
	}
	deps := g.Dependencies("cdn_distribution.site")
	if len(deps) != 1 || deps[0] != "bucket.site" {
		t.Errorf("nested reference not detected: %v", deps)
	}
}

func TestBuildGraphDuplicateIdentity(t *testing.T) {
	_, err := BuildGraph([]*ResourceNode{
		node("bucket", "site", nil),
		node("bucket", "site", nil),
	})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected duplicate node error, got %v", err)
	}
}

func TestBuildGraphMissingIdentity(t *testing.T) {
	if _, err := BuildGraph([]*ResourceNode{node("bucket", "", nil)}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := BuildGraph([]*ResourceNode{node("", "site", nil)}); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestBuildGraphUnresolvedReference(t *testing.T) {
	tests := []struct {
		name      string
		nodes     []*ResourceNode
		attribute string
		target    string
	}{
		{
			name: "attribute reference",
			nodes: []*ResourceNode{
				node("bucket_policy", "site", map[string]any{
					"bucket": Reference{NodeID: "bucket.missing", OutputKey: "arn"},
				}),
			},
			attribute: "bucket",
			target:    "bucket.missing",
		},
		{
			name: "explicit dependency",
			nodes: []*ResourceNode{
				{Type: "cdn_distribution", Name: "site", DependsOn: []string{"bucket.missing"}},
			},
			attribute: "depends_on",
			target:    "bucket.missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.nodes)
			var unresolved *UnresolvedReferenceError
			if !errors.As(err, &unresolved) {
				t.Fatalf("expected UnresolvedReferenceError, got %v", err)
			}
			if unresolved.Attribute != tt.attribute || unresolved.Target != tt.target {
				t.Errorf("unexpected error details: %+v", unresolved)
			}
		})
	}
}

func TestBuildGraphCycle(t *testing.T) {
	a := node("bucket", "a", map[string]any{
		"peer": Reference{NodeID: "bucket.b", OutputKey: "arn"},
	})
	b := node("bucket", "b", map[string]any{
		"peer": Reference{NodeID: "bucket.c", OutputKey: "arn"},
	})
	c := node("bucket", "c", map[string]any{
		"peer": Reference{NodeID: "bucket.a", OutputKey: "arn"},
	})

	_, err := BuildGraph([]*ResourceNode{a, b, c})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycle.Participants) != 4 {
		t.Errorf("expected 3 participants plus closing node, got %v", cycle.Participants)
	}
	if cycle.Participants[0] != cycle.Participants[len(cycle.Participants)-1] {
		t.Errorf("cycle should close on its first node: %v", cycle.Participants)
	}
}

func TestBuildGraphSelfCycle(t *testing.T) {
	a := node("bucket", "a", map[string]any{
		"self": Reference{NodeID: "bucket.a", OutputKey: "arn"},
	})

	_, err := BuildGraph([]*ResourceNode{a})
	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError for self reference, got %v", err)
	}
}

func TestCollectReferences(t *testing.T) {
	refs := collectReferences(map[string]any{
		"direct": Reference{NodeID: "a.b", OutputKey: "x"},
		"list": []any{
			Reference{NodeID: "c.d", OutputKey: "y"},
			"literal",
		},
		"scalar": 42,
	})
	if len(refs) != 2 {
		t.Fatalf("expected 2 references, got %d", len(refs))
	}
}
