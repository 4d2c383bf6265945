package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/converge-dev/converge/pkg/config"
	"github.com/converge-dev/converge/pkg/engine"
	"github.com/converge-dev/converge/pkg/providers/static"
	"github.com/converge-dev/converge/pkg/state"
	"github.com/converge-dev/converge/pkg/telemetry"
)

// runtime bundles everything a command needs: the parsed document, the
// validated graph, the open state store and the provider registry.
type runtime struct {
	doc      *config.Document
	graph    *engine.Graph
	store    state.Store
	registry *engine.Registry
	logger   *telemetry.Logger
}

func (r *runtime) close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

func (r *runtime) concurrency() int {
	return r.doc.Settings.Concurrency
}

// setupRuntime loads the document, builds the graph, opens the state store
// and registers the static provider family.
func setupRuntime(ctx context.Context) (*runtime, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	nodes, err := doc.Nodes()
	if err != nil {
		return nil, err
	}

	graph, err := engine.BuildGraph(nodes)
	if err != nil {
		return nil, err
	}

	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, err
	}

	path := statePath
	if path == "" {
		path = doc.Settings.StatePath
	}
	if path == "" {
		path = "converge.db"
	}

	store, err := state.NewSQLiteStore(state.SQLiteConfig{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Open(ctx); err != nil {
		return nil, err
	}

	registry := engine.NewRegistry()
	static.RegisterAll(registry, static.NewCloud(), static.Options{})

	return &runtime{
		doc:      doc,
		graph:    graph,
		store:    store,
		registry: registry,
		logger:   logger,
	}, nil
}

// printPlan renders a plan to stdout, grouped by wave.
func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	if plan.IsEmpty() {
		fmt.Println("No changes. Desired state matches recorded state.")
		return nil
	}

	for wave, actions := range plan.Waves() {
		if len(actions) == 0 {
			continue
		}
		fmt.Printf("Wave %d:\n", wave)
		for _, a := range actions {
			fmt.Printf("  %-7s %-40s %s\n", a.Op, a.NodeID, a.Reason)
		}
	}
	s := plan.Summary
	fmt.Printf("\nPlan: %d to create, %d to update, %d to replace, %d to delete, %d unchanged.\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDelete, s.NoChange)
	return nil
}

// printReport renders an apply report to stdout.
func printReport(report *engine.Report) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, res := range report.Results {
		line := fmt.Sprintf("  %-7s %-40s %s", res.Op, res.NodeID, res.Status)
		if res.Err != nil {
			line += fmt.Sprintf(" (%v)", res.Err)
		}
		fmt.Println(line)
	}
	fmt.Printf("\nRun %s: %s in %s.\n", report.RunID, report.Status, report.Duration.Round(time.Millisecond))
	return nil
}
