package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/converge-dev/converge/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		refresh     bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge resources to their declared state",
		Long: `Plan and execute in one step. The plan runs wave by wave with bounded
concurrency; a failed resource blocks its dependents but lets independent
work in the same wave finish. Re-running apply after a partial failure
retries only what has not converged.`,
		Example: `  # Apply a document
  converge apply -c site.yaml

  # Apply with more provider operations in flight
  converge apply -c site.yaml --concurrency 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			planner := engine.NewPlanner(rt.store, rt.registry, rt.logger)
			plan, err := planner.Plan(cmd.Context(), rt.graph, engine.PlanOptions{Refresh: refresh})
			if err != nil {
				return err
			}

			if plan.IsEmpty() {
				fmt.Println("No changes. Desired state matches recorded state.")
				return nil
			}

			workers := concurrency
			if workers <= 0 {
				workers = rt.concurrency()
			}
			executor := engine.NewExecutor(rt.store, rt.registry, engine.ExecutorOptions{
				Concurrency: workers,
				Logger:      rt.logger,
			})
			report, err := executor.Apply(cmd.Context(), rt.graph, plan)
			if err != nil {
				return err
			}

			if err := printReport(report); err != nil {
				return err
			}
			if !report.Succeeded() {
				return fmt.Errorf("apply finished with status %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read observed state from providers before diffing")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max provider operations in flight per wave")

	return cmd
}
