package commands

import (
	"github.com/spf13/cobra"

	"github.com/converge-dev/converge/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the actions an apply would perform",
		Long: `Diff the declared resources against the recorded state and print the
wave-ordered set of operations an apply would run. Planning never mutates
anything unless --refresh is given, which re-reads observed state from the
providers first.`,
		Example: `  # Plan against the recorded state
  converge plan -c site.yaml

  # Plan against live observed state
  converge plan -c site.yaml --refresh`,
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
			return printPlan(plan)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read observed state from providers before diffing")

	return cmd
}
