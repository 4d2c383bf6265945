package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/converge-dev/converge/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every recorded resource",
		Long: `Plan and execute the deletion of all recorded resources, dependents
strictly before the resources they depend on.`,
		Example: `  # Destroy with approval prompt
  converge destroy -c site.yaml

  # Destroy without prompting
  converge destroy -c site.yaml --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setupRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			planner := engine.NewPlanner(rt.store, rt.registry, rt.logger)
			plan, err := planner.Plan(cmd.Context(), rt.graph, engine.PlanOptions{Destroy: true})
			if err != nil {
				return err
			}

			if plan.IsEmpty() {
				fmt.Println("Nothing to destroy. No resources are recorded.")
				return nil
			}
			if err := printPlan(plan); err != nil {
				return err
			}

			if !autoApprove {
				fmt.Printf("\nDestroy %d resources? Only 'yes' proceeds: ", plan.Summary.ToDelete)
				reader := bufio.NewReader(os.Stdin)
				answer, _ := reader.ReadString('\n')
				if strings.TrimSpace(answer) != "yes" {
					fmt.Println("Destroy cancelled.")
					return nil
				}
			}

			executor := engine.NewExecutor(rt.store, rt.registry, engine.ExecutorOptions{
				Concurrency: rt.concurrency(),
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
				return fmt.Errorf("destroy finished with status %s", report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")

	return cmd
}
