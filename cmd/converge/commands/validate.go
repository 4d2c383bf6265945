package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/converge-dev/converge/pkg/config"
	"github.com/converge-dev/converge/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a resource document without touching state",
		Long: `Parse the document, resolve references and build the dependency graph.
Duplicate identities, references to undeclared resources and dependency
cycles are reported here, before any plan or apply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(configPath)
			if err != nil {
				return err
			}
			nodes, err := doc.Nodes()
			if err != nil {
				return err
			}
			graph, err := engine.BuildGraph(nodes)
			if err != nil {
				return err
			}

			fmt.Printf("Document is valid: %d resources, %d dependency edges.\n",
				graph.Len(), len(graph.Edges()))
			return nil
		},
	}

	return cmd
}
