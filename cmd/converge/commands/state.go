package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/converge-dev/converge/pkg/state"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the recorded state",
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRemoveCommand())

	return cmd
}

// openStore opens the state database without needing a valid document, so
// state can be inspected even when the configuration is broken.
func openStore(ctx context.Context) (*state.SQLiteStore, error) {
	path := statePath
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
	return store, nil
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			for _, rec := range records {
				fmt.Printf("%-40s v%d updated %s\n", rec.NodeID, rec.Version, rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <node-id>",
		Short: "Show one recorded resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func newStateRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <node-id>",
		Short: "Forget a resource without deleting it",
		Long: `Remove a resource's record from state. The resource itself is left
untouched; the next apply will plan it as a new create.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed %s from state.\n", args[0])
			return nil
		},
	}
}
