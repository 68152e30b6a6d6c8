package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/reqident/internal/catalog"
	"github.com/sells-group/reqident/internal/guard"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete catalog entities or identifications not referenced by pending jobs",
}

// newDeleteCmd builds a subcommand that deletes the ids given as args.
func newDeleteCmd(use, short string, del func(ctx context.Context, c *catalog.Catalog, args []string) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate("catalog"); err != nil {
				return err
			}
			ctx := cmd.Context()
			env, err := initEnv(ctx)
			if err != nil {
				return err
			}
			defer env.Close()

			n, err := del(ctx, catalog.New(env.Store, guard.New(env.Queue)), args)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
		},
	}
}

func init() {
	deleteCmd.AddCommand(
		newDeleteCmd("legal-basis", "Delete legal bases and their articles",
			func(ctx context.Context, c *catalog.Catalog, args []string) (int, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return 0, err
				}
				return c.DeleteLegalBases(ctx, ids)
			}),
		newDeleteCmd("article", "Delete articles",
			func(ctx context.Context, c *catalog.Catalog, args []string) (int, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return 0, err
				}
				return c.DeleteArticles(ctx, ids)
			}),
		newDeleteCmd("requirement", "Delete requirements",
			func(ctx context.Context, c *catalog.Catalog, args []string) (int, error) {
				ids, err := parseIDs(args)
				if err != nil {
					return 0, err
				}
				return c.DeleteRequirements(ctx, ids)
			}),
		newDeleteCmd("identification", "Delete identifications and their links",
			func(ctx context.Context, c *catalog.Catalog, args []string) (int, error) {
				return c.DeleteIdentifications(ctx, args)
			}),
	)
	rootCmd.AddCommand(deleteCmd)
}
