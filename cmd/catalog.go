package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reqident/internal/catalog"
	"github.com/sells-group/reqident/internal/guard"
)

var catalogFile string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the legal-basis and requirement catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import legal bases, articles and requirements from YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("catalog"); err != nil {
			return err
		}

		f, err := os.Open(catalogFile)
		if err != nil {
			return eris.Wrap(err, "open catalog file")
		}
		defer f.Close() //nolint:errcheck

		doc, err := catalog.ParseDocument(f)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := catalog.New(env.Store, guard.New(env.Queue)).Import(ctx, doc)
		if err != nil {
			return eris.Wrap(err, "import catalog")
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"imported": res, "catalog": doc})
	},
}

func init() {
	catalogImportCmd.Flags().StringVar(&catalogFile, "file", "", "path to catalog YAML (required)")
	_ = catalogImportCmd.MarkFlagRequired("file")
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}
