package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reqident/internal/guard"
)

var pendingCmd = &cobra.Command{
	Use:   "pending <legal_basis|article|requirement|identification> <id>",
	Short: "Report whether a pending job references an entity",
	Args:  cobra.ExactArgs(2),
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

		kind := guard.EntityKind(args[0])
		var id any
		switch kind {
		case guard.KindIdentification:
			id = args[1]
		case guard.KindLegalBasis, guard.KindRequirement:
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return eris.Errorf("invalid id %q", args[1])
			}
			id = n
		case guard.KindArticle:
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return eris.Errorf("invalid id %q", args[1])
			}
			art, err := env.Store.FindArticleByID(ctx, n)
			if err != nil {
				return err
			}
			id = art.LegalBasisID
		default:
			return eris.Errorf("unknown entity kind %q", args[0])
		}

		res, err := guard.New(env.Queue).HasPendingJobs(ctx, kind, id)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}
