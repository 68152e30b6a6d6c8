package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/reqident/internal/identify"
)

var (
	submitFile        string
	submitName        string
	submitDescription string
	submitLegalBases  []int64
	submitSubject     int64
	submitAspects     []int64
	submitLevel       string
	submitUser        int64
	submitDelay       time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an identification job",
	Long:  "Creates an identification and enqueues its job. The request comes from --file (YAML) or from flags; flags override file values.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("submit"); err != nil {
			return err
		}

		req, err := buildSubmitRequest(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sub, err := identify.NewService(env.Store, env.Queue).Submit(ctx, req)
		if err != nil {
			return eris.Wrap(err, "submit")
		}
		return writeJSON(cmd.OutOrStdout(), sub)
	},
}

func buildSubmitRequest(cmd *cobra.Command) (identify.SubmitRequest, error) {
	var req identify.SubmitRequest
	if submitFile != "" {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return req, eris.Wrap(err, "read submit file")
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, eris.Wrap(err, "parse submit file")
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Name = submitName
	}
	if flags.Changed("description") {
		req.Description = submitDescription
	}
	if flags.Changed("legal-basis") {
		req.LegalBasisIDs = submitLegalBases
	}
	if flags.Changed("subject") {
		req.SubjectID = submitSubject
	}
	if flags.Changed("aspect") {
		req.AspectIDs = submitAspects
	}
	if flags.Changed("level") || req.IntelligenceLevel == "" {
		req.IntelligenceLevel = submitLevel
	}
	if flags.Changed("user") {
		req.UserID = submitUser
	}
	if flags.Changed("delay") {
		req.Delay = submitDelay
	}
	return req, nil
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFile, "file", "", "YAML submission document")
	f.StringVar(&submitName, "name", "", "identification name (unique)")
	f.StringVar(&submitDescription, "description", "", "identification description")
	f.Int64SliceVar(&submitLegalBases, "legal-basis", nil, "legal basis ids")
	f.Int64Var(&submitSubject, "subject", 0, "subject id")
	f.Int64SliceVar(&submitAspects, "aspect", nil, "aspect ids")
	f.StringVar(&submitLevel, "level", "low", "intelligence level: high or low")
	f.Int64Var(&submitUser, "user", 0, "initiating user id")
	f.DurationVar(&submitDelay, "delay", 0, "hold the job this long before it can run")
	rootCmd.AddCommand(submitCmd)
}
