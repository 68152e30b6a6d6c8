package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reqident/internal/identify"
	"github.com/sells-group/reqident/internal/queue"
)

var jobsListStates string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage identification jobs",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("jobs")
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := identify.NewService(env.Store, env.Queue).GetJobStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "job status")
		}
		return writeJSON(cmd.OutOrStdout(), st)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := queue.ParseStates(jobsListStates)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			states = queue.AllStates
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Queue.GetJobsByStates(ctx, states...)
		if err != nil {
			return err
		}
		type row struct {
			ID           string      `json:"id"`
			State        queue.State `json:"state"`
			Progress     int         `json:"progress"`
			FailedReason string      `json:"failed_reason,omitempty"`
			CreatedAt    string      `json:"created_at"`
		}
		rows := make([]row, len(jobs))
		for i, j := range jobs {
			rows[i] = row{
				ID:           j.ID,
				State:        j.State,
				Progress:     j.Progress,
				FailedReason: j.FailedReason,
				CreatedAt:    j.CreatedAt.Format(time.RFC3339),
			}
		}
		return writeJSON(cmd.OutOrStdout(), rows)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ok, err := identify.NewService(env.Store, env.Queue).Cancel(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cancel job")
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"job_id": args[0], "canceled": ok})
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Move waiting jobs to paused",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Queue.Pause(ctx); err != nil {
			return err
		}
		return writeQueueState(cmd, env.Queue)
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Move paused jobs back to waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.Queue.Resume(ctx); err != nil {
			return err
		}
		return writeQueueState(cmd, env.Queue)
	},
}

// writeQueueState prints the paused flag every process on the queue sees.
func writeQueueState(cmd *cobra.Command, q *queue.Queue) error {
	paused, err := q.IsPaused(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{"queue": q.Name(), "paused": paused})
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsListStates, "state", "", "comma-separated states (default all)")
	jobsCmd.AddCommand(jobsStatusCmd, jobsListCmd, jobsCancelCmd, jobsPauseCmd, jobsResumeCmd)
	rootCmd.AddCommand(jobsCmd)
}
