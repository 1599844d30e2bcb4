package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// Store is the queue surface the CLI operates on.
type Store interface {
	Statistics(ctx context.Context) (queue.Statistics, error)
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	GetJobsByStatus(ctx context.Context, status queue.Status, limit int) ([]*queue.Job, error)
	QueueLength(ctx context.Context, jobType string) (int64, error)
	ClearQueue(ctx context.Context, jobType string) (int64, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error)
	RequeueStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Opener connects to a Store. The returned func releases it.
type Opener func(ctx context.Context, opts *rootOptions) (Store, func(), error)

type rootOptions struct {
	configPath string
	redisAddr  string
}

// newRootCommand constructs the queuectl command tree.
func newRootCommand(open Opener) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "queuectl",
		Short: "Inspect and maintain the job queue",
		Long: `queuectl talks directly to the queue store.

Job Lifecycle:
  pending → processing → completed
                ↓ (error, retries left)
              retry → processing ...
                ↓ (retries exhausted or permanent error)
              failed`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("QUEUECTL_CONFIG_PATH"), "Path to a service configuration file")
	root.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", "", "Redis address, overrides the config file")

	// with opens the store for one command and closes it afterwards.
	with := func(fn func(cmd *cobra.Command, args []string, s Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(cmd, args, s)
		}
	}

	root.AddCommand(
		newStatsCommand(with),
		newJobsCommand(with),
		newJobCommand(with),
		newLengthCommand(with),
		newClearCommand(with),
		newCleanupCommand(with),
		newRequeueStaleCommand(with),
	)
	return root
}

type runWith func(fn func(cmd *cobra.Command, args []string, s Store) error) func(*cobra.Command, []string) error

// newStatsCommand constructs the `stats` subcommand.
func newStatsCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, s Store) error {
			stats, err := s.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}),
	}
}

// newJobsCommand constructs the `jobs` subcommand.
func newJobsCommand(with runWith) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in one status, oldest first",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, s Store) error {
			st, err := queue.ParseStatus(status)
			if err != nil {
				return err
			}
			jobs, err := s.GetJobsByStatus(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "JOB ID\tTYPE\tSTATUS\tUSER\tGROUP\tRETRIES\tCREATED\tERROR")
			for _, j := range jobs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Type, j.Status, j.UserID, j.GroupID, j.RetryCount, j.MaxRetries,
					j.CreatedAt.Format(time.RFC3339), j.ErrorMessage)
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVarP(&status, "status", "s", string(queue.StatusPending), "Job status")
	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum jobs to list, 0 for all")
	return cmd
}

// newJobCommand constructs the `job` subcommand.
func newJobCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show one job record",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, s Store) error {
			job, err := s.GetJob(cmd.Context(), args[0])
			if errors.Is(err, queue.ErrJobNotFound) {
				return fmt.Errorf("job %s not found or expired", args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		}),
	}
}

// newLengthCommand constructs the `length` subcommand.
func newLengthCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "length <job-type>",
		Short: "Show how many ids wait in a job type's queue",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, s Store) error {
			n, err := s.QueueLength(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], n)
			return nil
		}),
	}
}

// newClearCommand constructs the `clear` subcommand.
func newClearCommand(with runWith) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear <job-type>",
		Short: "Drop every waiting job of a type",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, s Store) error {
			if !force {
				return fmt.Errorf("refusing to clear %s without --force", args[0])
			}
			n, err := s.ClearQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs from %s\n", n, args[0])
			return nil
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm the clear")
	return cmd
}

// newCleanupCommand constructs the `cleanup` subcommand.
func newCleanupCommand(with runWith) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove completed and failed jobs older than a duration",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, s Store) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be greater than 0")
			}
			n, err := s.CleanupOldJobs(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs older than %s\n", n, olderThan)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Minimum age since completion")
	return cmd
}

// newRequeueStaleCommand constructs the `requeue-stale` subcommand.
func newRequeueStaleCommand(with runWith) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Send jobs stuck in processing back through the retry path",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, _ []string, s Store) error {
			if staleAfter <= 0 {
				return fmt.Errorf("--stale-after must be greater than 0")
			}
			n, err := s.RequeueStale(cmd.Context(), staleAfter)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "requeued %d stale jobs\n", n)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 10*time.Minute, "Minimum time in processing")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
