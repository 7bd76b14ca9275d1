// Package cli implements torchctl, the operator tool for the job store.
//
//	torchctl
//	├── submit -f params.json   # create a job from JobParameters
//	├── status <jobId>          # print a job
//	├── jobs [--status S]       # list jobs
//	└── sweep                   # reroll stale units and re-enqueue runnable ones
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"torch/internal/app"
	"torch/internal/config"
	"torch/internal/model"

	"github.com/spf13/cobra"
)

var configFile string

// BuildCLI assembles the command tree. out receives command output.
func BuildCLI(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "torchctl",
		Short: "Inspect and drive torch extraction jobs",
		Long: `torchctl talks to the job store and queue configured for the torch service.
It can submit jobs, print their progress and trigger a recovery sweep.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.json", "config file path")

	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildJobsCommand())
	rootCmd.AddCommand(buildSweepCommand())

	return rootCmd
}

// connect loads the config and opens the infrastructure for one command
func connect(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app.SetupLogger(cfg.Logging)

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Rabbit.DeclareTopology(cfg.RabbitMQ.ExchangeName, cfg.RabbitMQ.QueueName); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}
	return a, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildSubmitCommand() *cobra.Command {
	var paramsFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job from a JSON file of job parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(paramsFile)
			if err != nil {
				return fmt.Errorf("failed to read parameters: %w", err)
			}
			var params model.JobParameters
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("failed to parse parameters: %w", err)
			}

			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Jobs.CreateJob(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.JobID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "file", "f", "", "JSON file containing the job parameters")
	cmd.MarkFlagRequired("file")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <jobId>",
		Short: "Print a job with its batch and core state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.Jobs.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), job)
		},
	}
}

func buildJobsCommand() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := a.Jobs.ListJobs(cmd.Context(), model.JobStatus(status), limit, 0)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				done, total := job.Progress()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d/%d\t%s\n",
					job.JobID(), job.Status, done, total, job.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")

	return cmd
}

func buildSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reroll stale work units and re-enqueue every runnable unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			published, err := a.Jobs.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "published %d work units\n", published)
			return err
		},
	}
}
