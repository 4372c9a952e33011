package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/explaindio/musetalk-container/pkg/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent jobs from the local journal",
	Long: `List the most recent jobs recorded in the journal under data_dir.

The journal is locked while the agent runs; query GET /jobs on the status
server instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		if cfg.DataDir == "" {
			return fmt.Errorf("data_dir is empty, the job journal is disabled")
		}

		limit, _ := cmd.Flags().GetInt("limit")

		j, err := storage.OpenReadOnly(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open journal (is the agent running? try GET http://%s/jobs): %w", cfg.StatusAddr, err)
		}
		defer j.Close()

		records, err := j.Recent(limit)
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		return printHistory(cmd.OutOrStdout(), records)
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Number of jobs to show")
}

func printHistory(out io.Writer, records []*storage.JobRecord) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tCLAIMED\tDURATION\tRESULT")
	for _, r := range records {
		result := r.OutputURL
		if r.Status == storage.StatusFailed {
			result = fmt.Sprintf("%s at %s (retryable=%t): %s", r.ErrorType, r.Stage, r.Retryable, r.Message)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.JobID,
			r.Status,
			r.ClaimedAt.Format(time.RFC3339),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			result,
		)
	}
	return tw.Flush()
}
