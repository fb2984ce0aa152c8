package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage supervised jobs",
	Long: `Manage records of supervised command executions.

This command group is designed to be agent-friendly:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List supervised jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Show status for a job (defaults to the most recent)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job and its process tree",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the output log for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("output", false, "Include an output excerpt")
	jobsStopCmd.Flags().Bool("force", false, "Skip the graceful SIGTERM window and kill immediately")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output while the job runs")
	jobsGCCmd.Flags().String("max-age", "24h", "Delete terminal jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func loadStoreForJobs(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	return jobStore(cfg), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := loadStoreForJobs(cmd)
	if err != nil {
		return err
	}

	jobs, err := store.List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tSTRATEGY\tCATEGORY\tEXIT\tSTARTED\tENDED\tCOMMAND")
	for _, j := range jobs {
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.State,
			j.Strategy,
			j.Category,
			exit,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			truncateCommand(j.Command, 48),
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	showOutput, _ := cmd.Flags().GetBool("output")

	store, err := loadStoreForJobs(cmd)
	if err != nil {
		return err
	}

	var rec *jobregistry.JobRecord
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		last, err := store.ReadLast()
		if err != nil || last == "" {
			return fmt.Errorf("no jobs recorded")
		}
		rec, err = store.Get(last)
		if err != nil {
			return err
		}
	} else {
		resolvedID, err := resolveJobID(store, args[0])
		if err != nil {
			return err
		}
		rec, err = store.Get(resolvedID)
		if err != nil {
			return err
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "command=%s\n", rec.Command)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "strategy=%s\n", rec.Strategy)
	_, _ = fmt.Fprintf(os.Stdout, "category=%s\n", rec.Category)
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.FreezeReason != "" {
		_, _ = fmt.Fprintf(os.Stdout, "freeze_reason=%s\n", rec.FreezeReason)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(os.Stdout, "output_bytes=%d\n", rec.OutputBytes)
	if rec.OutputTruncated {
		_, _ = fmt.Fprintf(os.Stdout, "output_truncated=true\n")
	}
	if rec.ResidualProcesses {
		_, _ = fmt.Fprintf(os.Stdout, "residual_processes=true\n")
	}
	_, _ = fmt.Fprintf(os.Stdout, "output_log=%s\n", rec.OutputPath)

	if showOutput && rec.OutputPath != "" {
		excerpt, err := statusExcerpt(rec.OutputPath)
		if err == nil && excerpt != "" {
			_, _ = fmt.Fprintln(os.Stdout, "---")
			_, _ = fmt.Fprint(os.Stdout, excerpt)
		}
	}

	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func truncateCommand(command string, max int) string {
	command = strings.Join(strings.Fields(command), " ")
	if len(command) <= max {
		return command
	}
	return command[:max-3] + "..."
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
