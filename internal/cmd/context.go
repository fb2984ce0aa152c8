package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/pkg/joblog"
	"github.com/runguardhq/runguard/pkg/jobregistry"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Summarize recent jobs for session reconstruction",
	Long: `Summarize recent supervised jobs, most recent first, each with an
output excerpt. Meant for reconstructing what happened in a work session
without replaying every log.`,
	RunE: runContext,
}

func init() {
	rootCmd.AddCommand(contextCmd)

	contextCmd.Flags().Int("jobs", 0, "How many recent jobs to include (default from config)")
	contextCmd.Flags().Int("lines", 50, "Max excerpt lines per job")
	contextCmd.Flags().Bool("json", false, "Output as JSON")
}

type contextEntry struct {
	JobID     string               `json:"job_id"`
	Command   string               `json:"command"`
	State     jobregistry.JobState `json:"state"`
	StartedAt *time.Time           `json:"started_at,omitempty"`
	EndedAt   *time.Time           `json:"ended_at,omitempty"`
	Excerpt   string               `json:"excerpt,omitempty"`
}

func runContext(cmd *cobra.Command, _ []string) error {
	jobsLimit, _ := cmd.Flags().GetInt("jobs")
	lines, _ := cmd.Flags().GetInt("lines")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}
	if jobsLimit <= 0 {
		jobsLimit = cfg.Supervisor.ContextJobs
	}
	if lines <= 0 {
		lines = 50
	}

	store := jobStore(cfg)
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) > jobsLimit {
		records = records[:jobsLimit]
	}

	entries := make([]contextEntry, 0, len(records))
	for _, rec := range records {
		entry := contextEntry{
			JobID:     rec.JobID,
			Command:   rec.Command,
			State:     rec.State,
			StartedAt: rec.StartedAt,
			EndedAt:   rec.EndedAt,
		}
		if rec.OutputPath != "" {
			if tail, err := joblog.Tail(rec.OutputPath, lines); err == nil {
				entry.Excerpt = strings.Join(tail, "\n")
			}
		}
		entries = append(entries, entry)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs recorded")
		return nil
	}
	for i, entry := range entries {
		if i > 0 {
			_, _ = fmt.Fprintln(os.Stdout)
		}
		_, _ = fmt.Fprintf(os.Stdout, "[%s] %s (%s", shortJobID(entry.JobID), entry.Command, entry.State)
		if entry.StartedAt != nil {
			_, _ = fmt.Fprintf(os.Stdout, ", started %s", entry.StartedAt.UTC().Format(time.RFC3339))
		}
		_, _ = fmt.Fprintln(os.Stdout, ")")
		if entry.Excerpt != "" {
			_, _ = fmt.Fprintln(os.Stdout, entry.Excerpt)
		}
	}
	return nil
}
