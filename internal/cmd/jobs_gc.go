package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "24h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store, err := loadStoreForJobs(cmd)
	if err != nil {
		return err
	}

	jobs, err := store.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	would := 0
	for _, j := range jobs {
		if !j.State.Terminal() || j.EndedAt == nil {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		would++
		if dryRun {
			continue
		}
		if err := store.Remove(j.JobID); err != nil {
			return fmt.Errorf("remove job %s: %w", shortJobID(j.JobID), err)
		}
		deleted++
	}

	result := jobsGCResult{
		Deleted:      deleted,
		WouldDelete:  would,
		DryRun:       dryRun,
		MaxAgeString: maxAge.String(),
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would delete %d job(s) older than %s\n", would, maxAge)
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "deleted %d job(s) older than %s\n", deleted, maxAge)
	}
	return nil
}
