package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runguardhq/runguard/pkg/joblog"
	"github.com/runguardhq/runguard/pkg/jobregistry"
)

// statusExcerptBytes bounds the excerpt appended to jobs status --output.
const statusExcerptBytes = 1000

func statusExcerpt(path string) (string, error) {
	return joblog.TailBytes(path, statusExcerptBytes)
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := loadStoreForJobs(cmd)
	if err != nil {
		return err
	}

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}
	if rec.OutputPath == "" {
		return fmt.Errorf("job has no output log")
	}

	if follow {
		return followLog(cmd, store, resolvedID, rec.OutputPath)
	}

	if tail > 0 {
		lines, err := joblog.Tail(rec.OutputPath, tail)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(os.Stdout, strings.Join(lines, "\n"))
		return nil
	}

	f, err := os.Open(rec.OutputPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(os.Stdout, f)
	return err
}

// followLog copies the log to stdout as it grows, stopping once the job is
// terminal and the file is drained.
func followLog(cmd *cobra.Command, store *jobregistry.Store, jobID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		rec, err := store.Get(jobID)
		if err != nil {
			return err
		}
		if _, err := io.Copy(os.Stdout, f); err != nil {
			return err
		}
		if rec.State.Terminal() {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
