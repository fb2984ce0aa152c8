package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/proctree"
)

func runJobsStop(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

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
	if rec.State.Terminal() {
		return fmt.Errorf("job is not running (state=%s)", rec.State)
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}

	res, err := stopRecordedJob(store, rec, force)
	if err != nil {
		return err
	}

	switch {
	case res.Forced && len(res.Residual) > 0:
		_, _ = fmt.Fprintf(os.Stdout, "sent=term;forced=kill;residual=%d\n", len(res.Residual))
	case res.Forced:
		_, _ = fmt.Fprintf(os.Stdout, "sent=term;forced=kill\n")
	default:
		_, _ = fmt.Fprintf(os.Stdout, "sent=term\n")
	}
	return nil
}

// stopRecordedJob terminates the recorded process tree and settles the
// record on disk. The supervising process may be long gone, so the record
// is updated here so later status queries agree with reality. The exit
// code follows the engine's 128+signal convention for signaled commands;
// 124 stays reserved for the supervisor's own budget kills.
func stopRecordedJob(store *jobregistry.Store, rec *jobregistry.JobRecord, force bool) (proctree.Result, error) {
	mode := proctree.Graceful
	sig := syscall.SIGTERM
	if force {
		mode = proctree.Immediate
	}

	escalator := &proctree.Escalator{}
	res, err := escalator.Terminate(rec.PID, mode)
	if err != nil {
		return res, fmt.Errorf("terminate process tree: %w", err)
	}
	if res.Forced {
		sig = syscall.SIGKILL
	}

	now := time.Now().UTC()
	code := 128 + int(sig)
	rec.State = jobregistry.JobStateFailed
	rec.ExitCode = &code
	rec.EndedAt = &now
	rec.ResidualProcesses = len(res.Residual) > 0
	if err := store.Write(rec); err != nil {
		return res, fmt.Errorf("record stop: %w", err)
	}
	return res, nil
}
