package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runguardhq/runguard/internal/config"
	"github.com/runguardhq/runguard/internal/observability"
	"github.com/runguardhq/runguard/pkg/classify"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command...>",
	Short: "Run a command under supervision",
	Long: `Run a shell command under supervision.

The command is classified into an execution strategy (quick, background,
immediate, or progressive) that sets its time budget and output handling.
Use -- to separate runguard flags from the command:

  runguard run -- npm test
  runguard run --background -- make release
  runguard run --timeout 30s -- curl -s https://example.com`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("background", false, "Force the background strategy")
	runCmd.Flags().Duration("timeout", 0, "Override the classified time budget")
	runCmd.Flags().String("cwd", "", "Working directory for the command")
	runCmd.Flags().Bool("enhanced", false, "Enable freeze detection for synchronous strategies")
	runCmd.Flags().Bool("no-freeze-watch", false, "Disable freeze detection for this command")
	runCmd.Flags().Bool("json", false, "Output the result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	background, _ := cmd.Flags().GetBool("background")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	cwd, _ := cmd.Flags().GetString("cwd")
	enhanced, _ := cmd.Flags().GetBool("enhanced")
	noFreezeWatch, _ := cmd.Flags().GetBool("no-freeze-watch")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}

	sup, err := newSupervisor(cfg, observability.CLILogger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := sup.Execute(ctx, supervisor.Request{
		Command:         strings.Join(args, " "),
		Cwd:             cwd,
		ForceBackground: background,
		Timeout:         timeout,
		Enhanced:        enhanced,
		NoFreezeWatch:   noFreezeWatch,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Execution rejected", err)
	}

	// Async strategies return while the job is still running. The process
	// keeps supervising; stream output until the job settles.
	if res.State == jobregistry.JobStateRunning {
		observability.CLILogger.Info("command running in background",
			zap.String("job_id", res.JobID),
			zap.String("strategy", string(res.Strategy)))
		if res.OutputSnippet != "" && !jsonOutput {
			_, _ = fmt.Fprint(os.Stdout, res.OutputSnippet)
		}

		streamed := res.OutputSnippet
		if !jsonOutput {
			err = sup.Stream(ctx, res.JobID, func(delta string) error {
				if strings.HasPrefix(delta, streamed) {
					delta = delta[len(streamed):]
				}
				streamed = ""
				_, _ = fmt.Fprint(os.Stdout, delta)
				return nil
			})
		} else {
			err = waitTerminal(ctx, sup, res.JobID)
		}
		if err != nil {
			// Interrupted: hand the job tree over to a cancel.
			if cancelRes, cerr := sup.Cancel(res.JobID); cerr == nil {
				res = cancelRes
			}
			observability.CLILogger.Warn("supervision interrupted, job cancelled",
				zap.String("job_id", res.JobID))
		}
		sup.Wait()

		res, err = sup.Status(res.JobID, jsonOutput)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to read final status", err)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printRunResult(res)
	}

	if res.ExitCode != nil && *res.ExitCode != 0 {
		os.Exit(*res.ExitCode)
	}
	return nil
}

// waitTerminal polls until the job is terminal or the context ends.
func waitTerminal(ctx context.Context, sup *supervisor.Supervisor, jobID string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		res, err := sup.Status(jobID, false)
		if err != nil {
			return err
		}
		if res.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printRunResult(res *supervisor.Result) {
	if res.Strategy == classify.StrategyQuick || res.Strategy == classify.StrategyImmediate {
		// Synchronous strategies behave like the shell: output, then an
		// exit status line only when something went wrong.
		if res.OutputSnippet != "" {
			_, _ = fmt.Fprint(os.Stdout, res.OutputSnippet)
			if !strings.HasSuffix(res.OutputSnippet, "\n") {
				_, _ = fmt.Fprintln(os.Stdout)
			}
		}
	}

	switch res.State {
	case jobregistry.JobStateTimedOut:
		observability.CLILogger.Error("command exceeded its time budget",
			zap.String("job_id", res.JobID))
	case jobregistry.JobStateFrozen:
		observability.CLILogger.Error("command was frozen and terminated",
			zap.String("job_id", res.JobID),
			zap.String("reason", res.FreezeReason))
	case jobregistry.JobStateFailed:
		if res.ExitCode != nil {
			observability.CLILogger.Warn("command failed",
				zap.String("job_id", res.JobID),
				zap.Int("exit_code", *res.ExitCode))
		}
	}
	if res.ResidualProcesses {
		observability.CLILogger.Warn("some processes survived termination",
			zap.String("job_id", res.JobID))
	}
	if res.OutputTruncated {
		observability.CLILogger.Warn("output exceeded the cap and was truncated",
			zap.String("job_id", res.JobID),
			zap.String("full_log", res.OutputPath))
	}
}
