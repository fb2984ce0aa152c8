package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runguardhq/runguard/pkg/classify"
	"github.com/runguardhq/runguard/pkg/freeze"
	"github.com/runguardhq/runguard/pkg/joblog"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/proctree"
)

// Request describes one command execution.
type Request struct {
	// Command is the literal shell command text. Required.
	Command string

	// Cwd is the working directory. Defaults to the supervisor's own.
	Cwd string

	// ForceBackground overrides classification to the Background strategy.
	ForceBackground bool

	// Timeout overrides the classified budget when positive.
	Timeout time.Duration

	// Enhanced layers freeze detection onto Quick/Immediate jobs for this
	// request even when the supervisor default leaves it off.
	Enhanced bool

	// NoFreezeWatch disables the freeze heuristics for this job. Meant for
	// workloads known to stay quiet for long stretches.
	NoFreezeWatch bool
}

// Result is what a caller gets back from Execute, Status, or Cancel.
type Result struct {
	JobID    string                `json:"job_id"`
	Command  string                `json:"command"`
	Category string                `json:"category,omitempty"`
	Strategy classify.Strategy     `json:"strategy"`
	State    jobregistry.JobState  `json:"state"`
	ExitCode *int                  `json:"exit_code,omitempty"`

	OutputSnippet   string `json:"output_snippet,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
	OutputPath      string `json:"output_ref,omitempty"`

	FreezeReason      string `json:"freeze_reason,omitempty"`
	ResidualProcesses bool   `json:"residual_processes,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Execute runs a command under supervision.
//
// Quick and Immediate strategies block until the job is terminal. Background
// and Progressive return after a short grace period; if the process finished
// inside it, the full result comes back inline as a convenience, otherwise
// the result carries state Running and an initial-output excerpt.
//
// Execution failures are encoded in the terminal state, not the error
// return: a command that cannot even be spawned yields a failed job with no
// PID. The error return is reserved for invalid requests and supervisor
// internal faults.
func (s *Supervisor) Execute(ctx context.Context, req Request) (*Result, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cwd := req.Cwd
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	decision := s.cfg.Classifier.Classify(command, cwd)
	if req.ForceBackground {
		decision.Strategy = classify.StrategyBackground
		decision.Category = "forced-background"
		decision.Timeout = s.cfg.Classifier.LongTimeout()
	}
	timeout := decision.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	store := s.registry.Store()
	jobID := uuid.New().String()
	if err := os.MkdirAll(store.JobDir(jobID), 0755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	entry, err := joblog.Create(store.OutputPath(jobID), s.cfg.OutputCapBytes)
	if err != nil {
		return nil, fmt.Errorf("create output log: %w", err)
	}
	writeHeader(entry, command, cwd, timeout)

	job, err := s.registry.Create(jobregistry.JobRecord{
		JobID:      jobID,
		Command:    command,
		Cwd:        cwd,
		Category:   decision.Category,
		Strategy:   decision.Strategy,
		State:      jobregistry.JobStateRunning,
		OutputPath: entry.Path(),
	})
	if err != nil {
		_ = entry.Close()
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd
	cmd.Stdout = entry
	cmd.Stderr = entry
	cmd.Env = os.Environ()
	proctree.SetGroupAttrs(cmd)

	if err := cmd.Start(); err != nil {
		// SpawnFailure: terminal failed job, no PID ever assigned.
		fmt.Fprintf(entry, "spawn failure: %v\n", err)
		writeTrailer(entry, "spawn failure")
		job.SetOutputMeta(entry.TotalBytes(), entry.Truncated())
		_ = entry.Close()
		job.Complete(jobregistry.JobStateFailed, 127)
		s.logger.Warn("spawn failed",
			zap.String("job_id", jobID),
			zap.String("command", command),
			zap.Error(err))
		return s.result(job.Snapshot(), s.snippetBytes(decision.Strategy)), nil
	}
	job.MarkStarted(cmd.Process.Pid)
	s.logger.Info("job started",
		zap.String("job_id", jobID),
		zap.String("command", command),
		zap.String("strategy", string(decision.Strategy)),
		zap.Duration("timeout", timeout),
		zap.Int("pid", cmd.Process.Pid))

	done := make(chan struct{})
	s.wg.Add(1)
	go s.runJob(job, entry, cmd, timeout, s.freezeWatchEnabled(decision.Strategy, req), done)

	switch decision.Strategy {
	case classify.StrategyQuick, classify.StrategyImmediate:
		<-done
		return s.result(job.Snapshot(), s.snippetBytes(decision.Strategy)), nil
	default:
		select {
		case <-done:
			// Finished inside the grace period: full result inline.
			return s.result(job.Snapshot(), s.snippetBytes(decision.Strategy)), nil
		case <-time.After(s.cfg.GracePeriod):
			res := s.result(job.Snapshot(), 0)
			res.OutputSnippet = readHead(entry.Path(), s.cfg.InitialSnippetBytes)
			return res, nil
		}
	}
}

// freezeWatchEnabled decides whether the liveness detector attaches to a job.
func (s *Supervisor) freezeWatchEnabled(strategy classify.Strategy, req Request) bool {
	if req.NoFreezeWatch {
		return false
	}
	switch strategy {
	case classify.StrategyBackground, classify.StrategyProgressive:
		return true
	default:
		return s.cfg.EnhancedSupervision || req.Enhanced
	}
}

// runJob supervises one spawned process to its terminal state.
func (s *Supervisor) runJob(job *jobregistry.Job, entry *joblog.Entry, cmd *exec.Cmd, timeout time.Duration, freezeWatch bool, done chan<- struct{}) {
	defer s.wg.Done()
	defer close(done)

	pid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	freezeCtx, cancelFreeze := context.WithCancel(context.Background())
	defer cancelFreeze()
	var frozen chan freeze.Reason
	if freezeWatch {
		frozen = make(chan freeze.Reason, 1)
		detector := freeze.New(s.cfg.Freeze, freeze.NewProcessSampler(pid, entry.Size))
		go func() {
			if reason, err := detector.Watch(freezeCtx); err == nil && reason != "" {
				frozen <- reason
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		state jobregistry.JobState
		code  int
	)
	select {
	case waitErr := <-waitCh:
		code = exitCode(cmd, waitErr)
		state = jobregistry.JobStateCompleted
		if code != 0 {
			state = jobregistry.JobStateFailed
		}
		writeTrailer(entry, fmt.Sprintf("exit code: %d", code))

	case <-timer.C:
		res, err := s.escalator.Terminate(pid, proctree.Graceful)
		if err != nil {
			s.logger.Error("timeout termination failed",
				zap.String("job_id", job.ID()), zap.Error(err))
		}
		<-waitCh
		if len(res.Residual) > 0 {
			job.MarkResidualProcesses()
			s.logger.Error("residual processes after kill",
				zap.String("job_id", job.ID()), zap.Ints("pids", res.Residual))
		}
		state, code = jobregistry.JobStateTimedOut, jobregistry.ExitCodeKilled
		writeTrailer(entry, fmt.Sprintf("timeout: terminated by supervisor after %s", timeout))

	case reason := <-frozen:
		job.SetFreezeReason(reason.String())
		res, err := s.escalator.Terminate(pid, proctree.Immediate)
		if err != nil {
			s.logger.Error("freeze termination failed",
				zap.String("job_id", job.ID()), zap.Error(err))
		}
		<-waitCh
		if len(res.Residual) > 0 {
			job.MarkResidualProcesses()
			s.logger.Error("residual processes after kill",
				zap.String("job_id", job.ID()), zap.Ints("pids", res.Residual))
		}
		state, code = jobregistry.JobStateFrozen, jobregistry.ExitCodeKilled
		writeTrailer(entry, fmt.Sprintf("frozen: %s; terminated by supervisor", reason.Describe()))
	}

	cancelFreeze()

	// The log and output metadata must be settled before the terminal
	// transition: readers that observe a terminal state (Stream's final
	// drain, status tails) rely on the file being complete.
	job.SetOutputMeta(entry.TotalBytes(), entry.Truncated())
	_ = entry.Close()
	job.Complete(state, code)

	rec := job.Snapshot()
	s.logger.Info("job finished",
		zap.String("job_id", rec.JobID),
		zap.String("state", string(rec.State)),
		zap.Int64("output_bytes", rec.OutputBytes),
		zap.Bool("truncated", rec.OutputTruncated))
}

// snippetBytes picks the inline snippet bound for a strategy.
func (s *Supervisor) snippetBytes(strategy classify.Strategy) int64 {
	if strategy == classify.StrategyQuick {
		return s.cfg.QuickSnippetBytes
	}
	return s.cfg.SnippetBytes
}

// result builds a caller-facing Result from a record snapshot, attaching an
// output tail of at most snippet bytes when snippet > 0.
func (s *Supervisor) result(rec jobregistry.JobRecord, snippet int64) *Result {
	res := &Result{
		JobID:             rec.JobID,
		Command:           rec.Command,
		Category:          rec.Category,
		Strategy:          rec.Strategy,
		State:             rec.State,
		ExitCode:          rec.ExitCode,
		OutputTruncated:   rec.OutputTruncated,
		OutputPath:        rec.OutputPath,
		FreezeReason:      rec.FreezeReason,
		ResidualProcesses: rec.ResidualProcesses,
		StartedAt:         rec.StartedAt,
		EndedAt:           rec.EndedAt,
	}
	if snippet > 0 && rec.OutputPath != "" {
		if tail, err := joblog.TailBytes(rec.OutputPath, snippet); err == nil {
			res.OutputSnippet = tail
		}
	}
	return res
}

// exitCode derives the recorded exit code from a finished cmd.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

// writeHeader starts a job log with a self-describing preamble, so status
// and context reads work from the file alone.
func writeHeader(entry *joblog.Entry, command, cwd string, timeout time.Duration) {
	fmt.Fprintf(entry, "=== runguard execution ===\n")
	fmt.Fprintf(entry, "command: %s\n", command)
	fmt.Fprintf(entry, "cwd: %s\n", cwd)
	fmt.Fprintf(entry, "timeout: %s\n", timeout)
	fmt.Fprintf(entry, "started: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(entry, "%s\n", strings.Repeat("=", 40))
}

func writeTrailer(entry *joblog.Entry, status string) {
	fmt.Fprintf(entry, "\n%s\n", strings.Repeat("=", 40))
	fmt.Fprintf(entry, "%s\n", status)
	fmt.Fprintf(entry, "ended: %s\n", time.Now().UTC().Format(time.RFC3339))
}

// readHead returns up to n bytes from the start of path.
func readHead(path string, n int64) string {
	if n <= 0 {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, n)
	read, err := f.Read(buf)
	if read <= 0 && err != nil {
		return ""
	}
	return string(buf[:read])
}
