package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runguardhq/runguard/pkg/classify"
	"github.com/runguardhq/runguard/pkg/freeze"
	"github.com/runguardhq/runguard/pkg/jobregistry"
)

func newTestSupervisor(t *testing.T, mutate func(*Config)) *Supervisor {
	t.Helper()

	cfg := Config{
		DataDir:     t.TempDir(),
		GracePeriod: 200 * time.Millisecond,
		TermGrace:   time.Second,
		// Thresholds high enough that ordinary test jobs never trip them;
		// freeze tests lower them explicitly.
		Freeze: freeze.Config{
			Interval:             50 * time.Millisecond,
			SilenceThreshold:     10 * time.Second,
			CPUThreshold:         90,
			BusySilenceThreshold: 5 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Wait)
	return s
}

func TestExecute_QuickCompletes(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)

	assert.Equal(t, classify.StrategyQuick, res.Strategy)
	assert.Equal(t, jobregistry.JobStateCompleted, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Contains(t, res.OutputSnippet, "hello")
	assert.NotEmpty(t, res.JobID)
	assert.NotNil(t, res.StartedAt)
	assert.NotNil(t, res.EndedAt)
}

func TestExecute_EmptyCommand(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := s.Execute(context.Background(), Request{Command: "   "})
	assert.Error(t, err)
}

func TestExecute_FailedCommandKeepsRealExitCode(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{Command: "exit 3"})
	require.NoError(t, err)

	assert.Equal(t, jobregistry.JobStateFailed, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
}

func TestExecute_QuickTimeout(t *testing.T) {
	s := newTestSupervisor(t, nil)

	start := time.Now()
	res, err := s.Execute(context.Background(), Request{
		Command: "sleep 30",
		Timeout: 300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateTimedOut, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, jobregistry.ExitCodeKilled, *res.ExitCode)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestExecute_SpawnFailure(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{
		Command: "echo never",
		Cwd:     "/definitely/not/a/real/dir",
	})
	require.NoError(t, err)

	assert.Equal(t, jobregistry.JobStateFailed, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 127, *res.ExitCode)

	rec, err := s.Status(res.JobID, false)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFailed, rec.State)
}

func TestExecute_BackgroundReturnsWithinGrace(t *testing.T) {
	s := newTestSupervisor(t, nil)

	start := time.Now()
	res, err := s.Execute(context.Background(), Request{
		Command:         "sleep 1 && echo finished",
		ForceBackground: true,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, classify.StrategyBackground, res.Strategy)
	assert.Equal(t, jobregistry.JobStateRunning, res.State)
	assert.NotEmpty(t, res.JobID)
	assert.Less(t, elapsed, time.Second)

	s.Wait()

	final, err := s.Status(res.JobID, true)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateCompleted, final.State)
	assert.Contains(t, final.OutputSnippet, "finished")
}

func TestExecute_BackgroundInlineWhenFast(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{
		Command:         "echo instant",
		ForceBackground: true,
	})
	require.NoError(t, err)

	// Finished inside the grace period, so the result comes back terminal.
	assert.Equal(t, jobregistry.JobStateCompleted, res.State)
	assert.Contains(t, res.OutputSnippet, "instant")
}

func TestExecute_TestPatternGoesBackground(t *testing.T) {
	s := newTestSupervisor(t, nil)

	// Classified by pattern, not by the force flag.
	res, err := s.Execute(context.Background(), Request{Command: "npm test -- --watch=false"})
	require.NoError(t, err)
	assert.Equal(t, classify.StrategyBackground, res.Strategy)
	assert.Equal(t, "test", res.Category)
}

func TestExecute_FreezeKillsBusyLoop(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *Config) {
		cfg.Freeze.SilenceThreshold = 400 * time.Millisecond
		cfg.Freeze.BusySilenceThreshold = 150 * time.Millisecond
	})

	start := time.Now()
	res, err := s.Execute(context.Background(), Request{
		Command:  "while true; do :; done",
		Timeout:  20 * time.Second,
		Enhanced: true,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFrozen, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, jobregistry.ExitCodeKilled, *res.ExitCode)
	assert.NotEmpty(t, res.FreezeReason)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestExecute_CappedOutputIsNotFrozen(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *Config) {
		cfg.OutputCapBytes = 256
		cfg.Freeze.SilenceThreshold = 400 * time.Millisecond
		cfg.Freeze.BusySilenceThreshold = 150 * time.Millisecond
	})

	// Writes steadily for well past the silence threshold; most of it is
	// dropped by the cap, but the job is healthy the whole time.
	res, err := s.Execute(context.Background(), Request{
		Command:         "for i in $(seq 1 20); do echo line $i; sleep 0.05; done",
		ForceBackground: true,
		Timeout:         20 * time.Second,
	})
	require.NoError(t, err)

	s.Wait()

	final, err := s.Status(res.JobID, false)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateCompleted, final.State)
	assert.Empty(t, final.FreezeReason)
	assert.True(t, final.OutputTruncated)
}

func TestExecute_NoFreezeWatchLetsQuietJobsFinish(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *Config) {
		cfg.Freeze.SilenceThreshold = 300 * time.Millisecond
	})

	// Silent for longer than the silence threshold, but freeze is off.
	res, err := s.Execute(context.Background(), Request{
		Command:         "sleep 0.7 && echo quiet",
		ForceBackground: true,
		NoFreezeWatch:   true,
	})
	require.NoError(t, err)

	s.Wait()
	final, err := s.Status(res.JobID, true)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateCompleted, final.State)
}

func TestExecute_OutputCapTruncates(t *testing.T) {
	s := newTestSupervisor(t, func(cfg *Config) {
		cfg.OutputCapBytes = 2048
	})

	res, err := s.Execute(context.Background(), Request{Command: "seq 1 10000"})
	require.NoError(t, err)

	assert.Equal(t, jobregistry.JobStateCompleted, res.State)
	assert.True(t, res.OutputTruncated)

	st, err := s.Status(res.JobID, true)
	require.NoError(t, err)
	assert.True(t, st.OutputTruncated)
	assert.LessOrEqual(t, len(st.OutputSnippet), 1000)
}

func TestCancel_Idempotent(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{
		Command:         "sleep 60",
		ForceBackground: true,
	})
	require.NoError(t, err)
	require.Equal(t, jobregistry.JobStateRunning, res.State)

	first, err := s.Cancel(res.JobID)
	require.NoError(t, err)
	assert.True(t, first.State.Terminal())

	second, err := s.Cancel(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, *first.ExitCode, *second.ExitCode)
}

func TestStatus_DefaultsToLastJob(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := s.Execute(context.Background(), Request{Command: "echo first"})
	require.NoError(t, err)
	last, err := s.Execute(context.Background(), Request{Command: "echo second"})
	require.NoError(t, err)

	st, err := s.Status("", true)
	require.NoError(t, err)
	assert.Equal(t, last.JobID, st.JobID)
	assert.Contains(t, st.OutputSnippet, "second")
}

func TestStatus_ShortIDPrefix(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{Command: "echo prefixed"})
	require.NoError(t, err)

	st, err := s.Status(res.JobID[:12], false)
	require.NoError(t, err)
	assert.Equal(t, res.JobID, st.JobID)
}

func TestContext_MostRecentFirst(t *testing.T) {
	s := newTestSupervisor(t, nil)

	_, err := s.Execute(context.Background(), Request{Command: "echo older"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	newer, err := s.Execute(context.Background(), Request{Command: "echo newer"})
	require.NoError(t, err)

	entries, err := s.Context(50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, newer.JobID, entries[0].JobID)
	assert.Contains(t, entries[0].Excerpt, "newer")
	assert.Contains(t, entries[1].Excerpt, "older")
}

func TestCleanup_EvictsOldTerminalJobs(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{Command: "echo done"})
	require.NoError(t, err)

	// Nothing is old enough yet.
	n, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	job, ok := s.Registry().Get(res.JobID)
	require.True(t, ok)
	require.True(t, job.State().Terminal())

	n, err = s.Cleanup(time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Status(res.JobID, false)
	assert.Error(t, err)
}

func TestStream_DeliversIncrementalOutput(t *testing.T) {
	s := newTestSupervisor(t, nil)

	res, err := s.Execute(context.Background(), Request{
		Command:         "echo one; sleep 0.3; echo two; sleep 0.3; echo three",
		ForceBackground: true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var chunks []string
	err = s.Stream(context.Background(), res.JobID, func(delta string) error {
		mu.Lock()
		chunks = append(chunks, delta)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	combined := strings.Join(chunks, "")
	assert.Contains(t, combined, "one")
	assert.Contains(t, combined, "two")
	assert.Contains(t, combined, "three")

	// The final drain happens after the terminal state is observed, so
	// the closing trailer must already be on disk by then.
	assert.Contains(t, combined, "exit code: 0")
	assert.Contains(t, combined, "ended:")
}
