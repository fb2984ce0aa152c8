package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/runguardhq/runguard/pkg/joblog"
	"github.com/runguardhq/runguard/pkg/jobregistry"
	"github.com/runguardhq/runguard/pkg/proctree"
)

// statusTailBytes bounds the output excerpt attached to status queries.
const statusTailBytes = 1000

// Status reports the latest recorded state of a job without touching the
// live process. An empty jobID selects the most-recently-started job.
func (s *Supervisor) Status(jobID string, showOutput bool) (*Result, error) {
	var rec jobregistry.JobRecord

	if strings.TrimSpace(jobID) == "" {
		job, ok := s.registry.Last()
		if !ok {
			// Fall back to the disk pointer so status works across restarts.
			last, err := s.registry.Store().ReadLast()
			if err != nil || last == "" {
				return nil, fmt.Errorf("no jobs recorded")
			}
			stored, err := s.registry.Store().Get(last)
			if err != nil {
				return nil, fmt.Errorf("no jobs recorded")
			}
			rec = *stored
		} else {
			rec = job.Snapshot()
		}
	} else {
		job, err := s.registry.Resolve(jobID)
		if err == nil {
			rec = job.Snapshot()
		} else {
			// Terminal jobs from a previous supervisor run live only on disk.
			stored, derr := s.registry.Store().Get(strings.TrimSpace(jobID))
			if derr != nil {
				return nil, err
			}
			rec = *stored
		}
	}

	var snippet int64
	if showOutput {
		snippet = statusTailBytes
	}
	return s.result(rec, snippet), nil
}

// ContextEntry is one job summary in a terminal-context report.
type ContextEntry struct {
	JobID     string                `json:"job_id"`
	Command   string                `json:"command"`
	State     jobregistry.JobState  `json:"state"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	EndedAt   *time.Time            `json:"ended_at,omitempty"`
	Excerpt   string                `json:"excerpt,omitempty"`
}

// Context returns summaries of recent jobs, most recent first, each with an
// output excerpt of at most lines lines. Reads go through the on-disk store
// so the report covers jobs from previous supervisor runs too.
func (s *Supervisor) Context(lines int) ([]ContextEntry, error) {
	if lines <= 0 {
		lines = 50
	}

	records, err := s.registry.Store().List()
	if err != nil {
		return nil, err
	}
	if len(records) > s.cfg.ContextJobs {
		records = records[:s.cfg.ContextJobs]
	}

	out := make([]ContextEntry, 0, len(records))
	for _, rec := range records {
		entry := ContextEntry{
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
		out = append(out, entry)
	}
	return out, nil
}

// Cancel terminates a job before natural completion using the same immediate
// escalation path as a freeze kill. Cancelling an already-terminal job is a
// no-op that returns the recorded result unchanged.
func (s *Supervisor) Cancel(jobID string) (*Result, error) {
	job, err := s.registry.Resolve(jobID)
	if err != nil {
		return nil, err
	}

	rec := job.Snapshot()
	if rec.State.Terminal() {
		return s.result(rec, 0), nil
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("job has no pid recorded")
	}

	s.logger.Info("cancelling job", zap.String("job_id", rec.JobID), zap.Int("pid", rec.PID))
	res, err := s.escalator.Terminate(rec.PID, proctree.Immediate)
	if err != nil {
		return nil, err
	}
	if len(res.Residual) > 0 {
		job.MarkResidualProcesses()
	}

	// The supervising goroutine observes the death and records the terminal
	// state; wait briefly for it so callers see a settled result.
	deadline := time.Now().Add(s.cfg.TermGrace + 2*time.Second)
	for time.Now().Before(deadline) {
		if job.State().Terminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return s.result(job.Snapshot(), 0), nil
}

// Cleanup evicts terminal jobs older than maxAge from memory and disk,
// including jobs left behind by previous supervisor runs. Returns the number
// of evicted job records.
func (s *Supervisor) Cleanup(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be > 0")
	}

	n, err := s.registry.Evict(maxAge)
	if err != nil {
		return n, err
	}

	// Disk-only leftovers from previous runs.
	records, err := s.registry.Store().List()
	if err != nil {
		return n, err
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if _, live := s.registry.Get(rec.JobID); live {
			continue
		}
		if !rec.State.Terminal() || rec.EndedAt == nil {
			continue
		}
		if now.Sub(rec.EndedAt.UTC()) <= maxAge {
			continue
		}
		if err := s.registry.Store().Remove(rec.JobID); err != nil {
			return n, fmt.Errorf("remove job dir: %w", err)
		}
		n++
	}

	s.logger.Info("cleanup finished", zap.Int("evicted", n), zap.Duration("max_age", maxAge))
	return n, nil
}

// Stream delivers incremental output of a running job to sink at the freeze
// poll interval until the job is terminal and the log is drained. Used by
// the progressive strategy.
func (s *Supervisor) Stream(ctx context.Context, jobID string, sink func(delta string) error) error {
	job, err := s.registry.Resolve(jobID)
	if err != nil {
		return err
	}
	rec := job.Snapshot()
	if rec.OutputPath == "" {
		return fmt.Errorf("job has no output log")
	}

	interval := s.cfg.Freeze.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}

	f, err := os.Open(rec.OutputPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	drain := func() error {
		b, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		if len(b) > 0 {
			return sink(string(b))
		}
		return nil
	}

	for {
		terminal := job.State().Terminal()
		if err := drain(); err != nil {
			return err
		}
		if terminal {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
