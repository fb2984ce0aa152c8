package jobregistry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a job id resolves to nothing.
var ErrNotFound = errors.New("job not found")

// ErrAmbiguousID is returned when a short job id prefix matches more than
// one job.
var ErrAmbiguousID = errors.New("job id prefix is ambiguous")

// Registry is the in-memory map of supervised jobs plus a pointer to the
// most-recently-started one.
//
// The Registry never starts or kills processes; it only records state. All
// mutations are serialized per job and state transitions are monotonic: once
// a job reaches a terminal state no further transition is accepted. Reads
// never block on a running job.
//
// Mutations are mirrored to the on-disk Store (best-effort) so that status
// and context queries survive supervisor restarts.
type Registry struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	last  string
	store *Store
}

// Job is one registry entry. Its record is guarded by a per-job mutex so
// concurrent jobs never serialize on each other.
type Job struct {
	mu  sync.Mutex
	rec JobRecord

	reg *Registry
}

// New creates a Registry mirroring to store. A nil store keeps the registry
// purely in-memory (used in tests).
func New(store *Store) *Registry {
	return &Registry{
		jobs:  make(map[string]*Job),
		store: store,
	}
}

// Store returns the disk mirror, or nil.
func (r *Registry) Store() *Store {
	return r.store
}

// Create registers a new job record and marks it the most recent.
func (r *Registry) Create(rec JobRecord) (*Job, error) {
	id := strings.TrimSpace(rec.JobID)
	if id == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.State == "" {
		rec.State = JobStateRunning
	}

	j := &Job{rec: rec, reg: r}

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("duplicate job id: %s", id)
	}
	r.jobs[id] = j
	r.last = id
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.Write(&rec)
		_ = r.store.WriteLast(id)
	}
	return j, nil
}

// Get returns the job with the exact id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Resolve finds a job by exact id or unique prefix (table-friendly short ids).
func (r *Registry) Resolve(input string) (*Job, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if j, ok := r.jobs[input]; ok {
		return j, nil
	}

	var match *Job
	count := 0
	for id, j := range r.jobs {
		if strings.HasPrefix(id, input) {
			match = j
			count++
		}
	}
	switch count {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, input)
	case 1:
		return match, nil
	default:
		return nil, fmt.Errorf("%w (%d matches)", ErrAmbiguousID, count)
	}
}

// Last returns the most-recently-started job, if any.
func (r *Registry) Last() (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == "" {
		return nil, false
	}
	j, ok := r.jobs[r.last]
	return j, ok
}

// List returns snapshots of all registered jobs, most recent first.
func (r *Registry) List() []JobRecord {
	r.mu.RLock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.RUnlock()

	out := make([]JobRecord, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[k]))
	})
	return out
}

// Evict removes terminal jobs older than maxAge, deleting their disk state.
// Returns the number of evicted jobs.
func (r *Registry) Evict(maxAge time.Duration) (int, error) {
	now := time.Now().UTC()

	r.mu.Lock()
	victims := make([]string, 0)
	for id, j := range r.jobs {
		rec := j.Snapshot()
		if !rec.State.Terminal() || rec.EndedAt == nil {
			continue
		}
		if now.Sub(rec.EndedAt.UTC()) > maxAge {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		delete(r.jobs, id)
		if r.last == id {
			r.last = ""
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		for _, id := range victims {
			if err := r.store.Remove(id); err != nil {
				return len(victims), fmt.Errorf("remove job dir: %w", err)
			}
		}
	}
	return len(victims), nil
}

// Snapshot returns a copy of the job's current record.
func (j *Job) Snapshot() JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec
}

// ID returns the job's immutable id.
func (j *Job) ID() string {
	return j.Snapshot().JobID
}

// State returns the job's current state.
func (j *Job) State() JobState {
	return j.Snapshot().State
}

// MarkStarted records the pid and start time once the process is spawned.
func (j *Job) MarkStarted(pid int) {
	now := time.Now().UTC()
	j.update(func(rec *JobRecord) {
		rec.PID = pid
		rec.StartedAt = &now
	})
}

// Complete transitions the job to a terminal state exactly once.
//
// Returns false when the job is already terminal; the stored state is left
// untouched, which makes repeated cancellation a no-op.
func (j *Job) Complete(state JobState, exitCode int) bool {
	if !state.Terminal() {
		return false
	}
	transitioned := false
	now := time.Now().UTC()
	j.update(func(rec *JobRecord) {
		if rec.State.Terminal() {
			return
		}
		rec.State = state
		rec.ExitCode = &exitCode
		rec.EndedAt = &now
		transitioned = true
	})
	return transitioned
}

// SetFreezeReason records the heuristic that declared the freeze.
func (j *Job) SetFreezeReason(reason string) {
	j.update(func(rec *JobRecord) {
		rec.FreezeReason = reason
	})
}

// SetOutputMeta records final output accounting from the joblog entry.
func (j *Job) SetOutputMeta(totalBytes int64, truncated bool) {
	j.update(func(rec *JobRecord) {
		rec.OutputBytes = totalBytes
		rec.OutputTruncated = truncated
	})
}

// MarkResidualProcesses flags survivors after a failed forceful kill.
func (j *Job) MarkResidualProcesses() {
	j.update(func(rec *JobRecord) {
		rec.ResidualProcesses = true
	})
}

// update applies fn under the job lock and mirrors the result to disk.
func (j *Job) update(fn func(*JobRecord)) {
	j.mu.Lock()
	fn(&j.rec)
	rec := j.rec
	j.mu.Unlock()

	if j.reg != nil && j.reg.store != nil {
		_ = j.reg.store.Write(&rec)
	}
}
