package jobregistry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runguardhq/runguard/pkg/classify"
)

func newRecord(id, command string) JobRecord {
	return JobRecord{
		JobID:    id,
		Command:  command,
		Strategy: classify.StrategyQuick,
		State:    JobStateRunning,
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := New(nil)

	j, err := r.Create(newRecord("job-1", "echo hello"))
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID())
	assert.Equal(t, JobStateRunning, j.State())

	got, ok := r.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, j, got)

	_, err = r.Create(newRecord("job-1", "echo again"))
	assert.Error(t, err)

	_, err = r.Create(newRecord("", "echo"))
	assert.Error(t, err)
}

func TestRegistry_LastPointer(t *testing.T) {
	r := New(nil)

	_, ok := r.Last()
	assert.False(t, ok)

	_, err := r.Create(newRecord("job-1", "echo 1"))
	require.NoError(t, err)
	_, err = r.Create(newRecord("job-2", "echo 2"))
	require.NoError(t, err)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "job-2", last.ID())
}

func TestRegistry_Resolve(t *testing.T) {
	r := New(nil)
	_, err := r.Create(newRecord("abc123", "echo"))
	require.NoError(t, err)
	_, err = r.Create(newRecord("abd456", "echo"))
	require.NoError(t, err)

	j, err := r.Resolve("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc123", j.ID())

	_, err = r.Resolve("ab")
	assert.ErrorIs(t, err, ErrAmbiguousID)

	_, err = r.Resolve("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJob_CompleteIsMonotonic(t *testing.T) {
	r := New(nil)
	j, err := r.Create(newRecord("job-1", "false"))
	require.NoError(t, err)

	require.True(t, j.Complete(JobStateFailed, 1))

	rec := j.Snapshot()
	assert.Equal(t, JobStateFailed, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 1, *rec.ExitCode)
	require.NotNil(t, rec.EndedAt)

	// Second terminal transition is a no-op.
	assert.False(t, j.Complete(JobStateTimedOut, ExitCodeKilled))
	after := j.Snapshot()
	assert.Equal(t, JobStateFailed, after.State)
	assert.Equal(t, 1, *after.ExitCode)

	// Non-terminal targets are rejected outright.
	assert.False(t, j.Complete(JobStateRunning, 0))
}

func TestRegistry_ListMostRecentFirst(t *testing.T) {
	r := New(nil)

	j1, err := r.Create(newRecord("old", "echo"))
	require.NoError(t, err)
	j1.MarkStarted(100)
	time.Sleep(5 * time.Millisecond)
	j2, err := r.Create(newRecord("new", "echo"))
	require.NoError(t, err)
	j2.MarkStarted(101)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].JobID)
	assert.Equal(t, "old", list[1].JobID)
}

func TestRegistry_DiskMirror(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	r := New(store)

	j, err := r.Create(newRecord("job-1", "echo hello"))
	require.NoError(t, err)
	j.MarkStarted(0) // pid 0: orphan detection must not fire
	j.Complete(JobStateCompleted, 0)

	rec, err := store.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, rec.State)
	assert.Equal(t, "echo hello", rec.Command)

	last, err := store.ReadLast()
	require.NoError(t, err)
	assert.Equal(t, "job-1", last)
}

func TestRegistry_Evict(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	r := New(store)

	done, err := r.Create(newRecord("done", "echo"))
	require.NoError(t, err)
	done.Complete(JobStateCompleted, 0)
	// Backdate the end time well past the retention window.
	done.update(func(rec *JobRecord) {
		old := time.Now().UTC().Add(-48 * time.Hour)
		rec.EndedAt = &old
	})

	running, err := r.Create(newRecord("running", "sleep 60"))
	require.NoError(t, err)

	n, err := r.Evict(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := r.Get("done")
	assert.False(t, ok)
	_, ok = r.Get("running")
	assert.True(t, ok)
	assert.Equal(t, JobStateRunning, running.State())

	_, err = os.Stat(filepath.Join(root, "done"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_OrphanDetection(t *testing.T) {
	store := NewStore(t.TempDir())

	rec := newRecord("orphan", "sleep 999")
	rec.PID = 999999 // almost certainly not alive
	now := time.Now().UTC()
	rec.StartedAt = &now
	require.NoError(t, store.Write(&rec))

	got, err := store.Get("orphan")
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, got.State)
	assert.NotNil(t, got.EndedAt)
}
