package proctree

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTree spawns a shell that forks n sleeping children in its own group.
func startTree(t *testing.T, children int) *exec.Cmd {
	t.Helper()

	script := "for i in $(seq " + strconv.Itoa(children) + "); do sleep 300 & done; sleep 300"
	cmd := exec.Command("/bin/sh", "-c", script)
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		e := &Escalator{Grace: time.Second, Poll: 50 * time.Millisecond}
		_, _ = e.Terminate(cmd.Process.Pid, Immediate)
		_ = cmd.Wait()
	})

	// Give the shell a moment to fork its children.
	require.Eventually(t, func() bool {
		d, err := Descendants(cmd.Process.Pid)
		return err == nil && len(d) >= children
	}, 3*time.Second, 25*time.Millisecond)

	return cmd
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-5))
}

func TestAlive_ZombieCountsDead(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 300")
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = cmd.Wait() })

	require.NoError(t, signalPID(pid, syscall.SIGKILL))

	// Until cmd.Wait runs the process is an unreaped zombie: it still
	// answers signal 0, but nothing can be done to or with it.
	require.Eventually(t, func() bool {
		st, err := ReadStat(pid)
		return err == nil && st.State == 'Z'
	}, 3*time.Second, 25*time.Millisecond)

	assert.False(t, Alive(pid))
}

func TestReadStat(t *testing.T) {
	st, err := ReadStat(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Greater(t, st.PPID, 0)
	assert.Greater(t, st.PGID, 0)
}

func TestDescendants(t *testing.T) {
	cmd := startTree(t, 3)

	d, err := Descendants(cmd.Process.Pid)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(d), 3)
}

func TestEscalator_ImmediateKillsWholeTree(t *testing.T) {
	cmd := startTree(t, 4)
	pid := cmd.Process.Pid

	e := &Escalator{Grace: 2 * time.Second, Poll: 50 * time.Millisecond}
	res, err := e.Terminate(pid, Immediate)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Empty(t, res.Residual)

	_ = cmd.Wait()

	assert.False(t, Alive(pid))
	left, err := Descendants(pid)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEscalator_GracefulStopsCooperativeTree(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 300")
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	e := &Escalator{Grace: 3 * time.Second, Poll: 50 * time.Millisecond}
	res, err := e.Terminate(pid, Graceful)
	require.NoError(t, err)
	assert.False(t, res.Forced)

	_ = cmd.Wait()
	assert.False(t, Alive(pid))
}

func TestEscalator_GracefulEscalatesOnTermIgnorers(t *testing.T) {
	// The shell traps TERM so only SIGKILL can stop it.
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	e := &Escalator{Grace: 500 * time.Millisecond, Poll: 50 * time.Millisecond}
	res, err := e.Terminate(pid, Graceful)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Empty(t, res.Residual)

	_ = cmd.Wait()
	assert.False(t, Alive(pid))
}

func TestEscalator_UnreapedKillLeavesNoResidual(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 300")
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	// Terminate before any Wait call: the killed process lingers as a
	// zombie, which must not be reported as a survivor.
	e := &Escalator{Grace: 2 * time.Second, Poll: 50 * time.Millisecond}
	res, err := e.Terminate(pid, Immediate)
	require.NoError(t, err)
	assert.True(t, res.Forced)
	assert.Empty(t, res.Residual)

	_ = cmd.Wait()
}

func TestEscalator_IdempotentOnDeadTree(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "true")
	SetGroupAttrs(cmd)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())
	pid := cmd.Process.Pid

	e := &Escalator{Grace: 200 * time.Millisecond, Poll: 50 * time.Millisecond}

	res1, err := e.Terminate(pid, Immediate)
	require.NoError(t, err)
	assert.Empty(t, res1.Residual)

	res2, err := e.Terminate(pid, Immediate)
	require.NoError(t, err)
	assert.Empty(t, res2.Residual)
}
