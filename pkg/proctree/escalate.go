package proctree

import (
	"syscall"
	"time"
)

// Mode selects the escalation entry point.
type Mode string

const (
	// Graceful sends SIGTERM to the group, waits the grace period, then
	// falls through to Immediate if anything is still alive. Used for
	// ordinary timeouts.
	Graceful Mode = "graceful"

	// Immediate enumerates the full descendant tree and SIGKILLs every
	// member. Used for freeze kills and external cancellation.
	Immediate Mode = "immediate"
)

// Result reports what an escalation did.
type Result struct {
	// Forced is true when SIGKILL was needed (always true for Immediate).
	Forced bool

	// Residual lists pids still alive after the forceful kill. Non-empty
	// means a resource leak the operator must handle manually.
	Residual []int
}

// Escalator applies the graceful-then-forceful termination sequence to a
// process tree. Naive single-PID termination leaves orphaned descendants
// (a shell wrapping a compiler wrapping a linker) running indefinitely;
// the escalator kills the group and then sweeps parent links for escapees.
//
// The zero value uses DefaultGrace and DefaultPoll.
type Escalator struct {
	// Grace is how long a SIGTERM'd tree gets before SIGKILL.
	Grace time.Duration

	// Poll is the liveness re-check interval inside the grace window.
	Poll time.Duration
}

// Default escalation timing.
const (
	DefaultGrace = 3 * time.Second
	DefaultPoll  = 250 * time.Millisecond
)

// Terminate tears down the process tree rooted at pid.
//
// Safe to call on an already-dead tree: signaling a missing process is
// treated as success, so repeated termination is a no-op at this level.
// Direct-child reaping is the spawner's job (its Wait call); descendants
// killed here are reparented to init and reaped there.
func (e *Escalator) Terminate(pid int, mode Mode) (Result, error) {
	grace := e.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	poll := e.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	if mode == Graceful {
		if err := SignalGroup(pid, syscall.SIGTERM); err != nil {
			return Result{}, err
		}
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if treeDead(pid) {
				return Result{}, nil
			}
			time.Sleep(poll)
		}
		// Still alive after the grace period; fall through.
	}

	// Forceful: enumerate first so escapees from the group are covered,
	// then kill the group and every known descendant.
	descendants, _ := Descendants(pid)
	_ = SignalGroup(pid, syscall.SIGKILL)
	for _, d := range descendants {
		_ = signalPID(d, syscall.SIGKILL)
	}

	// SIGKILL is not instantaneous; give the kernel a moment before
	// declaring survivors.
	residual := make([]int, 0)
	deadline := time.Now().Add(grace)
	for {
		residual = residual[:0]
		if Alive(pid) {
			residual = append(residual, pid)
		}
		for _, d := range descendants {
			if Alive(d) {
				residual = append(residual, d)
			}
		}
		if len(residual) == 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(poll)
	}

	return Result{Forced: true, Residual: append([]int(nil), residual...)}, nil
}

// treeDead reports whether the process group of pid has no live members
// left. Group membership survives the root's death, so this catches
// grandchildren that were reparented to init after the shell exited.
// Unreaped zombies keep the group registered with the kernel, so a plain
// group-signal probe is not enough: the tree counts as dead once every
// remaining member is a zombie waiting on its reaper.
func treeDead(pid int) bool {
	if syscall.Kill(-pid, syscall.Signal(0)) == syscall.ESRCH {
		return true
	}
	members, err := groupMembers(pid)
	if err != nil {
		return false
	}
	for _, m := range members {
		if Alive(m) {
			return false
		}
	}
	return true
}
