// Package proctree treats a root process and all of its descendants as one
// killable unit. It provides the platform capability surface (spawn in a
// killable group, signal the group, enumerate the tree) that keeps the
// escalation policy in escalate.go platform-neutral.
package proctree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// SetGroupAttrs configures cmd so the child starts in its own process group.
// Must be called before cmd.Start. All descendants inherit the group, which
// is what makes a single negative-pid kill cover the whole tree.
func SetGroupAttrs(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Alive reports whether pid refers to a live process. Zombies count as
// dead: they answer signal 0 until reaped, but they hold no resources the
// escalator could release and no signal can affect them.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 checks for existence without sending a signal.
	if err := syscall.Kill(pid, syscall.Signal(0)); err != nil {
		return false
	}
	if st, err := ReadStat(pid); err == nil && st.State == 'Z' {
		return false
	}
	return true
}

// SignalGroup sends sig to the entire process group of pid.
//
// A dead group is not an error: escalation callers treat "already gone" as
// success.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if err == nil || err == syscall.ESRCH {
		return nil
	}
	return fmt.Errorf("signal group %d: %w", pid, err)
}

// signalPID sends sig to a single process, tolerating ESRCH.
func signalPID(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err == nil || err == syscall.ESRCH {
		return nil
	}
	return err
}

// Descendants enumerates all live descendant pids of root, not including
// root itself. Children that daemonized into a new process group are still
// found because enumeration walks parent links, not group membership.
func Descendants(root int) ([]int, error) {
	if root <= 0 {
		return nil, fmt.Errorf("invalid pid %d", root)
	}

	children, err := parentMap()
	if err != nil {
		return nil, err
	}

	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}

// parentMap scans /proc and returns ppid -> child pids.
func parentMap() (map[int][]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	children := make(map[int][]int)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		st, err := ReadStat(pid)
		if err != nil {
			// Raced with process exit; skip.
			continue
		}
		children[st.PPID] = append(children[st.PPID], pid)
	}
	return children, nil
}

// groupMembers scans /proc for the pids belonging to process group pgid.
func groupMembers(pgid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var out []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		st, err := ReadStat(pid)
		if err != nil {
			continue
		}
		if st.PGID == pgid {
			out = append(out, pid)
		}
	}
	return out, nil
}

// Stat holds the fields of /proc/<pid>/stat the supervisor cares about.
type Stat struct {
	PID   int
	PPID  int
	PGID  int
	State byte

	// UTime and STime are cumulative user/system CPU time in clock ticks.
	UTime uint64
	STime uint64
}

// ReadStat parses /proc/<pid>/stat for one process.
func ReadStat(pid int) (*Stat, error) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, err
	}

	// comm (field 2) may contain spaces and parens; everything after the
	// last ')' is well-formed space-separated fields starting with state.
	s := string(b)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return nil, fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[close+2:])
	// fields[0]=state fields[1]=ppid fields[2]=pgrp ... fields[11]=utime
	// fields[12]=stime
	if len(fields) < 13 {
		return nil, fmt.Errorf("short stat for pid %d", pid)
	}

	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("parse ppid for pid %d: %w", pid, err)
	}
	pgid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("parse pgrp for pid %d: %w", pid, err)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse utime for pid %d: %w", pid, err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse stime for pid %d: %w", pid, err)
	}

	return &Stat{
		PID:   pid,
		PPID:  ppid,
		PGID:  pgid,
		State: fields[0][0],
		UTime: utime,
		STime: stime,
	}, nil
}
