// Package runctx carries the cancellation state of a single loop run: the
// shared context token, the shutdown flag and the engine processes in flight.
package runctx

import (
	"context"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// RunContext tracks running children by task id so a shutdown can reach
// every process of a parallel batch.
type RunContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown atomic.Bool

	mu       sync.Mutex
	children map[string]*exec.Cmd
	changed  chan struct{}

	stopHeartbeat func()
	release       func() error
}

// New creates a RunContext whose token is derived from parent.
func New(parent context.Context) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{
		ctx:      ctx,
		cancel:   cancel,
		children: make(map[string]*exec.Cmd),
		changed:  make(chan struct{}, 1),
	}
}

// Context returns the run token. It is cancelled on shutdown.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// ShuttingDown reports whether shutdown has begun.
func (rc *RunContext) ShuttingDown() bool { return rc.shuttingDown.Load() }

// SetHeartbeatStop registers the function that stops the lock heartbeat.
func (rc *RunContext) SetHeartbeatStop(stop func()) {
	rc.mu.Lock()
	rc.stopHeartbeat = stop
	rc.mu.Unlock()
}

// SetRelease registers the lock release function.
func (rc *RunContext) SetRelease(release func() error) {
	rc.mu.Lock()
	rc.release = release
	rc.mu.Unlock()
}

// Attach registers a started child process for taskID.
func (rc *RunContext) Attach(taskID string, cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	rc.mu.Lock()
	rc.children[taskID] = cmd
	rc.mu.Unlock()
}

// Detach removes the child for taskID once it has exited.
func (rc *RunContext) Detach(taskID string) {
	rc.mu.Lock()
	delete(rc.children, taskID)
	rc.mu.Unlock()
	select {
	case rc.changed <- struct{}{}:
	default:
	}
}

// Active returns the task ids with a running child, sorted.
func (rc *RunContext) Active() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ids := make([]string, 0, len(rc.children))
	for id := range rc.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rc *RunContext) snapshot() map[string]*exec.Cmd {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]*exec.Cmd, len(rc.children))
	for id, cmd := range rc.children {
		out[id] = cmd
	}
	return out
}

func (rc *RunContext) beginShutdown() bool {
	if !rc.shuttingDown.CompareAndSwap(false, true) {
		return false
	}
	rc.cancel()
	return true
}

// waitIdle blocks until no children are attached or timeout passes.
func (rc *RunContext) waitIdle(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if len(rc.Active()) == 0 {
			return true
		}
		select {
		case <-rc.changed:
		case <-deadline.C:
			return len(rc.Active()) == 0
		}
	}
}

func (rc *RunContext) signalAll(sig syscall.Signal) {
	for _, cmd := range rc.snapshot() {
		signalGroup(cmd, sig)
	}
}

func (rc *RunContext) teardown() {
	rc.mu.Lock()
	stop, release := rc.stopHeartbeat, rc.release
	rc.stopHeartbeat, rc.release = nil, nil
	rc.mu.Unlock()

	if stop != nil {
		stop()
	}
	if release != nil {
		release()
	}
}

// ConfigureProcess puts cmd in its own process group so the whole tree can be signalled.
func ConfigureProcess(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup delivers sig to the process group of cmd, falling back to the
// process itself when the group cannot be resolved.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = cmd.Process.Signal(sig)
		return
	}
	_ = syscall.Kill(-pgid, sig)
}
