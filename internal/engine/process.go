package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait blocks on pipes after a cancelled process.
const waitDelay = 5 * time.Second

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx
// sends SIGTERM to the whole group.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// withEnv returns the current environment with overrides applied.
func withEnv(overrides map[string]string) []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+len(overrides))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

// executeCommand starts cmd, writes stdin, drains stdout and stderr
// concurrently and waits. tee, when set, receives stdout as it arrives.
// The returned error is set only when the process could not be run; an exit
// status is reported through exitCode.
func executeCommand(cmd *exec.Cmd, stdin string, tee io.Writer, onSpawn func(*exec.Cmd)) (res *Result, err error) {
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}
	if onSpawn != nil {
		onSpawn(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(3)
	go func() {
		defer wg.Done()
		io.WriteString(stdinPipe, stdin)
		stdinPipe.Close()
	}()
	go func() {
		defer wg.Done()
		var w io.Writer = &stdoutBuf
		if tee != nil {
			w = io.MultiWriter(&stdoutBuf, tee)
		}
		io.Copy(w, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	res = &Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, res.Stderr)
		}
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode < 0 {
			// killed by signal
			res.ExitCode = 1
		}
	}
	return res, nil
}

// runVersion reports whether `binary --version` exits cleanly.
func runVersion(ctx context.Context, binary string, env []string) bool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, binary, "--version")
	if env != nil {
		cmd.Env = env
	}
	return cmd.Run() == nil
}
