package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// writeScript writes an executable shell script into a temp dir and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestNew verifies engine selection by name.
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "claude", want: "claude"},
		{name: "", want: "claude"},
		{name: "cursor", want: "cursor"},
		{name: "codex", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error for unknown engine")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if e.Name() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, e.Name())
			}
		})
	}
}

// TestClaudeBuildArgs verifies flag ordering and optional flags.
func TestClaudeBuildArgs(t *testing.T) {
	c := &Claude{}

	got := c.buildArgs(RunOptions{})
	want := []string{"-p", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	if !sliceEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got = c.buildArgs(RunOptions{
		AllowedTools: []string{"Read", "Edit"},
		Model:        "sonnet",
		SystemPrompt: "be brief",
		MaxBudgetUSD: 1.5,
	})
	want = []string{
		"-p", "--output-format", "stream-json",
		"--allowedTools", "Read", "Edit",
		"--model", "sonnet",
		"--system-prompt", "be brief",
		"--max-budget-usd", "1.5",
		"--dangerously-skip-permissions",
	}
	if !sliceEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestCursorBuildArgs verifies the cursor agent invocation.
func TestCursorBuildArgs(t *testing.T) {
	got := (&Cursor{}).buildArgs(RunOptions{Model: "gpt"})
	want := []string{"agent", "-p", "--output-format", "stream-json", "--trust", "--force", "--model", "gpt"}
	if !sliceEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestParseTokens verifies usage is read from the last result line.
func TestParseTokens(t *testing.T) {
	output := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"result","usage":{"input_tokens":1,"output_tokens":2},"cost_usd":0.5}`,
		`not json at all`,
		`{"type":"assistant","message":{}}`,
		`{"type":"result","usage":{"input_tokens":1200,"output_tokens":340},"total_cost_usd":0.0123,"structured_output":{"ok":true}}`,
		``,
	}, "\n")

	tokens, structured := parseResultLine(output)
	if tokens == nil {
		t.Fatal("Expected tokens")
	}
	if tokens.InputTokens != 1200 || tokens.OutputTokens != 340 {
		t.Errorf("Expected 1200/340, got %d/%d", tokens.InputTokens, tokens.OutputTokens)
	}
	if tokens.Cost == nil || *tokens.Cost != 0.0123 {
		t.Errorf("Expected cost 0.0123, got %v", tokens.Cost)
	}
	if string(structured) != `{"ok":true}` {
		t.Errorf("Expected structured output, got %s", structured)
	}

	if ParseTokens(`{"type":"result"}`) != nil {
		t.Error("Expected nil tokens for result line without usage")
	}
	if ParseTokens("") != nil {
		t.Error("Expected nil tokens for empty output")
	}

	noCost := ParseTokens(`{"type":"result","usage":{"input_tokens":5}}`)
	if noCost == nil || noCost.Cost != nil || noCost.OutputTokens != 0 {
		t.Errorf("Expected usage without cost, got %+v", noCost)
	}
}

// TestClaudeRun verifies the prompt goes through stdin, the working
// directory is honoured and a non-zero exit is a result rather than an error.
func TestClaudeRun(t *testing.T) {
	workDir := t.TempDir()
	script := writeScript(t, `
cat > prompt.txt
echo "$@" > args.txt
echo "entry=[$CLAUDE_CODE_ENTRYPOINT]" > env.txt
echo '{"type":"result","usage":{"input_tokens":10,"output_tokens":20},"cost_usd":0.25}'
echo "oops" >&2
exit 3
`)

	var spawned *exec.Cmd
	var tee bytes.Buffer
	c := &Claude{Binary: script}
	res, err := c.Run(context.Background(), "do the thing", RunOptions{
		Cwd:     workDir,
		Model:   "opus",
		Output:  &tee,
		OnSpawn: func(cmd *exec.Cmd) { spawned = cmd },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Expected stderr oops, got %q", res.Stderr)
	}
	if res.Tokens == nil || res.Tokens.InputTokens != 10 || res.Tokens.OutputTokens != 20 {
		t.Errorf("Expected tokens 10/20, got %+v", res.Tokens)
	}
	if spawned == nil || spawned.Process == nil {
		t.Error("Expected OnSpawn to receive the started process")
	}
	if !strings.Contains(tee.String(), `"type":"result"`) {
		t.Errorf("Expected stdout teed to Output, got %q", tee.String())
	}

	prompt, _ := os.ReadFile(filepath.Join(workDir, "prompt.txt"))
	if string(prompt) != "do the thing" {
		t.Errorf("Expected prompt on stdin, got %q", prompt)
	}
	args, _ := os.ReadFile(filepath.Join(workDir, "args.txt"))
	if !strings.Contains(string(args), "--model opus") || !strings.HasSuffix(strings.TrimSpace(string(args)), "--dangerously-skip-permissions") {
		t.Errorf("Unexpected args: %s", args)
	}
	env, _ := os.ReadFile(filepath.Join(workDir, "env.txt"))
	if strings.TrimSpace(string(env)) != "entry=[]" {
		t.Errorf("Expected empty CLAUDE_CODE_ENTRYPOINT, got %s", env)
	}
}

// TestClaudeRun_SpawnFailure verifies a missing binary is an error.
func TestClaudeRun_SpawnFailure(t *testing.T) {
	c := &Claude{Binary: filepath.Join(t.TempDir(), "does-not-exist")}
	if _, err := c.Run(context.Background(), "x", RunOptions{}); err == nil {
		t.Fatal("Expected spawn error")
	}
	if c.Check(context.Background()) {
		t.Error("Expected Check to fail for missing binary")
	}
}

// TestCheck verifies the version probe.
func TestCheck(t *testing.T) {
	ok := writeScript(t, "exit 0\n")
	bad := writeScript(t, "exit 1\n")
	if !(&Cursor{Binary: ok}).Check(context.Background()) {
		t.Error("Expected Check to pass")
	}
	if (&Cursor{Binary: bad}).Check(context.Background()) {
		t.Error("Expected Check to fail on non-zero exit")
	}
}

// TestCursorRun verifies cursor output carries no tokens.
func TestCursorRun(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"type\":\"result\",\"usage\":{\"input_tokens\":1}}'\n")
	res, err := (&Cursor{Binary: script}).Run(context.Background(), "p", RunOptions{Cwd: t.TempDir()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 || res.Tokens != nil {
		t.Errorf("Expected exit 0 without tokens, got %+v", res)
	}
}

// TestBreakerOpensOnSpawnFailures verifies repeated spawn failures trip the breaker
// while non-zero exits do not.
func TestBreakerOpensOnSpawnFailures(t *testing.T) {
	reg := NewBreakerRegistry(1)

	failing := reg.Wrap(&Claude{Binary: filepath.Join(t.TempDir(), "missing")})
	for i := 0; i < 5; i++ {
		if _, err := failing.Run(context.Background(), "x", RunOptions{}); err == nil {
			t.Fatal("Expected spawn error")
		}
	}
	_, err := failing.Run(context.Background(), "x", RunOptions{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Expected open breaker, got: %v", err)
	}

	exiting := NewBreakerRegistry(1).Wrap(&Cursor{Binary: writeScript(t, "cat >/dev/null\nexit 7\n")})
	for i := 0; i < 6; i++ {
		res, err := exiting.Run(context.Background(), "x", RunOptions{})
		if err != nil {
			t.Fatalf("Expected non-zero exit to pass the breaker, got: %v", err)
		}
		if res.ExitCode != 7 {
			t.Fatalf("Expected exit 7, got %d", res.ExitCode)
		}
	}
}

// TestBreakerHalfOpenAdmitsParallelBatch verifies a recovering breaker lets a
// whole parallel batch through instead of rejecting the runs past the default.
func TestBreakerHalfOpenAdmitsParallelBatch(t *testing.T) {
	reg := NewBreakerRegistry(4)
	reg.timeout = 20 * time.Millisecond

	failing := reg.Wrap(&Claude{Binary: filepath.Join(t.TempDir(), "missing")})
	for i := 0; i < 5; i++ {
		if _, err := failing.Run(context.Background(), "x", RunOptions{}); err == nil {
			t.Fatal("Expected spawn error")
		}
	}
	if _, err := failing.Run(context.Background(), "x", RunOptions{}); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Expected open breaker, got: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	healthy := reg.Wrap(&Claude{Binary: writeScript(t, "cat >/dev/null\nsleep 0.3\n")})
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = healthy.Run(context.Background(), "x", RunOptions{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Expected run %d to pass the half-open breaker, got: %v", i, err)
		}
	}
}

// TestNewBreakerRegistryMinimum verifies small caps keep the default half-open allowance.
func TestNewBreakerRegistryMinimum(t *testing.T) {
	tests := []struct {
		concurrent int
		want       uint32
	}{
		{0, defaultHalfOpenRequests},
		{2, defaultHalfOpenRequests},
		{8, 8},
	}
	for _, tt := range tests {
		if got := NewBreakerRegistry(tt.concurrent).maxRequests; got != tt.want {
			t.Errorf("NewBreakerRegistry(%d): expected %d, got %d", tt.concurrent, tt.want, got)
		}
	}
}
