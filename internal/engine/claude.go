package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Claude drives the claude CLI in print mode with stream-json output.
type Claude struct {
	// Binary overrides the executable. Defaults to "claude".
	Binary string
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "claude"
}

func (c *Claude) env() []string {
	return withEnv(map[string]string{"CLAUDE_CODE_ENTRYPOINT": ""})
}

// Check runs `claude --version`.
func (c *Claude) Check(ctx context.Context) bool {
	return runVersion(ctx, c.binary(), c.env())
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (c *Claude) buildArgs(opts RunOptions) []string {
	args := []string{"-p", "--output-format", "stream-json"}

	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, opts.AllowedTools...)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--system-prompt", opts.SystemPrompt)
	}
	if opts.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(opts.MaxBudgetUSD, 'f', -1, 64))
	}

	return append(args, "--dangerously-skip-permissions")
}

// Run sends prompt on stdin and parses usage from the final result line.
func (c *Claude) Run(ctx context.Context, prompt string, opts RunOptions) (*Result, error) {
	cmd := newCommand(ctx, c.binary(), c.buildArgs(opts)...)
	cmd.Dir = opts.Cwd
	cmd.Env = c.env()

	res, err := executeCommand(cmd, prompt, opts.Output, opts.OnSpawn)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn claude: %w", err)
	}
	res.Tokens, res.StructuredOutput = parseResultLine(res.Stdout)
	return res, nil
}

// ParseTokens extracts usage from the last stream-json line of type "result"
// that carries a usage object. It returns nil when none is found.
func ParseTokens(output string) *TokenUsage {
	tokens, _ := parseResultLine(output)
	return tokens
}

func parseResultLine(output string) (*TokenUsage, json.RawMessage) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !gjson.Valid(line) {
			continue
		}
		parsed := gjson.Parse(line)
		if parsed.Get("type").String() != "result" || !parsed.Get("usage").IsObject() {
			continue
		}

		usage := &TokenUsage{
			InputTokens:  parsed.Get("usage.input_tokens").Int(),
			OutputTokens: parsed.Get("usage.output_tokens").Int(),
		}
		for _, key := range []string{"cost_usd", "total_cost_usd"} {
			if v := parsed.Get(key); v.Exists() && v.Type == gjson.Number {
				cost := v.Float()
				usage.Cost = &cost
				break
			}
		}

		var structured json.RawMessage
		if so := parsed.Get("structured_output"); so.Exists() {
			structured = json.RawMessage(so.Raw)
		}
		return usage, structured
	}
	return nil, nil
}
