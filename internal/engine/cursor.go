package engine

import (
	"context"
	"fmt"
)

// Cursor drives `cursor agent`. Its stream-json output carries no usage.
type Cursor struct {
	// Binary overrides the executable. Defaults to "cursor".
	Binary string
}

func (c *Cursor) Name() string { return "cursor" }

func (c *Cursor) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "cursor"
}

func (c *Cursor) Check(ctx context.Context) bool {
	return runVersion(ctx, c.binary(), nil)
}

func (c *Cursor) buildArgs(opts RunOptions) []string {
	args := []string{"agent", "-p", "--output-format", "stream-json", "--trust", "--force"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

func (c *Cursor) Run(ctx context.Context, prompt string, opts RunOptions) (*Result, error) {
	cmd := newCommand(ctx, c.binary(), c.buildArgs(opts)...)
	cmd.Dir = opts.Cwd

	res, err := executeCommand(cmd, prompt, opts.Output, opts.OnSpawn)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn cursor: %w", err)
	}
	return res, nil
}
