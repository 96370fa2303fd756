// Package config loads the project station file (.mise/station.yaml).
package config

import (
	"strconv"
	"strings"
	"time"
)

// Project describes the repository being worked on.
type Project struct {
	Name           string `mapstructure:"name" yaml:"name"`
	Language       string `mapstructure:"language" yaml:"language,omitempty"`
	Framework      string `mapstructure:"framework" yaml:"framework,omitempty"`
	PackageManager string `mapstructure:"package_manager" yaml:"package_manager,omitempty"`
}

// Engine selects and configures the coding-agent CLI.
type Engine struct {
	Name         string   `mapstructure:"name" yaml:"name"`   // "claude" or "cursor"
	Model        string   `mapstructure:"model" yaml:"model"` // Passed through as --model
	MaxBudgetUSD float64  `mapstructure:"max_budget_usd" yaml:"max_budget_usd,omitempty"`
	AllowedTools []string `mapstructure:"allowed_tools" yaml:"allowed_tools,omitempty"`
	SystemPrompt string   `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
}

// Mode controls interaction and concurrency.
type Mode struct {
	Attended     bool   `mapstructure:"attended" yaml:"attended"`
	Parallel     string `mapstructure:"parallel" yaml:"parallel"` // "off", "auto" or a positive integer
	MaxParallel  int    `mapstructure:"max_parallel" yaml:"max_parallel"`
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"` // Total attempts per task
	SkipFailures bool   `mapstructure:"skip_failures" yaml:"skip_failures"`
}

// ParallelCap returns the maximum batch size, or 0 when parallel execution is off.
// "auto" uses MaxParallel; an explicit number is used as is.
func (m Mode) ParallelCap() int {
	switch p := strings.TrimSpace(strings.ToLower(m.Parallel)); p {
	case "", "off", "false", "0":
		return 0
	case "auto":
		if m.MaxParallel < 1 {
			return 1
		}
		return m.MaxParallel
	default:
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return 0
		}
		return n
	}
}

// Runtime holds timing knobs, all in milliseconds.
type Runtime struct {
	HeartbeatIntervalMS    int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	StaleThresholdMS       int `mapstructure:"stale_threshold_ms" yaml:"stale_threshold_ms"`
	KillGraceMS            int `mapstructure:"kill_grace_ms" yaml:"kill_grace_ms"`
	BackpressureTimeoutMS  int `mapstructure:"backpressure_timeout_ms" yaml:"backpressure_timeout_ms"`
	ClarificationTimeoutMS int `mapstructure:"clarification_timeout_ms" yaml:"clarification_timeout_ms"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r Runtime) HeartbeatInterval() time.Duration { return ms(r.HeartbeatIntervalMS) }
func (r Runtime) StaleThreshold() time.Duration { return ms(r.StaleThresholdMS) }
func (r Runtime) KillGrace() time.Duration { return ms(r.KillGraceMS) }
func (r Runtime) BackpressureTimeout() time.Duration { return ms(r.BackpressureTimeoutMS) }
func (r Runtime) ClarificationTimeout() time.Duration { return ms(r.ClarificationTimeoutMS) }

// Merge configures branch handling after parallel batches.
type Merge struct {
	RetainConflictBranches bool `mapstructure:"retain_conflict_branches" yaml:"retain_conflict_branches"`
}

// Station is the whole per-project configuration.
type Station struct {
	Project      Project           `mapstructure:"project" yaml:"project"`
	Backpressure map[string]string `mapstructure:"backpressure" yaml:"backpressure"` // Name -> shell command
	Rules        []string          `mapstructure:"rules" yaml:"rules"`
	Boundaries   []string          `mapstructure:"boundaries" yaml:"boundaries"`
	Engine       Engine            `mapstructure:"engine" yaml:"engine"`
	Mode         Mode              `mapstructure:"mode" yaml:"mode"`
	Runtime      Runtime           `mapstructure:"runtime" yaml:"runtime"`
	Merge        Merge             `mapstructure:"merge" yaml:"merge"`
}
