package config

import "github.com/spf13/viper"

// Default returns a station with every default applied.
func Default() *Station {
	return &Station{
		Project: Project{Name: "unnamed"},
		Backpressure: map[string]string{
			"test":      "",
			"lint":      "",
			"build":     "",
			"typecheck": "",
		},
		Rules:      []string{},
		Boundaries: []string{},
		Engine: Engine{
			Name:         "claude",
			Model:        "sonnet",
			AllowedTools: []string{},
		},
		Mode: Mode{
			Attended:    true,
			Parallel:    "off",
			MaxParallel: 4,
			MaxRetries:  2,
		},
		Runtime: Runtime{
			HeartbeatIntervalMS:    30000,
			StaleThresholdMS:       120000,
			KillGraceMS:            5000,
			BackpressureTimeoutMS:  300000,
			ClarificationTimeoutMS: 3600000,
		},
	}
}

// setDefaults registers every default with v so environment overrides apply
// even when the file omits a key.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("project.name", d.Project.Name)
	v.SetDefault("project.language", "")
	v.SetDefault("project.framework", "")
	v.SetDefault("project.package_manager", "")

	for name, cmd := range d.Backpressure {
		v.SetDefault("backpressure."+name, cmd)
	}

	v.SetDefault("rules", d.Rules)
	v.SetDefault("boundaries", d.Boundaries)

	v.SetDefault("engine.name", d.Engine.Name)
	v.SetDefault("engine.model", d.Engine.Model)
	v.SetDefault("engine.max_budget_usd", 0)
	v.SetDefault("engine.allowed_tools", d.Engine.AllowedTools)
	v.SetDefault("engine.system_prompt", "")

	v.SetDefault("mode.attended", d.Mode.Attended)
	v.SetDefault("mode.parallel", d.Mode.Parallel)
	v.SetDefault("mode.max_parallel", d.Mode.MaxParallel)
	v.SetDefault("mode.max_retries", d.Mode.MaxRetries)
	v.SetDefault("mode.skip_failures", d.Mode.SkipFailures)

	v.SetDefault("runtime.heartbeat_interval_ms", d.Runtime.HeartbeatIntervalMS)
	v.SetDefault("runtime.stale_threshold_ms", d.Runtime.StaleThresholdMS)
	v.SetDefault("runtime.kill_grace_ms", d.Runtime.KillGraceMS)
	v.SetDefault("runtime.backpressure_timeout_ms", d.Runtime.BackpressureTimeoutMS)
	v.SetDefault("runtime.clarification_timeout_ms", d.Runtime.ClarificationTimeoutMS)

	v.SetDefault("merge.retain_conflict_branches", d.Merge.RetainConflictBranches)
}
