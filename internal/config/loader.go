package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. MISE_MODE_PARALLEL=auto.
const EnvPrefix = "MISE"

var validEngines = map[string]bool{"claude": true, "cursor": true}

// Load reads the station at path. A missing file yields the defaults.
// Precedence (highest to lowest): MISE_* environment variables, the file, defaults.
func Load(path string) (*Station, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading station %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading station %s: %w", path, err)
		}
	}

	st := &Station{}
	if err := v.Unmarshal(st); err != nil {
		return nil, fmt.Errorf("unmarshaling station: %w", err)
	}
	if st.Backpressure == nil {
		st.Backpressure = map[string]string{}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Validate rejects values the loop cannot run with.
func (s *Station) Validate() error {
	var errs []error

	if !validEngines[s.Engine.Name] {
		errs = append(errs, fmt.Errorf("engine.name: unknown engine %q (supported: claude, cursor)", s.Engine.Name))
	}
	switch p := strings.ToLower(strings.TrimSpace(s.Mode.Parallel)); p {
	case "off", "auto", "false", "0":
	default:
		if n, err := strconv.Atoi(p); err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("mode.parallel: want off, auto or a positive integer, got %q", s.Mode.Parallel))
		}
	}
	if s.Mode.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("mode.max_parallel: must be positive, got %d", s.Mode.MaxParallel))
	}
	if s.Mode.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("mode.max_retries: must be positive, got %d", s.Mode.MaxRetries))
	}
	if s.Engine.MaxBudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("engine.max_budget_usd: must not be negative"))
	}

	for _, f := range []struct {
		key   string
		value int
	}{
		{"runtime.heartbeat_interval_ms", s.Runtime.HeartbeatIntervalMS},
		{"runtime.stale_threshold_ms", s.Runtime.StaleThresholdMS},
		{"runtime.kill_grace_ms", s.Runtime.KillGraceMS},
		{"runtime.backpressure_timeout_ms", s.Runtime.BackpressureTimeoutMS},
		{"runtime.clarification_timeout_ms", s.Runtime.ClarificationTimeoutMS},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", f.key, f.value))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid station: %w", errors.Join(errs...))
	}
	return nil
}
