package config

import (
	"fmt"

	"github.com/aristath/mise/internal/atomicfile"
)

// Save writes the station as YAML, creating parent directories as needed.
func Save(st *Station, path string) error {
	if err := atomicfile.WriteYAML(path, st); err != nil {
		return fmt.Errorf("writing station to %s: %w", path, err)
	}
	return nil
}
