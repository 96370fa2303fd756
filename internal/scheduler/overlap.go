package scheduler

import (
	"regexp"
	"strings"
)

var wildcardSuffix = regexp.MustCompile(`\*\*?.*$`)

// PathsOverlap reports whether two owned-path sets may touch the same files.
//
// Two empty sets conflict. An empty set never conflicts with a non-empty one.
// Otherwise the sets conflict when any pair of patterns is identical, or when
// the static prefix of one pattern is a prefix of the other's. Patterns with
// no static prefix never conflict by prefix.
func PathsOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	for _, pa := range a {
		for _, pb := range b {
			if pa == pb {
				return true
			}
			baseA := staticPrefix(pa)
			baseB := staticPrefix(pb)
			if baseA == "" || baseB == "" {
				continue
			}
			if strings.HasPrefix(baseA, baseB) || strings.HasPrefix(baseB, baseA) {
				return true
			}
		}
	}
	return false
}

// staticPrefix strips everything from the first wildcard on, plus trailing
// slashes: "src/api/**" -> "src/api".
func staticPrefix(pattern string) string {
	return strings.TrimRight(wildcardSuffix.ReplaceAllString(pattern, ""), "/")
}
