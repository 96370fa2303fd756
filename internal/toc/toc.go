// Package toc maintains a small table of contents of a project's entry-point
// files, refreshed when any listed file changes.
package toc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/match"
	"gopkg.in/yaml.v3"

	"github.com/aristath/mise/internal/atomicfile"
)

const (
	TOCFile  = "toc.md"
	MetaFile = "toc.meta.yaml"

	// MaxEntries caps the number of files listed.
	MaxEntries = 100
)

// Patterns are matched in order against slash-separated paths relative to the
// project root. "**" spans directories, "*" does not.
var Patterns = []string{
	"README*",
	"docs/**/*.md",
	"doc/**/*.md",
	"ARCHITECTURE*",
	"DESIGN*",
	"CONTRIBUTING*",
	"CHANGELOG*",
	"src/main.*",
	"src/index.*",
	"src/app.*",
	"src/lib.*",
	"app/layout.*",
	"app/page.*",
	"pages/index.*",
	"pages/_app.*",
}

var skipDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"dist":         true,
}

// Entry is one listed file.
type Entry struct {
	Path    string
	Purpose string
}

// Meta records the content fingerprint of every listed file.
type Meta struct {
	GeneratedAt  time.Time         `yaml:"generated_at"`
	Fingerprints map[string]string `yaml:"fingerprints"`
}

var headingRe = regexp.MustCompile(`(?m)^#\s+(.+)`)

func fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

func purpose(rel string, content []byte) string {
	if m := headingRe.FindSubmatch(content); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "/*") {
			p := strings.TrimSpace(strings.TrimLeft(line, "/#* \t"))
			if len(p) > 80 {
				p = p[:80]
			}
			return p
		}
		break
	}
	return path.Base(rel)
}

// files lists every non-hidden regular file under dir as relative slash paths.
func files(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if p == dir {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || skipDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

// Match reports whether rel is matched by pattern.
func Match(pattern, rel string) bool {
	if !strings.Contains(pattern, "**") && strings.Count(pattern, "/") != strings.Count(rel, "/") {
		return false
	}
	// match's "*" already crosses "/", so "/**/" collapses to "/*"
	return match.Match(rel, strings.ReplaceAll(pattern, "/**/", "/*"))
}

// Generate lists the project's entry-point files with a one-line purpose each.
func Generate(projectDir string) ([]Entry, error) {
	all, err := files(projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", projectDir, err)
	}
	sort.Strings(all)

	seen := make(map[string]bool)
	var entries []Entry
	for _, pattern := range Patterns {
		for _, rel := range all {
			if seen[rel] || !Match(pattern, rel) {
				continue
			}
			seen[rel] = true
			content, err := os.ReadFile(filepath.Join(projectDir, filepath.FromSlash(rel)))
			if err != nil {
				entries = append(entries, Entry{Path: rel, Purpose: rel})
			} else {
				entries = append(entries, Entry{Path: rel, Purpose: purpose(rel, content)})
			}
			if len(entries) >= MaxEntries {
				return entries, nil
			}
		}
	}
	return entries, nil
}

// Render formats entries as the toc.md markdown table.
func Render(entries []Entry) string {
	var b strings.Builder
	b.WriteString("# Table of Contents\n\n| File | Purpose |\n|------|---------|\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "| `%s` | %s |\n", e.Path, e.Purpose)
	}
	return b.String()
}

// Write regenerates toc.md and toc.meta.yaml under miseDir.
func Write(miseDir, projectDir string) error {
	entries, err := Generate(projectDir)
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(filepath.Join(miseDir, TOCFile), []byte(Render(entries)), 0o644); err != nil {
		return fmt.Errorf("failed to write toc: %w", err)
	}

	meta := Meta{GeneratedAt: time.Now().UTC(), Fingerprints: make(map[string]string, len(entries))}
	for _, e := range entries {
		content, err := os.ReadFile(filepath.Join(projectDir, filepath.FromSlash(e.Path)))
		if err != nil {
			continue
		}
		meta.Fingerprints[e.Path] = fingerprint(content)
	}
	if err := atomicfile.WriteYAML(filepath.Join(miseDir, MetaFile), meta); err != nil {
		return fmt.Errorf("failed to write toc meta: %w", err)
	}
	return nil
}

// HasDrifted reports whether any fingerprinted file changed or disappeared
// since the last Write. A missing or unreadable meta file counts as drift.
func HasDrifted(miseDir, projectDir string) bool {
	data, err := os.ReadFile(filepath.Join(miseDir, MetaFile))
	if err != nil {
		return true
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return true
	}
	for rel, saved := range meta.Fingerprints {
		content, err := os.ReadFile(filepath.Join(projectDir, filepath.FromSlash(rel)))
		if err != nil || fingerprint(content) != saved {
			return true
		}
	}
	return false
}

// RefreshIfNeeded rewrites the TOC when it has drifted and reports whether it did.
func RefreshIfNeeded(miseDir, projectDir string) (bool, error) {
	if !HasDrifted(miseDir, projectDir) {
		return false, nil
	}
	if err := Write(miseDir, projectDir); err != nil {
		return false, err
	}
	return true, nil
}

// Read returns the current toc.md, or "" when none has been written.
func Read(miseDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(miseDir, TOCFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read toc: %w", err)
	}
	return string(data), nil
}
