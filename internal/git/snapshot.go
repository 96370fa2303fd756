package git

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// snapshotIgnore lists directory names never descended into.
var snapshotIgnore = map[string]bool{
	".git":         true,
	"node_modules": true,
	".mise":        true,
	"__pycache__":  true,
	".venv":        true,
	"dist":         true,
	".next":        true,
}

// FileInfo is the metadata compared between snapshots.
type FileInfo struct {
	Size    int64
	ModTime time.Time
}

// FileState maps slash-separated relative paths to file metadata.
type FileState map[string]FileInfo

// Snapshot records size and modification time of every regular file under
// dir, skipping version-control and build-artifact directories.
func Snapshot(dir string) (FileState, error) {
	state := make(FileState)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, the root is not
			if path == dir {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && snapshotIgnore[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if snapshotIgnore[d.Name()] || !d.Type().IsRegular() {
			// .git is a file inside linked worktrees
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, os.ErrNotExist) {
			// Removed between listing and stat
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		state[filepath.ToSlash(rel)] = FileInfo{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ChangedFiles walks dir again and returns, sorted, every path that was added,
// modified or removed relative to baseline.
func ChangedFiles(dir string, baseline FileState) ([]string, error) {
	current, err := Snapshot(dir)
	if err != nil {
		return nil, err
	}
	return Diff(baseline, current), nil
}

// Diff compares two snapshots.
func Diff(before, after FileState) []string {
	var changed []string
	for path, info := range after {
		prev, ok := before[path]
		if !ok || prev.Size != info.Size || !prev.ModTime.Equal(info.ModTime) {
			changed = append(changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
