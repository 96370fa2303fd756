package status

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/mise/internal/atomicfile"
)

// Record is the persisted status of one task.
type Record struct {
	TaskID    string    `yaml:"task_id" json:"task_id"`
	Status    Status    `yaml:"status" json:"status"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
	RunID     string    `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Attempt   int       `yaml:"attempt,omitempty" json:"attempt,omitempty"`
	Error     string    `yaml:"error,omitempty" json:"error,omitempty"`
	Note      string    `yaml:"note,omitempty" json:"note,omitempty"`
}

// Extra carries the optional fields recorded alongside a transition.
type Extra struct {
	RunID   string
	Attempt int
	Error   string
	Note    string
}

// Store keeps one YAML file per task under a directory.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// SetClock overrides the time source used for updated_at.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Dir returns the directory holding the status files.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".yaml")
}

// Read returns the stored record, or nil when the task has none yet.
func (s *Store) Read(taskID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(taskID)
}

func (s *Store) read(taskID string) (*Record, error) {
	if err := ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status for %s: %w", taskID, err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse status for %s: %w", taskID, err)
	}
	if !rec.Status.IsValid() {
		return nil, fmt.Errorf("status file for %s has unknown status %q", taskID, rec.Status)
	}
	rec.TaskID = taskID
	return &rec, nil
}

// Current returns the task's status, treating a missing record as pending.
func (s *Store) Current(taskID string) (Status, error) {
	rec, err := s.Read(taskID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return Pending, nil
	}
	return rec.Status, nil
}

// Write atomically replaces the task's record.
func (s *Store) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(&rec)
}

func (s *Store) write(rec *Record) error {
	if err := ValidateTaskID(rec.TaskID); err != nil {
		return err
	}
	if !rec.Status.IsValid() {
		return fmt.Errorf("refusing to write unknown status %q for %s", rec.Status, rec.TaskID)
	}
	rec.UpdatedAt = s.now().UTC()
	if err := atomicfile.WriteYAML(s.path(rec.TaskID), rec); err != nil {
		return fmt.Errorf("failed to write status for %s: %w", rec.TaskID, err)
	}
	return nil
}

// Transition moves the task from its current status to `to`. Disallowed
// changes return an error wrapping ErrInvalidTransition and leave the stored
// record untouched.
func (s *Store) Transition(taskID string, to Status, extra Extra) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(taskID)
	if err != nil {
		return nil, err
	}
	from := Pending
	if cur != nil {
		from = cur.Status
	}
	if err := ValidateTransition(from, to); err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}

	rec := &Record{
		TaskID:  taskID,
		Status:  to,
		RunID:   extra.RunID,
		Attempt: extra.Attempt,
		Error:   extra.Error,
		Note:    extra.Note,
	}
	if err := s.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every stored record sorted by task id.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list status dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].TaskID < records[j].TaskID })
	return records, nil
}

// ResetInProgress moves every in_progress record back to pending with note
// and returns the affected task ids.
func (s *Store) ResetInProgress(note string) ([]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	var reset []string
	for _, rec := range records {
		if rec.Status != InProgress {
			continue
		}
		if _, err := s.Transition(rec.TaskID, Pending, Extra{RunID: rec.RunID, Note: note}); err != nil {
			return reset, err
		}
		reset = append(reset, rec.TaskID)
	}
	return reset, nil
}
