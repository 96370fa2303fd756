// Package progress records one line per finished task attempt in an
// append-only log and fans entries out to other sinks.
package progress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// timeLayout matches ISO-8601 with millisecond precision in UTC.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Entry is one attempt outcome. Nil token and cost fields are written as "unknown".
type Entry struct {
	Time      time.Time     `json:"time"`
	TaskID    string        `json:"task_id"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	TokensIn  *int64        `json:"tokens_in,omitempty"`
	TokensOut *int64        `json:"tokens_out,omitempty"`
	Cost      *float64      `json:"cost,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
}

// Sink receives progress entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Interrupt(ctx context.Context, taskID, reason string) error
}

func unknownOr(v *int64) string {
	if v == nil {
		return "unknown"
	}
	return strconv.FormatInt(*v, 10)
}

// Format renders e as a progress log line without the trailing newline.
func Format(e Entry) string {
	cost := "unknown"
	if e.Cost != nil {
		cost = fmt.Sprintf("$%.4f", *e.Cost)
	}
	return fmt.Sprintf("[%s] %s | %s | %.1fs | %s / %s | %s",
		e.Time.UTC().Format(timeLayout),
		e.TaskID,
		e.Status,
		e.Duration.Seconds(),
		unknownOr(e.TokensIn),
		unknownOr(e.TokensOut),
		cost,
	)
}

// FormatInterrupt renders an interruption line.
func FormatInterrupt(at time.Time, taskID, reason string) string {
	return fmt.Sprintf("[%s] %s | interrupted | %s", at.UTC().Format(timeLayout), taskID, reason)
}

// FileLog appends entries to a text file.
type FileLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewFileLog returns a FileLog writing to path.
func NewFileLog(path string) *FileLog {
	return &FileLog{path: path, now: time.Now}
}

// Path returns the log file location.
func (l *FileLog) Path() string { return l.path }

func (l *FileLog) appendLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create progress log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append progress log: %w", err)
	}
	return nil
}

// Record appends e. A zero Time is stamped with the current time.
func (l *FileLog) Record(_ context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = l.now()
	}
	return l.appendLine(Format(e))
}

// Interrupt appends an interruption line for taskID.
func (l *FileLog) Interrupt(_ context.Context, taskID, reason string) error {
	return l.appendLine(FormatInterrupt(l.now(), taskID, reason))
}

func (l *FileLog) lines() ([]string, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

// Recent returns the last n non-empty lines.
func (l *FileLog) Recent(n int) ([]string, error) {
	lines, err := l.lines()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress log: %w", err)
	}
	if n >= 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

var trailingCost = regexp.MustCompile(`\$(\d+\.?\d*)\s*$`)

// TotalCost sums the trailing dollar amount of every line.
func (l *FileLog) TotalCost() (float64, error) {
	lines, err := l.lines()
	if err != nil {
		return 0, fmt.Errorf("failed to read progress log: %w", err)
	}
	var total float64
	for _, line := range lines {
		m := trailingCost.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			total += v
		}
	}
	return total, nil
}

// Multi fans out to every non-nil sink, joining their errors.
func Multi(sinks ...Sink) Sink {
	var kept []Sink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return multi(kept)
}

type multi []Sink

func (m multi) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Interrupt(ctx context.Context, taskID, reason string) error {
	var errs []error
	for _, s := range m {
		if err := s.Interrupt(ctx, taskID, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }
