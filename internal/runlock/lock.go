// Package runlock provides the exclusive project run lock and its heartbeat.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStaleAfter is how old a heartbeat may get before the lock is considered abandoned.
const DefaultStaleAfter = 120 * time.Second

// ResetNote is recorded on tasks reset by stale lock recovery.
const ResetNote = "Reset from stale lock recovery"

var (
	// ErrLockHeld is returned when another live process owns the lock.
	ErrLockHeld = errors.New("run lock already held")
	// ErrStaleLock marks a lock record that is unreadable or past its heartbeat threshold.
	ErrStaleLock = errors.New("stale run lock")
)

// Record is the persisted lock content.
type Record struct {
	PID         int       `yaml:"pid" json:"pid"`
	StartedAt   time.Time `yaml:"started_at" json:"started_at"`
	HeartbeatAt time.Time `yaml:"heartbeat_at" json:"heartbeat_at"`
}

// Age reports how long ago the last heartbeat was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.HeartbeatAt)
}

// Manager acquires, refreshes and releases the run lock.
type Manager struct {
	Storage    Storage
	Clock      Clock
	PID        int
	StaleAfter time.Duration
	// Reset returns every in_progress task to pending during stale recovery.
	Reset func() ([]string, error)

	mu    sync.Mutex
	owned *Record
}

// NewManager returns a Manager for the lock file at path using the current process id.
func NewManager(path string, staleAfter time.Duration, reset func() ([]string, error)) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		Storage:    NewFileStorage(path),
		Clock:      SystemClock(),
		PID:        os.Getpid(),
		StaleAfter: staleAfter,
		Reset:      reset,
	}
}

func (m *Manager) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now().UTC()
}

func (m *Manager) staleAfter() time.Duration {
	if m.StaleAfter <= 0 {
		return DefaultStaleAfter
	}
	return m.StaleAfter
}

// Acquire creates the lock exclusively. It returns false with a nil error when
// a live holder exists, including this manager itself. Stale or unreadable
// locks are recovered and the create is retried once.
func (m *Manager) Acquire() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := m.tryCreate()
	if ok || err != nil {
		return ok, err
	}

	_, err = m.current()
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		// released between our create and read
		return m.tryCreate()
	case !errors.Is(err, ErrStaleLock):
		return false, err
	}

	if _, err := m.recoverLocked(); err != nil {
		return false, err
	}
	return m.tryCreate()
}

// AcquireOrFail is Acquire with a live holder reported as ErrLockHeld.
func (m *Manager) AcquireOrFail() error {
	ok, err := m.Acquire()
	if err != nil {
		return err
	}
	if !ok {
		if rec, rerr := m.Owner(); rerr == nil && rec != nil {
			return fmt.Errorf("%w by pid %d since %s", ErrLockHeld, rec.PID, rec.StartedAt.Format(time.RFC3339))
		}
		return ErrLockHeld
	}
	return nil
}

func (m *Manager) tryCreate() (bool, error) {
	now := m.now()
	rec := Record{PID: m.PID, StartedAt: now, HeartbeatAt: now}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode lock record: %w", err)
	}
	if err := m.Storage.Create(data); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create run lock: %w", err)
	}
	m.owned = &rec
	return true, nil
}

// current returns the live lock record, or an error wrapping ErrStaleLock
// when it is unreadable or past the threshold, or os.ErrNotExist.
func (m *Manager) current() (*Record, error) {
	data, err := m.Storage.Read()
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil || rec.HeartbeatAt.IsZero() {
		return nil, fmt.Errorf("%w: unreadable record", ErrStaleLock)
	}
	if age := rec.Age(m.now()); age > m.staleAfter() {
		return &rec, fmt.Errorf("%w: heartbeat %s old (pid %d)", ErrStaleLock, age.Round(time.Second), rec.PID)
	}
	return &rec, nil
}

// IsStale reports whether a lock exists that is unreadable or whose heartbeat is too old.
func (m *Manager) IsStale() bool {
	_, err := m.current()
	return errors.Is(err, ErrStaleLock)
}

// Recover removes a stale lock and resets in_progress tasks. It returns the
// ids that were reset, or nil when the lock was not stale.
func (m *Manager) Recover() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.current(); !errors.Is(err, ErrStaleLock) {
		return nil, nil
	}
	return m.recoverLocked()
}

func (m *Manager) recoverLocked() ([]string, error) {
	log.Printf("WARNING: removing stale run lock")
	if err := m.Storage.Remove(); err != nil {
		return nil, err
	}
	if m.Reset == nil {
		return nil, nil
	}
	ids, err := m.Reset()
	if err != nil {
		return ids, fmt.Errorf("failed to reset in-progress tasks: %w", err)
	}
	return ids, nil
}

// Release removes the lock if this manager owns it. Calling it again is a no-op.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owned == nil {
		return nil
	}
	owned := m.owned
	m.owned = nil

	data, err := m.Storage.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read run lock: %w", err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err == nil {
		if rec.PID != owned.PID || !rec.StartedAt.Equal(owned.StartedAt) {
			log.Printf("WARNING: run lock now belongs to pid %d, leaving it in place", rec.PID)
			return nil
		}
	}
	return m.Storage.Remove()
}

// Held reports whether this manager currently owns the lock.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned != nil
}

// Beat rewrites heartbeat_at on the owned lock.
func (m *Manager) Beat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owned == nil {
		return errors.New("run lock not held")
	}
	rec := *m.owned
	rec.HeartbeatAt = m.now()
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}
	if err := m.Storage.Write(data); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	m.owned = &rec
	return nil
}

// StartHeartbeat beats every interval until ctx is done or stop is called.
// stop may be called more than once.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Beat(); err != nil {
					log.Printf("WARNING: heartbeat failed: %v", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Owner returns the current lock record without judging staleness, or nil when
// no lock exists.
func (m *Manager) Owner() (*Record, error) {
	data, err := m.Storage.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleLock, err)
	}
	return &rec, nil
}
