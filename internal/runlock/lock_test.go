package runlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(storage Storage, clock Clock, pid int, reset func() ([]string, error)) *Manager {
	return &Manager{
		Storage:    storage,
		Clock:      clock,
		PID:        pid,
		StaleAfter: 2 * time.Minute,
		Reset:      reset,
	}
}

// TestAcquireExclusive verifies a second manager cannot take a live lock.
func TestAcquireExclusive(t *testing.T) {
	storage := &MemoryStorage{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	first := newTestManager(storage, clock, 100, nil)
	second := newTestManager(storage, clock, 200, nil)

	ok, err := first.Acquire()
	if err != nil || !ok {
		t.Fatalf("Expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire()
	if err != nil {
		t.Fatalf("Expected no error from contended acquire, got: %v", err)
	}
	if ok {
		t.Fatal("Expected second acquire to fail while lock is live")
	}
	if err := second.AcquireOrFail(); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("Expected ErrLockHeld, got: %v", err)
	}
}

// TestAcquireTwiceWithoutRelease verifies the same manager cannot take its own
// live lock again until it releases it.
func TestAcquireTwiceWithoutRelease(t *testing.T) {
	storage := &MemoryStorage{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(storage, clock, 100, nil)

	ok, err := m.Acquire()
	if err != nil || !ok {
		t.Fatalf("Expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = m.Acquire()
	if err != nil {
		t.Fatalf("Expected no error from repeated acquire, got: %v", err)
	}
	if ok {
		t.Fatal("Expected repeated acquire to fail while lock is held")
	}
	if !m.Held() {
		t.Fatal("Expected manager to still hold the lock")
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	ok, err = m.Acquire()
	if err != nil || !ok {
		t.Fatalf("Expected acquire after release to succeed, got ok=%v err=%v", ok, err)
	}
}

// TestAcquireRecoversStaleLock verifies a stale holder is replaced and tasks are reset.
func TestAcquireRecoversStaleLock(t *testing.T) {
	storage := &MemoryStorage{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	crashed := newTestManager(storage, clock, 100, nil)
	if ok, err := crashed.Acquire(); err != nil || !ok {
		t.Fatalf("Expected acquire, got ok=%v err=%v", ok, err)
	}

	clock.Advance(3 * time.Minute)

	resetCalls := 0
	next := newTestManager(storage, clock, 200, func() ([]string, error) {
		resetCalls++
		return []string{"t1"}, nil
	})
	if !next.IsStale() {
		t.Fatal("Expected lock to be stale after 3 minutes without heartbeat")
	}
	ok, err := next.Acquire()
	if err != nil || !ok {
		t.Fatalf("Expected acquire after stale recovery, got ok=%v err=%v", ok, err)
	}
	if resetCalls != 1 {
		t.Errorf("Expected reset to run once, got %d", resetCalls)
	}

	owner, err := next.Owner()
	if err != nil {
		t.Fatalf("Owner failed: %v", err)
	}
	if owner.PID != 200 {
		t.Errorf("Expected new owner pid 200, got %d", owner.PID)
	}
}

// TestUnparseableLockIsStale verifies a garbage record counts as stale.
func TestUnparseableLockIsStale(t *testing.T) {
	storage := &MemoryStorage{}
	if err := storage.Create([]byte("{{not yaml")); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	m := newTestManager(storage, &fakeClock{now: time.Now()}, 1, nil)
	if !m.IsStale() {
		t.Fatal("Expected unparseable lock to be stale")
	}
	ids, err := m.Recover()
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if ids != nil {
		t.Errorf("Expected no reset ids without Reset func, got %v", ids)
	}
	if _, err := storage.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected lock removed, got: %v", err)
	}
}

// TestIsStaleWithoutLock verifies the absence of a lock is not stale.
func TestIsStaleWithoutLock(t *testing.T) {
	m := newTestManager(&MemoryStorage{}, &fakeClock{now: time.Now()}, 1, nil)
	if m.IsStale() {
		t.Fatal("Expected no lock to be not stale")
	}
	ids, err := m.Recover()
	if err != nil || ids != nil {
		t.Fatalf("Expected Recover no-op, got ids=%v err=%v", ids, err)
	}
}

// TestBeatKeepsLockFresh verifies heartbeats hold off staleness.
func TestBeatKeepsLockFresh(t *testing.T) {
	storage := &MemoryStorage{}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := newTestManager(storage, clock, 1, nil)
	if ok, _ := m.Acquire(); !ok {
		t.Fatal("Expected acquire")
	}

	for i := 0; i < 5; i++ {
		clock.Advance(time.Minute)
		if err := m.Beat(); err != nil {
			t.Fatalf("Beat failed: %v", err)
		}
	}
	if m.IsStale() {
		t.Fatal("Expected lock to stay fresh while heartbeating")
	}

	owner, _ := m.Owner()
	if !owner.HeartbeatAt.Equal(clock.Now()) {
		t.Errorf("Expected heartbeat %v, got %v", clock.Now(), owner.HeartbeatAt)
	}
	if owner.StartedAt.Equal(owner.HeartbeatAt) {
		t.Error("Expected started_at to be preserved across beats")
	}
}

// TestReleaseIdempotent verifies release only removes an owned lock and can repeat.
func TestReleaseIdempotent(t *testing.T) {
	storage := &MemoryStorage{}
	clock := &fakeClock{now: time.Now()}
	owner := newTestManager(storage, clock, 1, nil)
	other := newTestManager(storage, clock, 2, nil)

	if ok, _ := owner.Acquire(); !ok {
		t.Fatal("Expected acquire")
	}
	if err := other.Release(); err != nil {
		t.Fatalf("Release by non-owner failed: %v", err)
	}
	if _, err := storage.Read(); err != nil {
		t.Fatalf("Expected non-owner release to leave lock, got: %v", err)
	}

	if err := owner.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := owner.Release(); err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if owner.Held() {
		t.Error("Expected lock not held after release")
	}
	if err := owner.Beat(); err == nil {
		t.Error("Expected Beat to fail after release")
	}
}

// TestStartHeartbeatStop verifies the heartbeat goroutine beats and stops cleanly.
func TestStartHeartbeatStop(t *testing.T) {
	storage := &MemoryStorage{}
	m := newTestManager(storage, SystemClock(), 1, nil)
	if ok, _ := m.Acquire(); !ok {
		t.Fatal("Expected acquire")
	}
	before, _ := m.Owner()

	stop := m.StartHeartbeat(context.Background(), 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()
	stop()

	after, _ := m.Owner()
	if !after.HeartbeatAt.After(before.HeartbeatAt) {
		t.Errorf("Expected heartbeat to advance, before=%v after=%v", before.HeartbeatAt, after.HeartbeatAt)
	}
}

// TestFileStorage verifies exclusive create semantics on disk.
func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".mise", "run.lock")
	m := NewManager(path, time.Minute, nil)

	ok, err := m.Acquire()
	if err != nil || !ok {
		t.Fatalf("Expected acquire, got ok=%v err=%v", ok, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	if !strings.Contains(string(data), "pid:") || !strings.Contains(string(data), "heartbeat_at:") {
		t.Errorf("Expected yaml lock record, got: %s", data)
	}

	if err := NewFileStorage(path).Create([]byte("x")); !errors.Is(err, os.ErrExist) {
		t.Fatalf("Expected os.ErrExist, got: %v", err)
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Expected lock file removed, got: %v", err)
	}
}
