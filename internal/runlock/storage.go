package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/mise/internal/atomicfile"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// Storage persists the lock record. Create must fail with an error wrapping
// os.ErrExist when a record is already present.
type Storage interface {
	Create(data []byte) error
	Read() ([]byte, error)
	Write(data []byte) error
	Remove() error
}

// FileStorage keeps the lock record in a single file.
type FileStorage struct {
	Path string
}

// NewFileStorage returns FileStorage for path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{Path: path}
}

// Create writes the record only if no lock file exists.
func (s *FileStorage) Create(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(s.Path)
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync lock file: %w", err)
	}
	return f.Close()
}

// Read returns the raw record.
func (s *FileStorage) Read() ([]byte, error) {
	return os.ReadFile(s.Path)
}

// Write atomically replaces the record.
func (s *FileStorage) Write(data []byte) error {
	return atomicfile.WriteFile(s.Path, data, 0o644)
}

// Remove deletes the lock file. A missing file is not an error.
func (s *FileStorage) Remove() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file %s: %w", s.Path, err)
	}
	return nil
}

// MemoryStorage is an in-process Storage used by tests.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// Create stores data unless a record is present.
func (m *MemoryStorage) Create(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data != nil {
		return fmt.Errorf("memory lock: %w", os.ErrExist)
	}
	m.data = append([]byte(nil), data...)
	return nil
}

// Read returns os.ErrNotExist when empty.
func (m *MemoryStorage) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, os.ErrNotExist
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStorage) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}
