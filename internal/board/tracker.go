package board

import (
	"fmt"
	"log"
	"sync"

	"github.com/aristath/mise/internal/status"
)

// Tracker owns the in-memory board and applies status transitions to both the
// status store and the board's status mirror. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	path  string
	board *Board
	store *status.Store
}

// NewTracker loads the board at path.
func NewTracker(path string, store *status.Store) (*Tracker, error) {
	b, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Tracker{path: path, board: b, store: store}, nil
}

// Store returns the underlying status store.
func (t *Tracker) Store() *status.Store {
	return t.store
}

// Board returns a copy of the current board.
func (t *Tracker) Board() *Board {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t.board
	cp.Tasks = append([]Task(nil), t.board.Tasks...)
	return &cp
}

// Reload rereads the board from disk.
func (t *Tracker) Reload() error {
	b, err := Load(t.path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.board = b
	t.mu.Unlock()
	return nil
}

// Status returns the stored status of a task, pending if it has none or its
// record cannot be read.
func (t *Tracker) Status(id string) status.Status {
	s, err := t.store.Current(id)
	if err != nil {
		log.Printf("WARNING: treating task %s as pending: %v", id, err)
		return status.Pending
	}
	return s
}

// SetStatus transitions a task, mirrors the status into the board and saves
// the board.
func (t *Tracker) SetStatus(id string, to status.Status, extra status.Extra) (*status.Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := t.board.Task(id)
	if task == nil {
		return nil, fmt.Errorf("task %q not found on board", id)
	}
	rec, err := t.store.Transition(id, to, extra)
	if err != nil {
		return nil, err
	}
	task.Status = to
	if err := Save(t.path, t.board); err != nil {
		return rec, err
	}
	return rec, nil
}

// ReadyTasks returns pending tasks whose dependencies are all complete, in
// declaration order. Status comes from the store, never the mirror.
func (t *Tracker) ReadyTasks() ([]Task, error) {
	b := t.Board()
	statuses := make(map[string]status.Status, len(b.Tasks))
	for _, task := range b.Tasks {
		s, err := t.store.Current(task.ID)
		if err != nil {
			return nil, err
		}
		statuses[task.ID] = s
	}
	return Ready(b, func(id string) status.Status { return statuses[id] }), nil
}

// Ready filters b's tasks to those pending with every dependency complete.
func Ready(b *Board, statusOf func(id string) status.Status) []Task {
	var ready []Task
	for _, task := range b.Tasks {
		if statusOf(task.ID) != status.Pending {
			continue
		}
		ok := true
		for _, dep := range task.DependsOn {
			if statusOf(dep) != status.Complete {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready
}
