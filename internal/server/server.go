// Package server exposes a read-only HTTP view of a project's board, progress
// and run lock for `mise serve`.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/aristath/mise/internal/board"
	"github.com/aristath/mise/internal/persistence"
	"github.com/aristath/mise/internal/progress"
	"github.com/aristath/mise/internal/runlock"
	"github.com/aristath/mise/internal/status"
)

// Config wires the server to a project's state.
type Config struct {
	Tracker  *board.Tracker
	Lock     *runlock.Manager
	Progress *progress.FileLog
	Ledger   persistence.Store // Optional; preferred over Progress for /progress
	Now      func() time.Time
}

// Server is the read-only API.
type Server struct {
	cfg    Config
	router chi.Router
}

// TaskView is a board task with its persisted status record.
type TaskView struct {
	board.Task
	Record *status.Record `json:"record,omitempty"`
}

// LockView describes the run lock.
type LockView struct {
	Held        bool       `json:"held"`
	Stale       bool       `json:"stale"`
	PID         int        `json:"pid,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	AgeSeconds  float64    `json:"age_seconds,omitempty"`
}

// ProgressView holds recent progress, structured when a ledger is configured.
type ProgressView struct {
	Lines   []string         `json:"lines,omitempty"`
	Entries []progress.Entry `json:"entries,omitempty"`
}

// New builds the router and registers every operation.
func New(cfg Config) (*Server, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("server needs a board tracker")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("mise", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)

	s := &Server{cfg: cfg, router: router}
	s.registerHealth(api)
	s.registerBoard(api)
	s.registerTasks(api)
	s.registerProgress(api)
	s.registerRuns(api)
	s.registerLock(api)
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (s *Server) registerBoard(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/board",
		Summary:     "Board with current statuses",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body *board.Board `json:"body"`
	}, error) {
		if err := s.cfg.Tracker.Reload(); err != nil {
			return nil, huma.Error500InternalServerError("failed to load board", err)
		}
		return &struct {
			Body *board.Board `json:"body"`
		}{Body: s.cfg.Tracker.Board()}, nil
	})
}

func (s *Server) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Task definition and status record",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskView `json:"body"`
	}, error) {
		if err := s.cfg.Tracker.Reload(); err != nil {
			return nil, huma.Error500InternalServerError("failed to load board", err)
		}
		task := s.cfg.Tracker.Board().Task(input.ID)
		if task == nil {
			return nil, huma.Error404NotFound("task " + input.ID + " not found")
		}
		view := TaskView{Task: *task}
		rec, err := s.cfg.Tracker.Store().Read(input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read status", err)
		}
		view.Record = rec
		return &struct {
			Body TaskView `json:"body"`
		}{Body: view}, nil
	})
}

func (s *Server) registerProgress(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "Recent progress entries",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit" default:"20" minimum:"1" maximum:"1000"`
		Task  string `query:"task"`
	}) (*struct {
		Body ProgressView `json:"body"`
	}, error) {
		var view ProgressView
		switch {
		case s.cfg.Ledger != nil:
			entries, err := s.cfg.Ledger.Entries(ctx, persistence.Filter{TaskID: input.Task, Limit: input.Limit})
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to read ledger", err)
			}
			view.Entries = entries
		case s.cfg.Progress != nil:
			lines, err := s.cfg.Progress.Recent(-1)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to read progress log", err)
			}
			if input.Task != "" {
				lines = filterTask(lines, input.Task)
			}
			if len(lines) > input.Limit {
				lines = lines[len(lines)-input.Limit:]
			}
			view.Lines = lines
		}
		return &struct {
			Body ProgressView `json:"body"`
		}{Body: view}, nil
	})
}

// filterTask keeps lines of the form "[<time>] <task> | ...".
func filterTask(lines []string, taskID string) []string {
	var out []string
	for _, line := range lines {
		head, _, _ := strings.Cut(line, " | ")
		if strings.HasSuffix(head, "] "+taskID) {
			out = append(out, line)
		}
	}
	return out
}

func (s *Server) registerRuns(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "Recent runs from the ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10" minimum:"1" maximum:"100"`
	}) (*struct {
		Body []persistence.Run `json:"body"`
	}, error) {
		if s.cfg.Ledger == nil {
			return nil, huma.Error404NotFound("no run ledger configured")
		}
		runs, err := s.cfg.Ledger.Runs(ctx, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to read runs", err)
		}
		return &struct {
			Body []persistence.Run `json:"body"`
		}{Body: runs}, nil
	})
}

func (s *Server) registerLock(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "lock",
		Method:      http.MethodGet,
		Path:        "/lock",
		Summary:     "Run lock owner",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LockView `json:"body"`
	}, error) {
		var view LockView
		if s.cfg.Lock != nil {
			rec, err := s.cfg.Lock.Owner()
			switch {
			case errors.Is(err, runlock.ErrStaleLock):
				view.Held, view.Stale = true, true
			case err != nil:
				return nil, huma.Error500InternalServerError("failed to read lock", err)
			case rec != nil:
				view.Held = true
				view.Stale = s.cfg.Lock.IsStale()
				view.PID = rec.PID
				view.StartedAt = &rec.StartedAt
				view.HeartbeatAt = &rec.HeartbeatAt
				view.AgeSeconds = rec.Age(s.cfg.Now()).Seconds()
			}
		}
		return &struct {
			Body LockView `json:"body"`
		}{Body: view}, nil
	})
}
