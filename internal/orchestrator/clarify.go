package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/fsnotify/fsnotify"

	"github.com/aristath/mise/internal/driver"
)

// ErrClarificationTimeout is returned when no answer arrives in time.
var ErrClarificationTimeout = errors.New("timed out waiting for clarification answer")

// Answerer obtains a human answer to a task's question.
type Answerer interface {
	Answer(ctx context.Context, taskID, question string) (string, error)
}

// AnswerFunc adapts a function to Answerer.
type AnswerFunc func(ctx context.Context, taskID, question string) (string, error)

func (f AnswerFunc) Answer(ctx context.Context, taskID, question string) (string, error) {
	return f(ctx, taskID, question)
}

// TerminalAnswerer prompts on the controlling terminal.
type TerminalAnswerer struct{}

func (TerminalAnswerer) Answer(ctx context.Context, taskID, question string) (string, error) {
	var answer string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewText().
				Key("answer").
				Title(fmt.Sprintf("Clarification needed for task %s", taskID)).
				Description(question).
				Value(&answer).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("answer cannot be empty")
					}
					return nil
				}),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// AnswerFile is where `mise answer` leaves the answer for taskID.
func AnswerFile(stateDir, taskID string) string {
	return filepath.Join(stateDir, "answers", taskID+".md")
}

// FileAnswerer waits for a non-empty answer file written by another process.
// The file is consumed once read.
type FileAnswerer struct {
	StateDir string
	// Poll is the fallback interval used when a watch event is missed.
	Poll time.Duration
}

func (a FileAnswerer) read(taskID string) (string, bool) {
	path := AnswerFile(a.StateDir, taskID)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	answer := strings.TrimSpace(string(data))
	if answer == "" {
		return "", false
	}
	if err := os.Remove(path); err != nil {
		log.Printf("WARNING: failed to remove answer file %s: %v", path, err)
	}
	return answer, true
}

func (a FileAnswerer) Answer(ctx context.Context, taskID, _ string) (string, error) {
	dir := filepath.Dir(AnswerFile(a.StateDir, taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create answers directory: %w", err)
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
		}
	}
	if answer, ok := a.read(taskID); ok {
		return answer, nil
	}

	poll := a.Poll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != taskID+".md" || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
		case <-ticker.C:
		}
		if answer, ok := a.read(taskID); ok {
			return answer, nil
		}
	}
}

// Race asks every answerer at once and returns the first answer. The others
// are cancelled.
func Race(answerers ...Answerer) Answerer {
	return AnswerFunc(func(ctx context.Context, taskID, question string) (string, error) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		type reply struct {
			answer string
			err    error
		}
		replies := make(chan reply, len(answerers))
		for _, a := range answerers {
			go func() {
				answer, err := a.Answer(ctx, taskID, question)
				replies <- reply{answer, err}
			}()
		}

		var errs []error
		for range answerers {
			r := <-replies
			if r.err == nil {
				return r.answer, nil
			}
			errs = append(errs, r.err)
		}
		return "", errors.Join(errs...)
	})
}

// Clarifier turns a blocked task's question into prompt context for the
// re-execution.
type Clarifier struct {
	Answerer Answerer
	StateDir string
	Timeout  time.Duration
}

// Ask waits up to Timeout for an answer, removes the clarification file and
// returns the context to append to the task prompt.
func (c *Clarifier) Ask(ctx context.Context, taskID, question string) (string, error) {
	if c == nil || c.Answerer == nil {
		return "", fmt.Errorf("task %s needs clarification but no answerer is configured", taskID)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	answer, err := c.Answerer.Answer(ctx, taskID, question)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("task %s: %w after %s", taskID, ErrClarificationTimeout, c.Timeout)
		}
		return "", fmt.Errorf("task %s: failed to get clarification: %w", taskID, err)
	}

	path := driver.ClarificationPath(c.StateDir, taskID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("WARNING: failed to remove clarification file %s: %v", path, err)
	}
	return fmt.Sprintf("Previous question: %s\nAnswer: %s", question, answer), nil
}
