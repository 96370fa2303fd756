package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicMerge = "merge"
	TopicRun   = "run"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskOutput    = "task.output"
	EventTypeTaskStatus    = "task.status"
	EventTypeTaskCommitted = "task.committed"
	EventTypeTaskVerified  = "task.verified"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskBlocked   = "task.blocked"
	EventTypeBranchMerged  = "merge.merged"
	EventTypeMergeConflict = "merge.conflict"
	EventTypeRunStarted    = "run.started"
	EventTypeBatchStarted  = "run.batch"
	EventTypeRunProgress   = "run.progress"
	EventTypeRunFinished   = "run.finished"
	EventTypeNotice        = "run.notice"
)

// TaskStartedEvent is published when an attempt begins.
type TaskStartedEvent struct {
	ID        string
	Title     string
	Attempt   int
	RunID     string
	Dir       string
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent carries one line of engine output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) Topic() string     { return TopicTask }
func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskStatusEvent is published after every persisted transition.
type TaskStatusEvent struct {
	ID        string
	From      string
	To        string
	Note      string
	Timestamp time.Time
}

func (e TaskStatusEvent) Topic() string     { return TopicTask }
func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskCommittedEvent is published after the engine's changes are committed.
type TaskCommittedEvent struct {
	ID        string
	Files     []string
	Message   string
	Timestamp time.Time
}

func (e TaskCommittedEvent) Topic() string     { return TopicTask }
func (e TaskCommittedEvent) EventType() string { return EventTypeTaskCommitted }
func (e TaskCommittedEvent) TaskID() string    { return e.ID }

// TaskVerifiedEvent reports the verification outcome of one attempt.
type TaskVerifiedEvent struct {
	ID        string
	Attempt   int
	Passed    bool
	Failed    []string // Names of failing commands
	Timestamp time.Time
}

func (e TaskVerifiedEvent) Topic() string     { return TopicTask }
func (e TaskVerifiedEvent) EventType() string { return EventTypeTaskVerified }
func (e TaskVerifiedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	Duration  time.Duration
	Cost      *float64
	Timestamp time.Time
}

func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task stops for a clarification.
type TaskBlockedEvent struct {
	ID        string
	Question  string
	Timestamp time.Time
}

func (e TaskBlockedEvent) Topic() string     { return TopicTask }
func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// BranchMergedEvent is published when a task branch lands on the trunk.
type BranchMergedEvent struct {
	ID        string
	Branch    string
	Timestamp time.Time
}

func (e BranchMergedEvent) Topic() string     { return TopicMerge }
func (e BranchMergedEvent) EventType() string { return EventTypeBranchMerged }
func (e BranchMergedEvent) TaskID() string    { return e.ID }

// MergeConflictEvent is published when a task branch could not be merged.
type MergeConflictEvent struct {
	ID        string
	Branch    string
	Paths     []string
	Timestamp time.Time
}

func (e MergeConflictEvent) Topic() string     { return TopicMerge }
func (e MergeConflictEvent) EventType() string { return EventTypeMergeConflict }
func (e MergeConflictEvent) TaskID() string    { return e.ID }

// RunStartedEvent is published once the lock is held.
type RunStartedEvent struct {
	RunID     string
	Engine    string
	Attended  bool
	Timestamp time.Time
}

func (e RunStartedEvent) Topic() string     { return TopicRun }
func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return "" }

// BatchStartedEvent is published before a parallel batch is dispatched.
type BatchStartedEvent struct {
	TaskIDs   []string
	Timestamp time.Time
}

func (e BatchStartedEvent) Topic() string     { return TopicRun }
func (e BatchStartedEvent) EventType() string { return EventTypeBatchStarted }
func (e BatchStartedEvent) TaskID() string    { return "" }

// RunProgressEvent summarises the board after each iteration.
type RunProgressEvent struct {
	Total      int
	Completed  int
	InProgress int
	Failed     int
	Blocked    int
	Skipped    int
	Pending    int
	Timestamp  time.Time
}

func (e RunProgressEvent) Topic() string     { return TopicRun }
func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }

// RunFinishedEvent is published with the final summary.
type RunFinishedEvent struct {
	RunID       string
	Completed   int
	Failed      int
	Skipped     int
	Conflicts   []string
	TotalCost   float64
	Interrupted bool
	Timestamp   time.Time
}

func (e RunFinishedEvent) Topic() string     { return TopicRun }
func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

// Notice levels
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)

// NoticeEvent is a user-facing message that is not tied to a state change.
type NoticeEvent struct {
	ID        string // Optional task id
	Level     string
	Message   string
	Timestamp time.Time
}

func (e NoticeEvent) Topic() string     { return TopicRun }
func (e NoticeEvent) EventType() string { return EventTypeNotice }
func (e NoticeEvent) TaskID() string    { return e.ID }
