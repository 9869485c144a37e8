package types

import "time"

// TaskKind is the work a task performs on its document.
type TaskKind string

const (
	TaskIndex  TaskKind = "index"
	TaskDelete TaskKind = "delete"
)

// TaskState is the lifecycle position of a task.
type TaskState string

const (
	TaskQueued          TaskState = "queued"
	TaskRunning         TaskState = "running"
	TaskCompleted       TaskState = "completed"
	TaskFailedRetryable TaskState = "failed-retryable"
	TaskFailedPermanent TaskState = "failed-permanent"
	TaskCancelled       TaskState = "cancelled"
)

// Task is a unit of indexing work keyed by document.
type Task struct {
	ID          string
	Kind        TaskKind
	DocumentKey string
	Path        string
	// Force re-indexes even when the content hash is unchanged.
	Force       bool
	SubmittedAt time.Time
	Attempt     int
}
