package session

import "time"

// Status is the lifecycle status of a session. The transition
// running → exited is one-way; a recreated session with the same
// name is a new entity.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// ActivityState is the coarse idle/busy classification derived from
// lifecycle hook events. It is a separate axis from Status, except
// that ActivityExited always implies StatusExited.
type ActivityState string

const (
	ActivityIdle   ActivityState = "idle"
	ActivityBusy   ActivityState = "busy"
	ActivityExited ActivityState = "exited"
)

// Source records how a session entered the registry.
type Source string

const (
	// SourceCloud marks sessions created through the bridge.
	SourceCloud Source = "cloud"
	// SourceLocal marks sessions discovered already running in tmux.
	SourceLocal Source = "local"
)

// CloudNamePrefix tags bridge-created tmux sessions so reconciliation
// can recognize them even after a bridge restart.
const CloudNamePrefix = "cloud-"

// TaskStatus holds derived task metrics for a session. Counters never
// decrease except when the session record is replaced.
type TaskStatus struct {
	CurrentTool     string     `json:"currentTool,omitempty"`
	ToolUseCount    int        `json:"toolUseCount"`
	TokenCount      int        `json:"tokenCount"`
	TaskStartTime   *time.Time `json:"taskStartTime,omitempty"`
	TaskCompletedAt *time.Time `json:"taskCompletedAt,omitempty"`
}

// Summary is the client-facing view of a session.
type Summary struct {
	Name          string        `json:"name"`
	Status        Status        `json:"status"`
	ActivityState ActivityState `json:"activityState"`
	Cwd           string        `json:"cwd"`
	Cols          int           `json:"cols"`
	Rows          int           `json:"rows"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastActivity  time.Time     `json:"lastActivity"`
	ClientCount   int           `json:"clientCount"`
	Attached      bool          `json:"attached"`
	Source        Source        `json:"source"`
}

// EventKind distinguishes the events a session delivers to its clients.
type EventKind string

const (
	EventOutput   EventKind = "output"
	EventHistory  EventKind = "history"
	EventExit     EventKind = "exit"
	EventActivity EventKind = "activity"
)

// Event is a single fan-out unit delivered to every attached client.
// Output and history events carry the absolute buffer offset after
// their data, so clients can resume the polling cursor exactly.
type Event struct {
	Kind     EventKind
	Data     string
	Offset   int64
	ExitCode int
	State    ActivityState
	Task     *TaskStatus
}

// Client is an attached remote client. Deliver must not block; a
// client that cannot accept the event reports false and may be
// dropped by its transport.
type Client interface {
	ID() string
	Deliver(Event) bool
}
