package webrun

import "time"

// EventType names the kind of an Event.
type EventType string

const (
	EventStatus     EventType = "task_status"
	EventProgress   EventType = "task_progress"
	EventLog        EventType = "task_log"
	EventResult     EventType = "task_result"
	EventError      EventType = "task_error"
	EventScreenshot EventType = "task_screenshot"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ EventType, taskID string, payload any) Event {
	return Event{Type: typ, Payload: payload, TaskID: taskID, Timestamp: time.Now().UnixMilli()}
}

// Broadcaster accepts events for delivery. Implementations must not block.
type Broadcaster interface {
	Broadcast(Event)
}

type StatusPayload struct {
	TaskID        string `json:"task_id"`
	Status        Status `json:"status"`
	Progress      int    `json:"progress"`
	CurrentAction string `json:"current_action,omitempty"`
	Message       string `json:"message,omitempty"`
}

type ProgressPayload struct {
	TaskID       string `json:"task_id"`
	ActionIndex  int    `json:"action_index"`
	TotalActions int    `json:"total_actions"`
	Progress     int    `json:"progress"`
	ActionName   string `json:"action_name"`
	Details      any    `json:"details,omitempty"`
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Urgent levels skip batching.
func (l LogLevel) Urgent() bool {
	return l == LevelSuccess || l == LevelWarning || l == LevelError
}

// LogEntry is the payload of a single task_log event.
type LogEntry struct {
	TaskID     string         `json:"task_id"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"message"`
	ActionName string         `json:"action_name,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// LogBatchPayload is the payload of a task_log event carrying a flushed batch.
type LogBatchPayload struct {
	TaskID string     `json:"task_id"`
	Logs   []LogEntry `json:"logs"`
}

type ResultPayload struct {
	TaskID string `json:"task_id"`
	Result any    `json:"result"`
}

type ErrorPayload struct {
	TaskID  string       `json:"task_id"`
	Error   string       `json:"error"`
	Details *ErrorRecord `json:"details,omitempty"`
}

type ScreenshotPayload struct {
	TaskID      string `json:"task_id"`
	Screenshot  string `json:"screenshot"`
	ActionIndex int    `json:"action_index"`
	Timestamp   int64  `json:"timestamp"`
}

func progressPercent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return done * 100 / total
}
