package webrun

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateTask is returned when a task id is already known to the scheduler.
var ErrDuplicateTask = errors.New("webrun: duplicate task id")

// ErrTaskNotFound is returned when a task with the specified ID is not found.
var ErrTaskNotFound = errors.New("webrun: task not found")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("webrun: unknown status")

// ErrUnknownPriority is returned when an invalid priority is parsed.
var ErrUnknownPriority = errors.New("webrun: unknown priority")

// ErrUnknownAction is returned when no handler is registered for an action type.
var ErrUnknownAction = errors.New("webrun: unknown action type")

// ErrInvalidAction is returned when an action is missing a required field.
var ErrInvalidAction = errors.New("webrun: invalid action")

// ErrSchedulerStopped is returned when work is submitted after shutdown.
var ErrSchedulerStopped = errors.New("webrun: scheduler stopped")

// ErrNotCancellable is returned when cancelling a task that already reached a terminal state.
var ErrNotCancellable = errors.New("webrun: task not cancellable")

// ErrNotRetryable is returned when retrying a task that is not failed or has exhausted retries.
var ErrNotRetryable = errors.New("webrun: task not retryable")

// ErrorCode classifies task failures for clients.
type ErrorCode string

const (
	CodeBrowserLaunch     ErrorCode = "ERR_BRWSR_001"
	CodeBrowserCrashed    ErrorCode = "ERR_BRWSR_002"
	CodeBrowserConnection ErrorCode = "ERR_BRWSR_003"
	CodeActionTimeout     ErrorCode = "ERR_ACT_001"
	CodeActionFailed      ErrorCode = "ERR_ACT_002"
	CodeActionUnsupported ErrorCode = "ERR_ACT_003"
	CodeTaskNotFound      ErrorCode = "ERR_TASK_001"
	CodeTaskCancelled     ErrorCode = "ERR_TASK_002"
	CodeTaskTimeout       ErrorCode = "ERR_TASK_003"
	CodeTaskFailed        ErrorCode = "ERR_TASK_004"
	CodeUnknown           ErrorCode = "ERR_SYS_999"
)

var codeText = map[ErrorCode]struct{ message, suggestion string }{
	CodeBrowserLaunch:     {"browser launch failed", "check the worker executable path and that the debug port range is free"},
	CodeBrowserCrashed:    {"browser crashed", "retry the task; lower concurrency if crashes repeat"},
	CodeBrowserConnection: {"lost connection to browser worker", "retry the task"},
	CodeActionTimeout:     {"action timed out", "raise the action timeout or check the selector"},
	CodeActionFailed:      {"action failed", "check the action parameters and the page state"},
	CodeActionUnsupported: {"unsupported action type", "use one of the registered action types"},
	CodeTaskNotFound:      {"task not found", "check the task id"},
	CodeTaskCancelled:     {"task cancelled", ""},
	CodeTaskTimeout:       {"task timed out", "split the task into smaller runs"},
	CodeTaskFailed:        {"task failed", "inspect the task logs"},
	CodeUnknown:           {"unknown error", "report this error with the task logs"},
}

// ErrorRecord is the structured failure attached to a task and sent in
// error events.
type ErrorRecord struct {
	Code        ErrorCode      `json:"code"`
	Message     string         `json:"message"`
	Reason      string         `json:"reason,omitempty"`
	Suggestion  string         `json:"suggestion,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	TaskID      string         `json:"task_id,omitempty"`
	ActionIndex *int           `json:"action_index,omitempty"`
}

// NewErrorRecord builds a record for code with the given cause.
func NewErrorRecord(code ErrorCode, taskID string, cause error) *ErrorRecord {
	txt, ok := codeText[code]
	if !ok {
		txt = codeText[CodeUnknown]
	}
	rec := &ErrorRecord{
		Code:       code,
		Message:    txt.message,
		Suggestion: txt.suggestion,
		Timestamp:  time.Now().UnixMilli(),
		TaskID:     taskID,
	}
	if cause != nil {
		rec.Reason = cause.Error()
	}
	return rec
}

// AtAction marks the record with the failing action's index.
func (e *ErrorRecord) AtAction(i int) *ErrorRecord {
	e.ActionIndex = &i
	return e
}

func (e *ErrorRecord) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Reason)
}

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("webrun: hub closed")

// ErrInvalidTask is returned when a submitted task is malformed.
var ErrInvalidTask = errors.New("webrun: invalid task")
