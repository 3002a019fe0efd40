package webrun

import "strconv"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusStarting, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether no further transition can happen without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if s == string(st) {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}

// Priority orders pending tasks; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

var priorityNames = [...]string{"low", "normal", "high", "urgent"}

func (p Priority) String() string {
	if p < PriorityLow || p > PriorityUrgent {
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// ParsePriority accepts a name ("high") or a number ("2").
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && n >= int(PriorityLow) && n <= int(PriorityUrgent) {
		return Priority(n), nil
	}
	return 0, ErrUnknownPriority
}
