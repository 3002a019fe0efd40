package webrun

import (
	"encoding/json"
	"maps"
	"slices"
)

// Task is one submitted run: a URL plus an ordered list of actions.
// The scheduler owns the canonical record; everything handed out is a clone.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`
	// URL is opened when the worker starts.
	URL string `json:"url"`
	// Actions are executed strictly in order.
	Actions []Action `json:"actions"`
	// Priority orders the task among pending tasks.
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Retry is the number of retries already consumed.
	Retry int `json:"retry"`
	// MaxRetry is the retry ceiling for failed runs.
	MaxRetry int `json:"max_retry"`
	// CreatedAt is the timestamp (ms) when the task was submitted.
	CreatedAt int64 `json:"created_at"`
	// StartedAt is the timestamp (ms) of the latest run start.
	StartedAt int64 `json:"started_at,omitempty"`
	// CompletedAt is the timestamp (ms) when the task reached a terminal state.
	CompletedAt int64 `json:"completed_at,omitempty"`
	// Result holds the JSON result of a completed run.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes the failure of the latest run.
	Error *ErrorRecord `json:"error,omitempty"`
	// Metadata is caller-defined and carried through untouched.
	Metadata map[string]any `json:"metadata,omitempty"`

	seq    uint64
	hidx   int
	queued bool
	cancel bool
}

// Clone returns a deep enough copy for handing across goroutines.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Actions = make([]Action, len(t.Actions))
	for i, a := range t.Actions {
		c.Actions[i] = a.Clone()
	}
	c.Result = slices.Clone(t.Result)
	c.Metadata = maps.Clone(t.Metadata)
	if t.Error != nil {
		e := *t.Error
		e.Details = maps.Clone(t.Error.Details)
		c.Error = &e
	}
	return &c
}
