package hctx

import (
	"context"
	"sync"
)

// State holds per-run metadata that action handlers contribute and the
// engine reads back once the run ends.
type State struct {
	mu          sync.Mutex
	TaskID      string
	ActionIndex int
	Total       int
	results     []any
}

// New creates a fresh run state for a task with total actions.
func New(taskID string, total int) *State { return &State{TaskID: taskID, Total: total} }

// AddResult appends one handler-produced value.
func (s *State) AddResult(v any) {
	s.mu.Lock()
	s.results = append(s.results, v)
	s.mu.Unlock()
}

// Results returns a copy of the collected values.
func (s *State) Results() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.results))
	copy(out, s.results)
	return out
}

type ctxKey struct{}

// WithState returns a child context carrying the given run state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the run state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
