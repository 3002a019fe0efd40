package webrun

import (
	"context"

	"github.com/UniQw/webrun/internal/hctx"
)

// ActionIndex returns the zero-based index of the action being executed, or
// -1 outside an engine run.
func ActionIndex(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return -1
	}
	return st.ActionIndex
}

// TaskIDFrom returns the id of the task being executed, if any.
func TaskIDFrom(ctx context.Context) (string, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return "", false
	}
	return st.TaskID, true
}

// AddResult appends v to the task result. The engine collects every value
// into the completed task's result. It is a no-op outside an engine run.
func AddResult(ctx context.Context, v any) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.AddResult(v)
}
