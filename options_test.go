package webrun

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions_Setters(t *testing.T) {
	o := collectOptions(nil)
	require.Equal(t, PriorityNormal, o.priority, "default priority")
	require.False(t, o.maxRetrySet)

	o = collectOptions([]Option{
		TaskID("id-1"),
		WithPriority(PriorityHigh),
		MaxRetry(7),
		Metadata(map[string]any{"a": 1}),
		Metadata(map[string]any{"b": 2}),
	})
	require.Equal(t, "id-1", o.id, "TaskID not set")
	require.Equal(t, PriorityHigh, o.priority)
	require.Equal(t, 7, o.maxRetry, "MaxRetry not set")
	require.True(t, o.maxRetrySet)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, o.metadata)

	o = collectOptions([]Option{MaxRetry(-3)})
	require.Equal(t, 0, o.maxRetry, "negative retries clamp to zero")
}
