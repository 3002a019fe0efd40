package webrun

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorRecord(t *testing.T) {
	rec := NewErrorRecord(CodeActionTimeout, "t1", errors.New("no reply in 5s"))
	require.Equal(t, "action timed out", rec.Message)
	require.NotEmpty(t, rec.Suggestion)
	require.Equal(t, "no reply in 5s", rec.Reason)
	require.Nil(t, rec.ActionIndex)
	require.Equal(t, "ERR_ACT_001: action timed out: no reply in 5s", rec.Error())

	rec.AtAction(3)
	require.Equal(t, 3, *rec.ActionIndex)

	unknown := NewErrorRecord(ErrorCode("ERR_NOPE"), "t1", nil)
	require.Equal(t, "unknown error", unknown.Message)
	require.Equal(t, "ERR_NOPE: unknown error", unknown.Error())
}
