package webrun

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMux_MiddlewareOrderAndOverwrite(t *testing.T) {
	m := NewMux()

	order := []int{}
	mw := func(n int) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, s Session, a Action) (Outcome, error) {
				order = append(order, n)
				return next(ctx, s, a)
			}
		}
	}
	m.Use(mw(1))
	m.Use(mw(2))

	called := 0
	m.Handle("t", func(context.Context, Session, Action) (Outcome, error) { called++; return Outcome{}, nil }, nil)
	// overwrite handler
	m.Handle("t", func(context.Context, Session, Action) (Outcome, error) { called += 10; return Outcome{}, nil }, nil)

	_, err := m.Dispatch(context.Background(), newFakeSession(nil), Action{Type: "t"})
	require.NoError(t, err)
	require.Equal(t, 10, called, "expected overwritten handler to run")
	// middleware applied in registration order: mw1 outer, then mw2
	require.Equal(t, []int{1, 2}, order)
}

func TestMux_UnknownAction(t *testing.T) {
	m := NewDefaultMux()
	_, err := m.Dispatch(context.Background(), newFakeSession(nil), Action{Type: "teleport"})
	require.ErrorIs(t, err, ErrUnknownAction)
	require.ErrorIs(t, m.Validate(Action{Type: "teleport"}), ErrUnknownAction)
	require.Equal(t, CodeActionUnsupported, classify(err))
}

func TestDefaultMux_Validation(t *testing.T) {
	m := NewDefaultMux()
	cases := []struct {
		a  Action
		ok bool
	}{
		{Action{Type: ActionGoto, URL: "https://example.com"}, true},
		{Action{Type: ActionGoto}, false},
		{Action{Type: ActionClick, Selector: "#a"}, true},
		{Action{Type: ActionClick}, false},
		{Action{Type: ActionWaitElement, Selector: "#a", State: "absent"}, true},
		{Action{Type: ActionWaitElement, Selector: "#a", State: "gone"}, false},
		{Action{Type: ActionUpload, Selector: "#f"}, false},
		{Action{Type: ActionUpload, Selector: "#f", FilePaths: []string{"/tmp/x"}}, true},
		{Action{Type: ActionScroll, Direction: "sideways"}, false},
		{Action{Type: ActionScroll, Direction: "bottom"}, true},
		{Action{Type: ActionPress}, false},
		{Action{Type: ActionPress, PressEnter: true}, true},
		{Action{Type: ActionEvaluate}, false},
		{Action{Type: ActionExtract, Selectors: []ExtractField{{Name: "t"}}}, false},
		{Action{Type: ActionExtract, Selectors: []ExtractField{{Name: "t", Selector: "h1"}}}, true},
		{Action{Type: ActionWait, Timeout: 500}, true},
		{Action{Type: ActionScreenshot}, true},
	}
	for _, c := range cases {
		err := m.Validate(c.a)
		if c.ok {
			require.NoError(t, err, "%v", c.a)
		} else {
			require.ErrorIs(t, err, ErrInvalidAction, "%v", c.a)
		}
	}
	require.Contains(t, m.Types(), ActionExtract)
}

func TestSendAction_Outcomes(t *testing.T) {
	sess := newFakeSession(func(_ context.Context, cmd Command) (Response, error) {
		if cmd.Action.Type == ActionScreenshot {
			return Response{Success: true, Screenshot: "aW1n", SavedPath: "/tmp/s.jpg"}, nil
		}
		return Response{Success: false, Error: "element not found"}, nil
	})

	out, err := SendAction(context.Background(), sess, Action{Type: ActionScreenshot})
	require.NoError(t, err)
	require.Equal(t, "aW1n", out.Screenshot)
	require.Equal(t, "/tmp/s.jpg", out.SavedPath)

	_, err = SendAction(context.Background(), sess, Action{Type: ActionClick, Selector: "#x"})
	var failed *ActionFailedError
	require.True(t, errors.As(err, &failed))
	require.Equal(t, "element not found", failed.Reason)
	require.Equal(t, CodeActionFailed, classify(err))
}

func TestExtractAction_RecordsResult(t *testing.T) {
	m := NewDefaultMux()
	sess := newFakeSession(func(context.Context, Command) (Response, error) {
		return Response{Success: true, Data: json.RawMessage(`{"title":"Example"}`)}, nil
	})
	r := &recorder{}
	e := NewEngine(LauncherFunc(func(context.Context, string) (Session, error) { return sess, nil }), m, r, nil, EngineConfig{DisableScreenshots: true})
	res := e.Execute(context.Background(), &Task{
		ID:      "x1",
		URL:     "https://example.com",
		Actions: []Action{{Type: ActionExtract, Selectors: []ExtractField{{Name: "title", Selector: "h1"}}}},
	})
	require.Equal(t, StatusCompleted, res.Status)
	require.Contains(t, string(res.Result), `"title":"Example"`)
	require.Len(t, r.byType(EventResult), 2, "one extracted-data event and one final result")
}
